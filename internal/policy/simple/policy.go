// Package simple contains a static target policy.
package simple

import (
	"net"
	"net/url"
	"strings"

	"github.com/JakeFAU/sitecloner/internal/policy"
)

// Policy admits every submission and rejects targets on a fixed host
// denylist. Loopback and private addresses are rejected unless AllowPrivate
// is set.
type Policy struct {
	denied       map[string]struct{}
	allowPrivate bool
}

// New creates a Policy denying the given hosts. Entries match the host
// exactly or any subdomain of it.
func New(allowPrivate bool, deniedHosts ...string) *Policy {
	denied := make(map[string]struct{}, len(deniedHosts))
	for _, h := range deniedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			denied[h] = struct{}{}
		}
	}
	return &Policy{denied: denied, allowPrivate: allowPrivate}
}

// AllowSubmit always admits.
func (*Policy) AllowSubmit(string) (policy.Undo, bool) {
	return policy.Nop, true
}

// AllowTarget rejects denylisted hosts and, unless configured otherwise,
// literal private or loopback addresses.
func (p *Policy) AllowTarget(target *url.URL) bool {
	if target == nil {
		return false
	}
	host := strings.ToLower(target.Hostname())
	if host == "" {
		return false
	}
	if !p.allowPrivate {
		if host == "localhost" {
			return false
		}
		if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified()) {
			return false
		}
	}
	for h := host; h != ""; {
		if _, ok := p.denied[h]; ok {
			return false
		}
		dot := strings.IndexByte(h, '.')
		if dot < 0 {
			break
		}
		h = h[dot+1:]
	}
	return true
}
