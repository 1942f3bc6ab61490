package collycrawler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/sitecloner/internal/clone"
)

const manifestName = "manifest.json"

// Manifest lists every object captured for a job. Incremental runs read the
// manifest of their seed to skip unchanged content.
type Manifest struct {
	JobID     string  `json:"job_id"`
	TargetURL string  `json:"target_url"`
	SeedFrom  string  `json:"seed_from,omitempty"`
	Pages     []Entry `json:"pages"`
	Assets    []Entry `json:"assets"`
}

// Entry is one captured object.
type Entry struct {
	URL         string `json:"url"`
	Path        string `json:"path"`
	Location    string `json:"location"`
	Digest      string `json:"sha256"`
	Bytes       int64  `json:"bytes"`
	ContentType string `json:"content_type,omitempty"`
	Reused      bool   `json:"reused,omitempty"`
}

func (m Manifest) encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}

// ReadManifest loads the manifest stored under an output location.
func ReadManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

func (r *run) loadSeed() {
	if r.req.SeedLocation == "" {
		return
	}
	reader, ok := r.c.blobs.(clone.BlobReader)
	if !ok {
		r.rep.Log(r.ctx, clone.LogWarning, "Previous capture unreadable, capturing every page", "")
		return
	}
	location := strings.TrimSuffix(r.req.SeedLocation, "/") + "/" + manifestName
	data, err := reader.GetObject(r.ctx, location)
	if err != nil {
		r.rep.Log(r.ctx, clone.LogWarning, "Previous capture unreadable, capturing every page", err.Error())
		return
	}
	seed, err := ReadManifest(data)
	if err != nil {
		r.rep.Log(r.ctx, clone.LogWarning, "Previous capture unreadable, capturing every page", err.Error())
		return
	}
	for _, entry := range append(seed.Pages, seed.Assets...) {
		r.seed[entry.URL] = entry
	}
	r.rep.Log(r.ctx, clone.LogInfo, "Incremental capture",
		fmt.Sprintf("%d pages and %d assets in previous capture", len(seed.Pages), len(seed.Assets)))
}
