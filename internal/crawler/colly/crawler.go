// Package collycrawler implements clone.Crawler on top of gocolly.
//
// Pages are captured breadth-limited by depth and page budget, assets
// referenced from each page are captured alongside them, and the run ends by
// writing a manifest and an export artifact to the blob store.
package collycrawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/clone"
	"github.com/JakeFAU/sitecloner/internal/hash/sha256"
)

const (
	defaultTimeout          = 15 * time.Second
	defaultOutputPrefix     = "clones"
	defaultMaxAssetsPerPage = 50
	defaultUserAgent        = "sitecloner/1.0 (+https://github.com/JakeFAU/sitecloner)"
)

// ErrNoPages is returned when the target produced no capturable page.
var ErrNoPages = errors.New("no pages captured from target")

// Throttle paces outgoing requests per domain.
type Throttle interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent        string
	RespectRobots    bool
	Timeout          time.Duration
	Delay            time.Duration
	OutputPrefix     string
	MaxAssetsPerPage int
	// BlockedDomains lists hosts that are never fetched. Entries starting
	// with "*." or "." match the domain and all of its subdomains.
	BlockedDomains []string
}

// Crawler captures a site into a blob store.
type Crawler struct {
	cfg       Config
	blobs     clone.BlobStore
	hasher    *sha256.Hasher
	throttle  Throttle
	blocked   *hostBlocklist
	transport http.RoundTripper
	logger    *zap.Logger
}

// New builds a Crawler. throttle may be nil.
func New(cfg Config, blobs clone.BlobStore, throttle Throttle, logger *zap.Logger) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.OutputPrefix == "" {
		cfg.OutputPrefix = defaultOutputPrefix
	}
	if cfg.MaxAssetsPerPage <= 0 {
		cfg.MaxAssetsPerPage = defaultMaxAssetsPerPage
	}
	return &Crawler{
		cfg:       cfg,
		blobs:     blobs,
		hasher:    sha256.New(),
		throttle:  throttle,
		blocked:   newHostBlocklist(cfg.BlockedDomains),
		transport: newHTTPTransport(),
		logger:    logger,
	}
}

// WithTransport replaces the HTTP transport used for every request.
func (c *Crawler) WithTransport(rt http.RoundTripper) *Crawler {
	c.transport = rt
	return c
}

// Crawl implements clone.Crawler.
func (c *Crawler) Crawl(ctx context.Context, req clone.CrawlRequest, rep clone.Reporter) (clone.CrawlOutcome, error) {
	target, err := url.Parse(req.TargetURL)
	if err != nil || target.Hostname() == "" {
		return clone.CrawlOutcome{}, fmt.Errorf("parse target %q: %w", req.TargetURL, clone.ErrValidation)
	}
	if c.blocked.blocked(target.Hostname()) {
		return clone.CrawlOutcome{}, fmt.Errorf("target host %s is blocked: %w", target.Hostname(), clone.ErrValidation)
	}
	budget := req.MaxPages - req.PagesDone
	if req.MaxPages <= 0 {
		budget = 1
	}
	if budget <= 0 {
		return clone.CrawlOutcome{}, fmt.Errorf("page budget exhausted after %d pages: %w", req.PagesDone, ErrNoPages)
	}

	r := newRun(ctx, c, req, rep, budget)
	r.loadSeed()

	robots := &robotsProbeState{}
	pages := c.collector(ctx, target, req.MaxDepth, robots)
	assets := pages.Clone()
	assets.AllowedDomains = nil
	assets.MaxDepth = 0

	pages.OnRequest(r.beforePage)
	pages.OnResponse(r.onPageResponse)
	pages.OnHTML("html", r.onPage)
	pages.OnHTML("a[href]", r.follow)
	pages.OnError(r.onPageError)
	assets.OnRequest(r.beforeAsset)
	assets.OnResponse(r.onAsset)
	assets.OnError(r.onAssetError)
	r.assets = assets

	c.logger.Info("crawl started",
		zap.String("job_id", req.JobID),
		zap.String("target", target.String()),
		zap.Int("budget", budget),
		zap.Int("max_depth", req.MaxDepth),
		zap.Bool("incremental", len(r.seed) > 0),
	)
	visitErr := pages.Visit(target.String())

	if fellBack, reason := robots.fallback(); fellBack {
		rep.Log(ctx, clone.LogWarning, "robots.txt unavailable", reason)
	}
	switch {
	case r.stopErr != nil:
		return clone.CrawlOutcome{}, r.stopErr
	case ctx.Err() != nil:
		return clone.CrawlOutcome{}, fmt.Errorf("crawl %s: %w", req.JobID, ctx.Err())
	case r.captured == 0 && r.rootErr != nil:
		return clone.CrawlOutcome{}, fmt.Errorf("fetch %s: %w", target, r.rootErr)
	case r.captured == 0 && visitErr != nil:
		return clone.CrawlOutcome{}, fmt.Errorf("visit %s: %w", target, visitErr)
	case r.captured == 0:
		return clone.CrawlOutcome{}, fmt.Errorf("crawl %s: %w", target, ErrNoPages)
	}

	outcome, err := r.finish()
	if err != nil {
		return clone.CrawlOutcome{}, err
	}
	c.logger.Info("crawl finished",
		zap.String("job_id", req.JobID),
		zap.Int("pages", r.captured),
		zap.Int("reused", r.reused),
		zap.Int("assets", r.assetCount),
		zap.Int64("bytes", r.bytes),
	)
	return outcome, nil
}

func (c *Crawler) collector(ctx context.Context, target *url.URL, maxDepth int, robots *robotsProbeState) *colly.Collector {
	collector := colly.NewCollector(
		colly.AllowedDomains(target.Hostname()),
		colly.MaxDepth(max(maxDepth, 0)+1),
		colly.UserAgent(c.cfg.UserAgent),
	)
	collector.Context = ctx
	collector.IgnoreRobotsTxt = !c.cfg.RespectRobots
	collector.SetRequestTimeout(c.cfg.Timeout)
	if c.cfg.RespectRobots {
		collector.WithTransport(&robotsAwareTransport{base: c.transport, state: robots})
	} else {
		collector.WithTransport(c.transport)
	}
	if c.cfg.Delay > 0 {
		if err := collector.Limit(&colly.LimitRule{DomainGlob: "*", Delay: c.cfg.Delay}); err != nil {
			c.logger.Warn("set collector limits", zap.Error(err))
		}
	}
	return collector
}

func isHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "html")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
