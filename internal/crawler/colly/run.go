package collycrawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/clone"
)

// run holds the state of one Crawl call. Colly runs synchronously here, so
// every callback executes on the goroutine that called Visit.
type run struct {
	ctx    context.Context
	c      *Crawler
	req    clone.CrawlRequest
	rep    clone.Reporter
	assets *colly.Collector
	base   string
	budget int

	seed     map[string]Entry
	manifest Manifest
	files    []exportFile

	captured      int
	reused        int
	assetCount    int
	pendingAssets int
	bytes         int64
	assetSeen     map[string]struct{}

	stopErr error
	rootErr error
}

type exportFile struct {
	path string
	data []byte
}

func newRun(ctx context.Context, c *Crawler, req clone.CrawlRequest, rep clone.Reporter, budget int) *run {
	return &run{
		ctx:    ctx,
		c:      c,
		req:    req,
		rep:    rep,
		base:   path.Join(c.cfg.OutputPrefix, req.JobID),
		budget: budget,
		seed:   map[string]Entry{},
		manifest: Manifest{
			JobID:     req.JobID,
			TargetURL: req.TargetURL,
			SeedFrom:  req.SeedLocation,
		},
		assetSeen: map[string]struct{}{},
	}
}

func (r *run) done() bool {
	return r.stopErr != nil || r.captured >= r.budget || r.ctx.Err() != nil
}

func (r *run) beforePage(req *colly.Request) {
	if r.done() {
		req.Abort()
		return
	}
	if err := r.rep.Checkpoint(r.ctx); err != nil {
		r.stopErr = err
		req.Abort()
		return
	}
	r.wait(req)
}

func (r *run) beforeAsset(req *colly.Request) {
	if r.stopErr != nil || r.ctx.Err() != nil || r.c.blocked.blocked(req.URL.Hostname()) {
		req.Abort()
		return
	}
	r.wait(req)
}

func (r *run) wait(req *colly.Request) {
	if r.c.throttle == nil {
		return
	}
	if err := r.c.throttle.Wait(r.ctx, req.URL.String()); err != nil {
		r.stopErr = fmt.Errorf("throttle %s: %w", req.URL.Host, err)
		req.Abort()
	}
}

// onPageResponse keeps non-HTML documents reached through links as assets.
func (r *run) onPageResponse(resp *colly.Response) {
	if isHTML(resp.Headers.Get("Content-Type")) {
		return
	}
	if r.store(resp, true) {
		r.pendingAssets++
	}
}

func (r *run) onPage(e *colly.HTMLElement) {
	if r.done() {
		return
	}
	before := r.assetCount
	e.ForEach("img[src], script[src], source[src], link[href]", func(_ int, el *colly.HTMLElement) {
		r.captureAsset(el)
	})
	if !r.store(e.Response, false) {
		return
	}
	r.captured++
	page := clone.PageResult{
		URL:            e.Request.URL.String(),
		AssetsCaptured: r.assetCount - before + r.pendingAssets,
		Bytes:          int64(len(e.Response.Body)),
	}
	r.pendingAssets = 0
	if err := r.rep.PageCaptured(r.ctx, page); err != nil {
		r.stopErr = err
	}
}

func (r *run) captureAsset(el *colly.HTMLElement) {
	attr := "src"
	if el.Name == "link" {
		if !isAssetRel(el.Attr("rel")) {
			return
		}
		attr = "href"
	}
	link := el.Request.AbsoluteURL(el.Attr(attr))
	if link == "" || strings.HasPrefix(link, "data:") {
		return
	}
	if _, ok := r.assetSeen[link]; ok || len(r.assetSeen) >= r.c.cfg.MaxAssetsPerPage*r.budget {
		return
	}
	r.assetSeen[link] = struct{}{}
	if err := r.assets.Visit(link); err != nil && !isBenignVisitErr(err) {
		r.c.logger.Debug("asset visit", zap.String("url", link), zap.Error(err))
	}
}

func (r *run) onAsset(resp *colly.Response) {
	r.store(resp, true)
}

func (r *run) follow(e *colly.HTMLElement) {
	if r.done() {
		return
	}
	link := e.Request.AbsoluteURL(e.Attr("href"))
	if link == "" {
		return
	}
	if i := strings.IndexByte(link, '#'); i >= 0 {
		link = link[:i]
	}
	if err := e.Request.Visit(link); err != nil && !isBenignVisitErr(err) {
		r.c.logger.Debug("link visit", zap.String("url", link), zap.Error(err))
	}
}

func (r *run) onPageError(resp *colly.Response, err error) {
	pageURL := resp.Request.URL.String()
	if r.captured == 0 && r.rootErr == nil && sameDocument(pageURL, r.req.TargetURL) {
		r.rootErr = err
		return
	}
	r.rep.Warn(r.ctx, fetchFailure(pageURL, resp.StatusCode, err))
}

func (r *run) onAssetError(resp *colly.Response, err error) {
	r.rep.Warn(r.ctx, fetchFailure(resp.Request.URL.String(), resp.StatusCode, err))
}

// store records a response in the manifest and writes it unless the seed
// manifest already holds identical bytes.
func (r *run) store(resp *colly.Response, asset bool) bool {
	pageURL := resp.Request.URL.String()
	contentType := resp.Headers.Get("Content-Type")
	digest, err := r.c.hasher.Hash(resp.Body)
	if err != nil {
		r.rep.Warn(r.ctx, fmt.Sprintf("hash %s: %v", pageURL, err))
		return false
	}
	entry := Entry{
		URL:         pageURL,
		Path:        objectPath(r.c.hasher.Key(pageURL), resp.Request.URL.Path, asset),
		Digest:      digest,
		Bytes:       int64(len(resp.Body)),
		ContentType: contentType,
	}
	if prev, ok := r.seed[pageURL]; ok && prev.Digest == digest && prev.Location != "" {
		entry.Location = prev.Location
		entry.Reused = true
		r.reused++
	} else {
		loc, err := r.c.blobs.PutObject(r.ctx, path.Join(r.base, entry.Path), contentType, bytes.NewReader(resp.Body))
		if err != nil {
			r.rep.Warn(r.ctx, fmt.Sprintf("store %s: %v", pageURL, err))
			return false
		}
		entry.Location = loc
	}
	if asset {
		r.manifest.Assets = append(r.manifest.Assets, entry)
		r.assetCount++
	} else {
		r.manifest.Pages = append(r.manifest.Pages, entry)
	}
	r.files = append(r.files, exportFile{path: entry.Path, data: append([]byte(nil), resp.Body...)})
	r.bytes += entry.Bytes
	return true
}

func (r *run) finish() (clone.CrawlOutcome, error) {
	data, err := r.manifest.encode()
	if err != nil {
		return clone.CrawlOutcome{}, err
	}
	loc, err := r.c.blobs.PutObject(r.ctx, path.Join(r.base, manifestName), "application/json", bytes.NewReader(data))
	if err != nil {
		return clone.CrawlOutcome{}, fmt.Errorf("write manifest: %w", err)
	}
	exportLoc, err := r.export(data)
	if err != nil {
		return clone.CrawlOutcome{}, err
	}
	r.rep.Log(r.ctx, clone.LogInfo, "Export written", exportLoc)
	return clone.CrawlOutcome{
		OutputLocation: strings.TrimSuffix(loc, "/"+manifestName),
		ExportLocation: exportLoc,
		PagesCloned:    r.req.PagesDone + r.captured,
		AssetsCaptured: r.assetCount,
		SizeBytes:      r.bytes,
	}, nil
}

func isAssetRel(rel string) bool {
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		switch token {
		case "stylesheet", "icon", "preload", "manifest":
			return true
		}
	}
	return false
}

func isBenignVisitErr(err error) bool {
	var already *colly.AlreadyVisitedError
	return errors.As(err, &already) ||
		errors.Is(err, colly.ErrForbiddenDomain) ||
		errors.Is(err, colly.ErrMaxDepth) ||
		errors.Is(err, colly.ErrMissingURL) ||
		errors.Is(err, colly.ErrRobotsTxtBlocked) ||
		errors.Is(err, colly.ErrNoPattern)
}

func sameDocument(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}

func fetchFailure(rawURL string, status int, err error) string {
	if status > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", rawURL, status, err)
	}
	return fmt.Sprintf("fetch %s: %v", rawURL, err)
}

func objectPath(key, urlPath string, asset bool) string {
	if !asset {
		return "pages/" + key + ".html"
	}
	ext := path.Ext(urlPath)
	if len(ext) > 8 || strings.ContainsAny(ext, "?&=") {
		ext = ""
	}
	return "assets/" + key + ext
}
