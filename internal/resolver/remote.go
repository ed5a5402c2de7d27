package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/xkilldash9x/celobox/internal/manifest"
)

// ManifestRel is the link relation a site uses to advertise its manifest.
const ManifestRel = "password-manifest"

const (
	maxPageSize     = 10 << 20
	maxManifestSize = 1 << 20
)

// Remote discovers a manifest advertised by the site itself: it fetches the
// domain root and follows a <link rel="password-manifest"> to the document.
type Remote struct {
	Client *http.Client
	Logger *zap.Logger
}

func (r *Remote) Load(ctx context.Context, domain string) (*manifest.Manifest, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("domain", domain))

	root := &url.URL{Scheme: "http", Host: domain, Path: "/"}
	href, base, err := r.findManifestLink(ctx, root)
	if err != nil {
		logger.Warn("Remote manifest discovery failed", zap.Error(err))
		return nil, manifest.ErrNotFound
	}
	if href == "" {
		logger.Debug("Site does not advertise a manifest")
		return nil, manifest.ErrNotFound
	}

	target, err := base.Parse(href)
	if err != nil {
		logger.Warn("Manifest link is not a valid URL", zap.String("href", href), zap.Error(err))
		return nil, manifest.ErrNotFound
	}

	content, err := r.fetch(ctx, target, maxManifestSize)
	if err != nil {
		logger.Warn("Failed to fetch advertised manifest", zap.String("url", target.String()), zap.Error(err))
		return nil, manifest.ErrNotFound
	}

	m, err := manifest.Decode(content, manifest.EncodingAuto)
	if errors.Is(err, manifest.ErrNotManifest) {
		logger.Warn("Advertised document is not a manifest", zap.String("url", target.String()))
		return nil, manifest.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", target, err)
	}
	logger.Info("Loaded remote manifest", zap.String("url", target.String()))
	return m, nil
}

// findManifestLink returns the href of the first manifest link and the URL
// it is relative to, after redirects.
func (r *Remote) findManifestLink(ctx context.Context, root *url.URL) (string, *url.URL, error) {
	resp, err := r.get(ctx, root)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse %s: %w", root, err)
	}

	base := resp.Request.URL
	if b, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if parsed, err := base.Parse(b); err == nil {
			base = parsed
		}
	}

	var href string
	doc.Find("link[rel][href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rel, _ := s.Attr("rel")
		if hasRel(rel, ManifestRel) {
			href, _ = s.Attr("href")
			return false
		}
		return true
	})
	return href, base, nil
}

func (r *Remote) fetch(ctx context.Context, target *url.URL, limit int64) ([]byte, error) {
	resp, err := r.get(ctx, target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

func (r *Remote) get(ctx context.Context, target *url.URL) (*http.Response, error) {
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %d", target, resp.StatusCode)
	}
	return resp, nil
}

// hasRel reports whether the space-separated rel attribute contains want.
func hasRel(rel, want string) bool {
	for _, token := range strings.Fields(rel) {
		if strings.EqualFold(token, want) {
			return true
		}
	}
	return false
}
