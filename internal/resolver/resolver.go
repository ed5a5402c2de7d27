// Package resolver finds the manifest for a domain. Sources are tried in a
// fixed order and the first manifest found wins; when none has one, the
// empty manifest selects heuristic mode.
package resolver

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/celobox/internal/browser/network"
	"github.com/xkilldash9x/celobox/internal/config"
	"github.com/xkilldash9x/celobox/internal/manifest"
)

// Loader is one manifest source. It returns manifest.ErrNotFound when it has
// nothing for the domain; any other error is fatal to resolution.
type Loader interface {
	Load(ctx context.Context, domain string) (*manifest.Manifest, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, domain string) (*manifest.Manifest, error)

func (f LoaderFunc) Load(ctx context.Context, domain string) (*manifest.Manifest, error) {
	return f(ctx, domain)
}

// Resolver caches one result per domain for its own lifetime.
type Resolver struct {
	loaders []Loader
	logger  *zap.Logger

	mu    sync.Mutex
	cache map[string]*manifest.Manifest
	group singleflight.Group
}

// New returns a Resolver trying loaders in order.
func New(logger *zap.Logger, loaders ...Loader) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		loaders: loaders,
		logger:  logger.Named("resolver"),
		cache:   make(map[string]*manifest.Manifest),
	}
}

// NewFromConfig wires the local directory loader and, when enabled, remote
// discovery over the configured transport.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	named := logger.Named("resolver")
	loaders := []Loader{&Local{Dir: cfg.Manifests.Dir, Logger: named}}

	if cfg.Manifests.RemoteDiscovery {
		cc, err := network.ClientConfigFrom(cfg.Network, cfg.Browser.UserAgent, logger)
		if err != nil {
			return nil, err
		}
		cc.FollowRedirects = true
		loaders = append(loaders, &Remote{Client: network.NewClient(cc), Logger: named})
	}
	return New(logger, loaders...), nil
}

// Resolve returns the manifest for domain, or manifest.Empty() when no
// source has one. Configuration errors in a found manifest are returned.
func (r *Resolver) Resolve(ctx context.Context, domain string) (*manifest.Manifest, error) {
	key, err := SanitizeDomain(domain)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if m, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		m, err := r.resolve(ctx, key)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[key] = m
		r.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*manifest.Manifest), nil
}

func (r *Resolver) resolve(ctx context.Context, domain string) (*manifest.Manifest, error) {
	for i, loader := range r.loaders {
		m, err := loader.Load(ctx, domain)
		if errors.Is(err, manifest.ErrNotFound) {
			continue
		}
		if err != nil {
			r.logger.Error("Manifest resolution failed", zap.String("domain", domain), zap.Int("loader", i), zap.Error(err))
			return nil, err
		}
		return m, nil
	}
	r.logger.Info("No manifest found, using heuristic mode", zap.String("domain", domain))
	return manifest.Empty(), nil
}
