// Package engine drives sign-in and password-change forms on a browser.Page,
// either by following a manifest section or by scanning the page for a
// plausible login form.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/celobox/internal/browser"
	"github.com/xkilldash9x/celobox/internal/manifest"
)

// Phase selects which manifest section a request drives.
type Phase string

const (
	PhaseSignIn         Phase = "sign-in"
	PhaseChangePassword Phase = "change-password"
)

// DefaultHeuristicSettle is the pause after each heuristic navigation step.
const DefaultHeuristicSettle = 3 * time.Second

// Credentials for one request. Password is the currently valid password; in
// the change-password phase it fills the old-password field.
type Credentials struct {
	Username    string
	Password    string
	NewPassword string
}

// Request is one form interaction.
type Request struct {
	Phase       Phase
	Domain      string
	Manifest    *manifest.Manifest
	Credentials Credentials
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Engine is stateless between requests.
type Engine struct {
	logger          *zap.Logger
	sleep           SleepFunc
	heuristicSettle time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleep replaces the delay implementation, mostly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithHeuristicSettle sets the pause after heuristic navigation steps.
func WithHeuristicSettle(d time.Duration) Option {
	return func(e *Engine) { e.heuristicSettle = d }
}

// New creates an Engine.
func New(logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		logger:          logger.Named("engine"),
		sleep:           Sleep,
		heuristicSettle: DefaultHeuristicSettle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sleep waits for d, returning early with the context's error.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Perform runs one phase against page. A false result with a nil error is
// an ordinary failed attempt (wrong password, no login form found). Errors
// are configuration problems or backend failures.
func (e *Engine) Perform(ctx context.Context, page browser.Page, req Request) (bool, error) {
	m := req.Manifest
	if m == nil {
		m = manifest.Empty()
	}
	logger := e.logger.With(zap.String("domain", req.Domain), zap.String("phase", string(req.Phase)))

	switch req.Phase {
	case PhaseSignIn:
		if m.Guided() {
			logger.Debug("Signing in with manifest", zap.String("username", req.Credentials.Username))
			return e.guided(ctx, logger, page, m, "login", m.Login, req)
		}
		logger.Debug("Signing in heuristically", zap.String("username", req.Credentials.Username))
		return e.heuristic(ctx, logger, page, req)

	case PhaseChangePassword:
		if m.Password == nil {
			return false, manifest.NewConfigError("password", manifest.ErrMissingSection,
				"the manifest for %s does not declare a password section", req.Domain)
		}
		logger.Debug("Changing password with manifest")
		return e.guided(ctx, logger, page, m, "password", m.Password, req)
	}
	return false, fmt.Errorf("unknown phase %q", req.Phase)
}
