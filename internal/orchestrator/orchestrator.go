// File: internal/orchestrator/orchestrator.go
// Description: Sequences one credential flow against one domain: resolve the
// manifest, sign in, optionally change the password and confirm it by signing
// in again. The orchestrator owns the browser page for its whole lifetime.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/celobox/internal/browser"
	"github.com/xkilldash9x/celobox/internal/config"
	"github.com/xkilldash9x/celobox/internal/engine"
	"github.com/xkilldash9x/celobox/internal/manifest"
)

// State is the position of an Orchestrator in its credential flow.
type State int

const (
	Unauthenticated State = iota
	Authenticated
	PasswordChanged
	// Failed is terminal; the instance cannot be reused.
	Failed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case PasswordChanged:
		return "password-changed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrNotAuthenticated is returned by ChangePassword before a successful SignIn.
	ErrNotAuthenticated = errors.New("not signed in")
	// ErrInvalidState is returned for calls the current state does not allow.
	ErrInvalidState = errors.New("operation not valid in current state")
	// ErrFailed is returned by every call after a fatal error.
	ErrFailed = errors.New("orchestrator is in the failed state")
)

// ManifestResolver looks up the manifest for a domain.
type ManifestResolver interface {
	Resolve(ctx context.Context, domain string) (*manifest.Manifest, error)
}

// Performer drives one form interaction.
type Performer interface {
	Perform(ctx context.Context, page browser.Page, req engine.Request) (bool, error)
}

// Deps are the collaborators an Orchestrator is built from.
type Deps struct {
	Resolver ManifestResolver
	Factory  browser.Factory
	Engine   Performer
	Logger   *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig applies the browser and diagnostics settings from cfg.
func WithConfig(cfg *config.Config) Option {
	return func(o *Orchestrator) {
		o.userAgent = cfg.Browser.UserAgent
		o.ignoreTLS = cfg.IgnoreTLSErrors()
		o.debug = cfg.Browser.Debug
		o.snapshotDir = cfg.Diagnostics.SnapshotDir
	}
}

// WithDebug enables snapshots of pages where a success check failed.
func WithDebug(debug bool) Option {
	return func(o *Orchestrator) { o.debug = debug }
}

// WithSnapshotDir sets where diagnostic snapshots are written.
func WithSnapshotDir(dir string) Option {
	return func(o *Orchestrator) { o.snapshotDir = dir }
}

// Orchestrator is the credential flow state machine for one domain.
type Orchestrator struct {
	id     string
	domain string
	deps   Deps
	logger *zap.Logger

	userAgent   string
	ignoreTLS   bool
	debug       bool
	snapshotDir string

	mu        sync.Mutex
	state     State
	manifest  *manifest.Manifest
	page      browser.Page
	username  string
	password  string
	snapshots int
}

// New creates an Orchestrator for domain. Nothing touches the network until
// Open or the first SignIn.
func New(domain string, deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Resolver == nil || deps.Factory == nil || deps.Engine == nil {
		return nil, errors.New("cannot initialize orchestrator with nil dependencies")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	id := uuid.NewString()
	o := &Orchestrator{
		id:          id,
		domain:      domain,
		deps:        deps,
		logger:      deps.Logger.Named("orchestrator").With(zap.String("domain", domain), zap.String("run_id", id)),
		snapshotDir: ".",
		state:       Unauthenticated,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Manifest returns the resolved manifest, or nil before Open.
func (o *Orchestrator) Manifest() *manifest.Manifest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.manifest
}

// Open resolves the manifest and creates the page. It is idempotent.
func (o *Orchestrator) Open(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.open(ctx)
}

func (o *Orchestrator) open(ctx context.Context) error {
	if o.state == Failed {
		return ErrFailed
	}
	if o.page != nil {
		return nil
	}

	if o.manifest == nil {
		m, err := o.deps.Resolver.Resolve(ctx, o.domain)
		if err != nil {
			o.state = Failed
			return fmt.Errorf("failed to resolve manifest for %s: %w", o.domain, err)
		}
		o.manifest = m
		o.logger.Debug("Manifest resolved", zap.Bool("guided", m.Guided()), zap.Bool("password_section", m.Password != nil))
	}

	opts := browser.Options{
		UserAgent:       o.userAgent,
		Headers:         o.manifest.Headers,
		IgnoreTLSErrors: o.ignoreTLS || !o.manifest.VerifySSL,
	}
	if o.manifest.UserAgent != "" {
		opts.UserAgent = o.manifest.UserAgent
	}

	page, err := o.deps.Factory(ctx, opts)
	if err != nil {
		o.state = Failed
		return fmt.Errorf("failed to create browser page: %w", err)
	}
	o.page = page
	return nil
}

// Close releases the page. It is safe to call more than once.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.page == nil {
		return nil
	}
	err := o.page.Close(ctx)
	o.page = nil
	if err != nil {
		return fmt.Errorf("failed to close browser page: %w", err)
	}
	return nil
}

// Run opens the orchestrator, calls fn, and closes it on every path.
func (o *Orchestrator) Run(ctx context.Context, fn func(ctx context.Context, o *Orchestrator) error) (err error) {
	defer func() {
		// Closing gets its own context so a cancelled run still releases the page.
		if cerr := o.Close(context.WithoutCancel(ctx)); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	if err := o.Open(ctx); err != nil {
		return err
	}
	return fn(ctx, o)
}

// SignIn attempts to authenticate. A false result with a nil error means the
// site rejected the attempt and SignIn may be called again.
func (o *Orchestrator) SignIn(ctx context.Context, username, password string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case Failed:
		return false, ErrFailed
	case Unauthenticated:
	default:
		return false, fmt.Errorf("%w: sign in from %s", ErrInvalidState, o.state)
	}
	if err := o.open(ctx); err != nil {
		return false, err
	}

	ok, err := o.signIn(ctx, username, password)
	if err != nil || !ok {
		return false, err
	}
	o.username, o.password = username, password
	o.state = Authenticated
	o.logger.Info("Signed in")
	return true, nil
}

func (o *Orchestrator) signIn(ctx context.Context, username, password string) (bool, error) {
	return o.perform(ctx, engine.Request{
		Phase:       engine.PhaseSignIn,
		Domain:      o.domain,
		Manifest:    o.manifest,
		Credentials: engine.Credentials{Username: username, Password: password},
	})
}

// ChangePassword changes the password of the signed-in account and confirms
// the change by signing in again with it. A false result leaves the old
// password as the known-good one.
func (o *Orchestrator) ChangePassword(ctx context.Context, newPassword string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case Failed:
		return false, ErrFailed
	case Unauthenticated:
		return false, ErrNotAuthenticated
	case Authenticated:
	default:
		return false, fmt.Errorf("%w: change password from %s", ErrInvalidState, o.state)
	}
	if err := o.open(ctx); err != nil {
		return false, err
	}

	ok, err := o.perform(ctx, engine.Request{
		Phase:    engine.PhaseChangePassword,
		Domain:   o.domain,
		Manifest: o.manifest,
		Credentials: engine.Credentials{
			Username:    o.username,
			Password:    o.password,
			NewPassword: newPassword,
		},
	})
	if err != nil || !ok {
		return false, err
	}

	if err := o.page.DeleteAllCookies(ctx); err != nil {
		return false, o.fail(ctx, fmt.Errorf("failed to clear session before verification: %w", err))
	}
	o.logger.Debug("Verifying new password")

	ok, err = o.signIn(ctx, o.username, newPassword)
	if err != nil {
		return false, err
	}
	if !ok {
		o.logger.Warn("New password could not be verified")
		return false, nil
	}
	o.password = newPassword
	o.state = PasswordChanged
	o.logger.Info("Password changed")
	return true, nil
}

// perform runs one engine request, turning errors into the Failed state and
// capturing diagnostics.
func (o *Orchestrator) perform(ctx context.Context, req engine.Request) (bool, error) {
	ok, err := o.deps.Engine.Perform(ctx, o.page, req)
	if err != nil {
		return false, o.fail(ctx, err)
	}
	if !ok {
		o.logger.Info("Attempt rejected", zap.String("phase", string(req.Phase)))
		if o.debug {
			o.snapshot(ctx, string(req.Phase)+" rejected")
		}
	}
	return ok, nil
}

func (o *Orchestrator) fail(ctx context.Context, err error) error {
	if errors.Is(err, browser.ErrElementNotFound) {
		o.snapshot(ctx, "element not found")
	}
	o.state = Failed
	o.logger.Error("Credential flow failed", zap.Error(err))
	return err
}

// snapshot writes a best-effort diagnostic capture of the current page.
func (o *Orchestrator) snapshot(ctx context.Context, reason string) {
	shooter, ok := o.page.(browser.Snapshotter)
	if !ok {
		return
	}
	data, ext, err := shooter.Snapshot(ctx)
	if err != nil {
		o.logger.Warn("Failed to capture snapshot", zap.Error(err))
		return
	}

	o.snapshots++
	name := fmt.Sprintf("snapshot-%s-%d.%s", o.id, o.snapshots, ext)
	path := filepath.Join(o.snapshotDir, name)
	if err := os.MkdirAll(o.snapshotDir, 0o755); err != nil {
		o.logger.Warn("Failed to create snapshot directory", zap.String("dir", o.snapshotDir), zap.Error(err))
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		o.logger.Warn("Failed to write snapshot", zap.String("path", path), zap.Error(err))
		return
	}
	o.logger.Info("Saved page snapshot", zap.String("reason", reason), zap.String("path", path))
}
