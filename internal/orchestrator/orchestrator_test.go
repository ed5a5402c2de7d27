// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/celobox/internal/browser"
	"github.com/xkilldash9x/celobox/internal/browser/network"
	"github.com/xkilldash9x/celobox/internal/browser/session"
	"github.com/xkilldash9x/celobox/internal/config"
	"github.com/xkilldash9x/celobox/internal/engine"
	"github.com/xkilldash9x/celobox/internal/manifest"
	"github.com/xkilldash9x/celobox/internal/mocks"
	"github.com/xkilldash9x/celobox/internal/resolver"
)

// -- Mock Implementations for Testing --

type performResult struct {
	ok  bool
	err error
}

// mockEngine replays scripted results and records the requests it saw.
type mockEngine struct {
	mu       sync.Mutex
	results  []performResult
	requests []engine.Request
}

func (m *mockEngine) Perform(ctx context.Context, page browser.Page, req engine.Request) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.results) == 0 {
		return false, errors.New("unexpected Perform call")
	}
	r := m.results[0]
	m.results = m.results[1:]
	return r.ok, r.err
}

type staticResolver struct {
	m     *manifest.Manifest
	err   error
	calls int
}

func (r *staticResolver) Resolve(ctx context.Context, domain string) (*manifest.Manifest, error) {
	r.calls++
	return r.m, r.err
}

// -- Test Fixture Setup --

type orchestratorTestFixture struct {
	Logger   *zap.Logger
	Resolver *staticResolver
	Engine   *mockEngine
	Page     *mocks.MockPage

	factoryCalls int
	lastOptions  browser.Options
}

func setupTest(t *testing.T, results ...performResult) *orchestratorTestFixture {
	t.Helper()
	page := new(mocks.MockPage)
	page.On("Close", mock.Anything).Return(nil).Maybe()
	page.On("DeleteAllCookies", mock.Anything).Return(nil).Maybe()
	return &orchestratorTestFixture{
		Logger:   zaptest.NewLogger(t),
		Resolver: &staticResolver{m: guidedManifest()},
		Engine:   &mockEngine{results: results},
		Page:     page,
	}
}

func (f *orchestratorTestFixture) deps() Deps {
	return Deps{
		Resolver: f.Resolver,
		Engine:   f.Engine,
		Logger:   f.Logger,
		Factory: func(ctx context.Context, opts browser.Options) (browser.Page, error) {
			f.factoryCalls++
			f.lastOptions = opts
			return f.Page, nil
		},
	}
}

func (f *orchestratorTestFixture) newOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New("example.com", f.deps(), opts...)
	require.NoError(t, err)
	return o
}

func guidedManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Login: &manifest.Section{
			FormURL: "https://example.com/login",
			Form:    manifest.Form{Username: "#user", Password: "#pass", Submit: "#submit-btn"},
			Success: manifest.Landing("https://example.com/account"),
		},
		Password: &manifest.Section{
			FormURL: "https://example.com/password",
			Form:    manifest.Form{NewPassword: []string{"#pwd1"}, Submit: "#go"},
		},
		VerifySSL: true,
	}
}

// -- Test Cases --

func TestNewOrchestrator(t *testing.T) {
	fixture := setupTest(t)

	t.Run("should create orchestrator with valid dependencies", func(t *testing.T) {
		o, err := New("example.com", fixture.deps())
		require.NoError(t, err)
		assert.Equal(t, Unauthenticated, o.State())
		assert.Nil(t, o.Manifest())
		assert.Zero(t, fixture.factoryCalls, "nothing is opened eagerly")
	})

	t.Run("should return error with nil dependencies", func(t *testing.T) {
		deps := fixture.deps()
		deps.Resolver = nil
		_, err := New("example.com", deps)
		assert.Error(t, err)

		deps = fixture.deps()
		deps.Factory = nil
		_, err = New("example.com", deps)
		assert.Error(t, err)

		deps = fixture.deps()
		deps.Engine = nil
		_, err = New("example.com", deps)
		assert.Error(t, err)
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unauthenticated", Unauthenticated.String())
	assert.Equal(t, "authenticated", Authenticated.String())
	assert.Equal(t, "password-changed", PasswordChanged.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestOrchestrator_SignIn(t *testing.T) {
	ctx := context.Background()

	t.Run("success moves to authenticated", func(t *testing.T) {
		fixture := setupTest(t, performResult{ok: true})
		o := fixture.newOrchestrator(t)

		ok, err := o.SignIn(ctx, "alice", "secret")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, Authenticated, o.State())

		require.Len(t, fixture.Engine.requests, 1)
		req := fixture.Engine.requests[0]
		assert.Equal(t, engine.PhaseSignIn, req.Phase)
		assert.Equal(t, "example.com", req.Domain)
		assert.Equal(t, engine.Credentials{Username: "alice", Password: "secret"}, req.Credentials)
	})

	t.Run("rejection keeps unauthenticated and allows a retry", func(t *testing.T) {
		fixture := setupTest(t, performResult{ok: false}, performResult{ok: true})
		o := fixture.newOrchestrator(t)

		ok, err := o.SignIn(ctx, "alice", "wrong")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, Unauthenticated, o.State())

		ok, err = o.SignIn(ctx, "alice", "secret")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, fixture.Resolver.calls, "the manifest is resolved once")
		assert.Equal(t, 1, fixture.factoryCalls)
	})

	t.Run("sign in twice is invalid", func(t *testing.T) {
		fixture := setupTest(t, performResult{ok: true})
		o := fixture.newOrchestrator(t)
		_, err := o.SignIn(ctx, "alice", "secret")
		require.NoError(t, err)

		_, err = o.SignIn(ctx, "alice", "secret")
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("engine error is terminal", func(t *testing.T) {
		cfgErr := manifest.NewConfigError("login.success", manifest.ErrUnknownPredicate, "bad")
		fixture := setupTest(t, performResult{err: cfgErr})
		o := fixture.newOrchestrator(t)

		_, err := o.SignIn(ctx, "alice", "secret")
		assert.ErrorIs(t, err, manifest.ErrUnknownPredicate)
		assert.Equal(t, Failed, o.State())

		_, err = o.SignIn(ctx, "alice", "secret")
		assert.ErrorIs(t, err, ErrFailed)
		_, err = o.ChangePassword(ctx, "new")
		assert.ErrorIs(t, err, ErrFailed)
	})

	t.Run("resolution error is terminal", func(t *testing.T) {
		fixture := setupTest(t)
		fixture.Resolver.err = resolver.ErrUnsafeDomain
		o := fixture.newOrchestrator(t)

		_, err := o.SignIn(ctx, "alice", "secret")
		assert.ErrorIs(t, err, resolver.ErrUnsafeDomain)
		assert.Equal(t, Failed, o.State())
		assert.Zero(t, fixture.factoryCalls)
	})
}

func TestOrchestrator_ChangePassword(t *testing.T) {
	ctx := context.Background()

	t.Run("before sign in does nothing", func(t *testing.T) {
		fixture := setupTest(t)
		o := fixture.newOrchestrator(t)

		_, err := o.ChangePassword(ctx, "new")
		assert.ErrorIs(t, err, ErrNotAuthenticated)
		assert.Zero(t, fixture.factoryCalls)
		assert.Empty(t, fixture.Engine.requests)
		fixture.Page.AssertNotCalled(t, "Navigate", mock.Anything, mock.Anything)
	})

	t.Run("confirmed change", func(t *testing.T) {
		fixture := setupTest(t, performResult{ok: true}, performResult{ok: true}, performResult{ok: true})
		o := fixture.newOrchestrator(t)
		_, err := o.SignIn(ctx, "alice", "secret")
		require.NoError(t, err)

		ok, err := o.ChangePassword(ctx, "hunter2")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, PasswordChanged, o.State())

		require.Len(t, fixture.Engine.requests, 3)
		change := fixture.Engine.requests[1]
		assert.Equal(t, engine.PhaseChangePassword, change.Phase)
		assert.Equal(t, engine.Credentials{Username: "alice", Password: "secret", NewPassword: "hunter2"}, change.Credentials)

		verify := fixture.Engine.requests[2]
		assert.Equal(t, engine.PhaseSignIn, verify.Phase)
		assert.Equal(t, engine.Credentials{Username: "alice", Password: "hunter2"}, verify.Credentials)
		fixture.Page.AssertCalled(t, "DeleteAllCookies", mock.Anything)

		_, err = o.ChangePassword(ctx, "again")
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("unconfirmed change keeps the old password", func(t *testing.T) {
		fixture := setupTest(t, performResult{ok: true}, performResult{ok: true}, performResult{ok: false}, performResult{ok: true}, performResult{ok: true})
		o := fixture.newOrchestrator(t)
		_, err := o.SignIn(ctx, "alice", "secret")
		require.NoError(t, err)

		ok, err := o.ChangePassword(ctx, "hunter2")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, Authenticated, o.State())

		// The next attempt still presents the old password as current.
		_, err = o.ChangePassword(ctx, "hunter3")
		require.NoError(t, err)
		assert.Equal(t, "secret", fixture.Engine.requests[3].Credentials.Password)
	})

	t.Run("rejected change skips verification", func(t *testing.T) {
		fixture := setupTest(t, performResult{ok: true}, performResult{ok: false})
		o := fixture.newOrchestrator(t)
		_, err := o.SignIn(ctx, "alice", "secret")
		require.NoError(t, err)

		ok, err := o.ChangePassword(ctx, "hunter2")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Len(t, fixture.Engine.requests, 2)
		fixture.Page.AssertNotCalled(t, "DeleteAllCookies", mock.Anything)
	})

	t.Run("missing section is terminal", func(t *testing.T) {
		missing := manifest.NewConfigError("password", manifest.ErrMissingSection, "none")
		fixture := setupTest(t, performResult{ok: true}, performResult{err: missing})
		o := fixture.newOrchestrator(t)
		_, err := o.SignIn(ctx, "alice", "secret")
		require.NoError(t, err)

		_, err = o.ChangePassword(ctx, "hunter2")
		assert.ErrorIs(t, err, manifest.ErrMissingSection)
		assert.Equal(t, Failed, o.State())
	})
}

func TestOrchestrator_PageOptions(t *testing.T) {
	ctx := context.Background()
	cfg := config.NewDefaultConfig()

	t.Run("config defaults", func(t *testing.T) {
		fixture := setupTest(t)
		o := fixture.newOrchestrator(t, WithConfig(cfg))
		require.NoError(t, o.Open(ctx))

		assert.Equal(t, config.DefaultUserAgent, fixture.lastOptions.UserAgent)
		assert.False(t, fixture.lastOptions.IgnoreTLSErrors)
	})

	t.Run("manifest overrides", func(t *testing.T) {
		fixture := setupTest(t)
		m := guidedManifest()
		m.UserAgent = "celobox-test"
		m.VerifySSL = false
		m.Headers = map[string]string{"X-Api": "1"}
		fixture.Resolver.m = m
		o := fixture.newOrchestrator(t, WithConfig(cfg))
		require.NoError(t, o.Open(ctx))
		require.NoError(t, o.Open(ctx), "Open is idempotent")

		assert.Equal(t, 1, fixture.factoryCalls)
		assert.Equal(t, browser.Options{
			UserAgent:       "celobox-test",
			Headers:         map[string]string{"X-Api": "1"},
			IgnoreTLSErrors: true,
		}, fixture.lastOptions)
		assert.Same(t, m, o.Manifest())
	})
}

func TestOrchestrator_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("closes the page when fn fails", func(t *testing.T) {
		fixture := setupTest(t)
		o := fixture.newOrchestrator(t)
		boom := errors.New("boom")

		err := o.Run(ctx, func(ctx context.Context, o *Orchestrator) error { return boom })
		assert.ErrorIs(t, err, boom)
		fixture.Page.AssertNumberOfCalls(t, "Close", 1)
	})

	t.Run("joins close errors", func(t *testing.T) {
		fixture := setupTest(t)
		fixture.Page = new(mocks.MockPage)
		fixture.Page.On("Close", mock.Anything).Return(errors.New("quit failed"))
		o := fixture.newOrchestrator(t)

		err := o.Run(ctx, func(ctx context.Context, o *Orchestrator) error { return nil })
		assert.ErrorContains(t, err, "quit failed")
		assert.NoError(t, o.Close(ctx), "second close is a no-op")
	})

	t.Run("closes after cancellation", func(t *testing.T) {
		fixture := setupTest(t)
		o := fixture.newOrchestrator(t)
		cctx, cancel := context.WithCancel(ctx)

		err := o.Run(cctx, func(ctx context.Context, o *Orchestrator) error {
			cancel()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
		fixture.Page.AssertNumberOfCalls(t, "Close", 1)
	})
}

func TestOrchestrator_Snapshots(t *testing.T) {
	ctx := context.Background()

	t.Run("element not found", func(t *testing.T) {
		dir := t.TempDir()
		notFound := &browser.NotFoundError{Selector: "#user"}
		fixture := setupTest(t, performResult{err: notFound})
		fixture.Page.On("Snapshot", mock.Anything).Return([]byte("<html></html>"), "html", nil)
		o := fixture.newOrchestrator(t, WithSnapshotDir(dir))

		_, err := o.SignIn(ctx, "alice", "secret")
		assert.ErrorIs(t, err, browser.ErrElementNotFound)

		files, err := filepath.Glob(filepath.Join(dir, "snapshot-*.html"))
		require.NoError(t, err)
		require.Len(t, files, 1)
		data, err := os.ReadFile(files[0])
		require.NoError(t, err)
		assert.Equal(t, "<html></html>", string(data))
	})

	t.Run("rejection in debug mode", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested")
		fixture := setupTest(t, performResult{ok: false})
		fixture.Page.On("Snapshot", mock.Anything).Return([]byte("png"), "png", nil)
		o := fixture.newOrchestrator(t, WithDebug(true), WithSnapshotDir(dir))

		_, err := o.SignIn(ctx, "alice", "wrong")
		require.NoError(t, err)

		files, _ := filepath.Glob(filepath.Join(dir, "snapshot-*.png"))
		assert.Len(t, files, 1)
	})

	t.Run("rejection without debug", func(t *testing.T) {
		dir := t.TempDir()
		fixture := setupTest(t, performResult{ok: false})
		o := fixture.newOrchestrator(t, WithSnapshotDir(dir))

		_, err := o.SignIn(ctx, "alice", "wrong")
		require.NoError(t, err)
		fixture.Page.AssertNotCalled(t, "Snapshot", mock.Anything)
	})

	t.Run("snapshot failure is not fatal", func(t *testing.T) {
		fixture := setupTest(t, performResult{ok: false})
		fixture.Page.On("Snapshot", mock.Anything).Return(nil, "", browser.ErrNoDocument)
		o := fixture.newOrchestrator(t, WithDebug(true), WithSnapshotDir(t.TempDir()))

		ok, err := o.SignIn(ctx, "alice", "wrong")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// -- End-to-end against the HTTP backend --

const (
	e2eLoginPage = `<html><head><meta name="csrf" content="tok"></head><body>
<form action="/login" method="post">
  <input type="text" id="user" name="username">
  <input type="password" id="pass" name="password">
  <button type="submit" id="submit-btn">Sign in</button>
</form></body></html>`

	e2ePasswordPage = `<html><body><form action="/password" method="post">
  <input type="password" id="old" name="old">
  <input type="password" id="pwd1" name="new1">
  <input type="password" id="pwd2" name="new2">
  <button type="submit" id="change">Change</button>
</form></body></html>`
)

type e2eSite struct {
	server *httptest.Server

	mu       sync.Mutex
	password string
	logins   int
	changes  int
	// lostUpdate makes the site acknowledge a change without storing it.
	lostUpdate bool
}

func newE2ESite(t *testing.T) *e2eSite {
	t.Helper()
	s := &e2eSite{password: "secret"}
	html := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, body)
	}
	signedIn := func(r *http.Request) bool {
		c, err := r.Cookie("sid")
		return err == nil && c.Value == "ok"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			html(w, e2eLoginPage)
			return
		}
		_ = r.ParseForm()
		s.mu.Lock()
		s.logins++
		ok := r.PostForm.Get("_csrf") == "tok" && r.PostForm.Get("username") == "alice" && r.PostForm.Get("password") == s.password
		s.mu.Unlock()
		if !ok {
			html(w, e2eLoginPage)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "ok", Path: "/"})
		http.Redirect(w, r, "/account", http.StatusFound)
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		if !signedIn(r) {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		html(w, `<html><body>account</body></html>`)
	})
	mux.HandleFunc("/password", func(w http.ResponseWriter, r *http.Request) {
		if !signedIn(r) {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		if r.Method == http.MethodGet {
			html(w, e2ePasswordPage)
			return
		}
		_ = r.ParseForm()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.changes++
		f := r.PostForm
		if f.Get("old") == s.password && f.Get("new1") == f.Get("new2") && !s.lostUpdate {
			s.password = f.Get("new1")
		}
		http.Redirect(w, r, "/account", http.StatusFound)
	})
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func (s *e2eSite) manifest() *manifest.Manifest {
	return &manifest.Manifest{
		Login: &manifest.Section{
			FormURL: s.server.URL + "/login",
			Form:    manifest.Form{Username: "#user", Password: "#pass", Submit: "#submit-btn", CSRF: "_csrf"},
			Success: manifest.Landing(s.server.URL + "/account"),
		},
		Password: &manifest.Section{
			FormURL: s.server.URL + "/password",
			Form: manifest.Form{
				OldPassword: "#old",
				NewPassword: []string{"#pwd1", "#pwd2"},
				Submit:      "#change",
			},
		},
		CSRFToken: &manifest.CSRFToken{Selector: "meta[name=csrf]", Attribute: "content"},
		VerifySSL: true,
	}
}

func newE2EOrchestrator(t *testing.T, s *e2eSite) *Orchestrator {
	t.Helper()
	logger := zaptest.NewLogger(t)
	domain := strings.TrimPrefix(s.server.URL, "http://")
	m := s.manifest()
	res := resolver.New(logger, resolver.LoaderFunc(func(ctx context.Context, d string) (*manifest.Manifest, error) {
		if d != domain {
			return nil, manifest.ErrNotFound
		}
		return m, nil
	}))
	factory := func(ctx context.Context, opts browser.Options) (browser.Page, error) {
		cfg := network.NewClientConfig()
		cfg.RequestTimeout = 5 * time.Second
		return session.NewSession(ctx, cfg, opts.Headers, logger), nil
	}
	noSleep := engine.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() })

	o, err := New(domain, Deps{
		Resolver: res,
		Factory:  factory,
		Engine:   engine.New(logger, noSleep),
		Logger:   logger,
	}, WithSnapshotDir(t.TempDir()))
	require.NoError(t, err)
	return o
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	ctx := context.Background()

	t.Run("sign in, change, verify", func(t *testing.T) {
		s := newE2ESite(t)
		o := newE2EOrchestrator(t, s)

		err := o.Run(ctx, func(ctx context.Context, o *Orchestrator) error {
			ok, err := o.SignIn(ctx, "alice", "wrong")
			require.NoError(t, err)
			require.False(t, ok)

			ok, err = o.SignIn(ctx, "alice", "secret")
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = o.ChangePassword(ctx, "hunter2")
			require.NoError(t, err)
			assert.True(t, ok)
			return nil
		})
		require.NoError(t, err)

		assert.Equal(t, PasswordChanged, o.State())
		assert.Equal(t, "hunter2", s.password)
		assert.Equal(t, 1, s.changes)
		assert.Equal(t, 3, s.logins)
	})

	t.Run("lost update is not confirmed", func(t *testing.T) {
		s := newE2ESite(t)
		s.lostUpdate = true
		o := newE2EOrchestrator(t, s)

		err := o.Run(ctx, func(ctx context.Context, o *Orchestrator) error {
			ok, err := o.SignIn(ctx, "alice", "secret")
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = o.ChangePassword(ctx, "hunter2")
			require.NoError(t, err)
			assert.False(t, ok)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, Authenticated, o.State())
		assert.Equal(t, "secret", s.password)
	})
}
