// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const siteLoginPage = `<html><body><form action="/login" method="post">
<input type="text" id="user" name="username">
<input type="password" id="pass" name="password">
<button type="submit" id="submit-btn">Sign in</button>
</form></body></html>`

const sitePasswordPage = `<html><body><form action="/password" method="post">
<input type="password" id="old" name="old">
<input type="password" id="pwd1" name="new1">
<input type="password" id="pwd2" name="new2">
<button type="submit" id="save">Save</button>
</form></body></html>`

type testSite struct {
	server *httptest.Server

	mu       sync.Mutex
	password string
}

func newTestSite(t *testing.T) *testSite {
	t.Helper()
	s := &testSite{password: "secret"}
	page := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, body)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		page(w, `<html><body><a href="/login">Log in</a></body></html>`)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			page(w, siteLoginPage)
			return
		}
		_ = r.ParseForm()
		s.mu.Lock()
		ok := r.PostForm.Get("username") == "alice" && r.PostForm.Get("password") == s.password
		s.mu.Unlock()
		if !ok {
			page(w, siteLoginPage)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "1", Path: "/"})
		http.Redirect(w, r, "/account", http.StatusFound)
	})
	mux.HandleFunc("/account", func(w http.ResponseWriter, r *http.Request) {
		page(w, `<html><body>account</body></html>`)
	})
	mux.HandleFunc("/password", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			page(w, sitePasswordPage)
			return
		}
		_ = r.ParseForm()
		s.mu.Lock()
		if r.PostForm.Get("old") == s.password && r.PostForm.Get("new1") == r.PostForm.Get("new2") {
			s.password = r.PostForm.Get("new1")
		}
		s.mu.Unlock()
		http.Redirect(w, r, "/account", http.StatusFound)
	})
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func (s *testSite) domain() string { return strings.TrimPrefix(s.server.URL, "http://") }

// writeManifest stores a YAML manifest for the site in a fresh directory.
func (s *testSite) writeManifest(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`celobox_manifest: true
login:
  urls:
    form: %[1]s/login
  form:
    username: "#user"
    password: "#pass"
    submit: "#submit-btn"
  success:
    landing: %[1]s/account
password:
  urls:
    form: %[1]s/password
  form:
    old_password: "#old"
    new_password: ["#pwd1", "#pwd2"]
    submit: "#save"
`, s.server.URL)
	require.NoError(t, os.WriteFile(filepath.Join(dir, s.domain()+".yaml"), []byte(content), 0o600))
	return dir
}

// executeCommand runs a fresh root command and returns stdout and stderr.
func executeCommand(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	// Keep the working directory's config.yaml, if any, out of the test.
	t.Setenv("CELOBOX_LOGGER_LEVEL", "error")
	t.Setenv("CELOBOX_DIAGNOSTICS_SNAPSHOT_DIR", t.TempDir())
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("engine:\n  heuristic_settle: 1ms\n"), 0o600))

	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", cfg}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestRootCmd_VersionFlag(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--version"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, Version+"\n", out.String())
}

func TestVersionCmd(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "celobox "+Version)
}

func TestRootCmd_Args(t *testing.T) {
	_, _, err := executeCommand(t, "")
	assert.Error(t, err)

	_, _, err = executeCommand(t, "", "a.com", "b.com")
	assert.Error(t, err)
}

func TestRootCmd_InvalidBackend(t *testing.T) {
	_, _, err := executeCommand(t, "", "--backend", "lynx", "example.com")
	assert.ErrorContains(t, err, "browser.backend")
}

func TestRootCmd_UnsafeDomain(t *testing.T) {
	_, _, err := executeCommand(t, "", "--username", "a", "--oldpass", "b", "--nochange", "../etc")
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))
}

func TestRootCmd_SignInOnly(t *testing.T) {
	s := newTestSite(t)
	dir := s.writeManifest(t)

	out, _, err := executeCommand(t, "", "--manifests-dir", dir, "--username", "alice", "--oldpass", "secret", "--nochange", s.domain())
	require.NoError(t, err)
	assert.Equal(t, "Using provided username\nUsing provided password\nSign in success.\n", out)
	assert.Equal(t, "secret", s.password, "--nochange must not touch the password")
}

func TestRootCmd_SignInFailed(t *testing.T) {
	s := newTestSite(t)
	dir := s.writeManifest(t)

	out, _, err := executeCommand(t, "", "--manifests-dir", dir, "--username", "alice", "--oldpass", "nope", s.domain())
	require.Error(t, err)
	assert.Equal(t, 1, ExitCode(err))
	assert.Contains(t, out, "Sign in failed.")
	assert.NotContains(t, out, "New password")
}

func TestRootCmd_ChangePassword(t *testing.T) {
	s := newTestSite(t)
	dir := s.writeManifest(t)

	out, _, err := executeCommand(t, "", "--manifests-dir", dir, "--username", "alice", "--oldpass", "secret", "--newpass", "hunter2", s.domain())
	require.NoError(t, err)
	assert.Contains(t, out, "Sign in success.\nPassword changed!\n")
	assert.Equal(t, "hunter2", s.password)
}

func TestRootCmd_PromptsAndEnv(t *testing.T) {
	s := newTestSite(t)
	dir := s.writeManifest(t)
	t.Setenv("CELOBOX_USERNAME", "alice")

	out, _, err := executeCommand(t, "secret\nx\ny\nhunter2\nhunter2\n", "--manifests-dir", dir, s.domain())
	require.NoError(t, err)
	assert.Contains(t, out, "Using provided username")
	assert.Contains(t, out, "Old password: ")
	assert.Contains(t, out, "Passwords do not match.")
	assert.Contains(t, out, "Password changed!")
	assert.Equal(t, "hunter2", s.password)
}

func TestRootCmd_Heuristic(t *testing.T) {
	s := newTestSite(t)

	out, _, err := executeCommand(t, "", "--manifests-dir", t.TempDir(), "--username", "alice", "--oldpass", "secret", "--nochange", s.domain())
	require.NoError(t, err)
	assert.Contains(t, out, "Sign in success.")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 3, ExitCode(fmt.Errorf("wrapped: %w", &ExitError{Code: 3, Msg: "x"})))
	assert.Equal(t, 0, ExitCode(context.Canceled))
}
