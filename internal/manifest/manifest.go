// Package manifest models the per-site description of how to sign in and
// change a password, and decodes it from either of the two supported
// encodings.
package manifest

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// SentinelKey must be present in permissively parsed (YAML) documents so that
// arbitrary text is not mistaken for a manifest.
const SentinelKey = "celobox_manifest"

// Manifest describes one site. A zero Login section means heuristic mode.
type Manifest struct {
	Login          *Section
	Password       *Section
	CSRFToken      *CSRFToken
	Throttle       time.Duration
	WaitAfterLogin time.Duration
	VerifySSL      bool
	Headers        map[string]string
	UserAgent      string
}

// Section is one form interaction: where the form lives, how to fill it, and
// how to tell whether submitting it worked.
type Section struct {
	FormURL string
	PostURL string
	Form    Form
	Success *Predicate
}

// Form maps logical field roles to locators. Literal holds constant fields
// merged into the submission verbatim.
type Form struct {
	Username       string
	Password       string
	OldPassword    string
	NewPassword    []string
	VerifyPassword string
	Submit         string
	CSRF           string
	Literal        map[string]string
}

// CSRFToken locates the anti-forgery token on a fetched form page.
type CSRFToken struct {
	Selector  string
	Attribute string
}

// Empty returns the manifest used when no site description exists.
func Empty() *Manifest {
	return &Manifest{VerifySSL: true}
}

// Guided reports whether sign-in can follow the manifest rather than heuristics.
func (m *Manifest) Guided() bool {
	return m != nil && m.Login != nil
}

// Validate checks the shape eagerly so that a malformed manifest fails before
// any network action.
func (m *Manifest) Validate() error {
	// Without a login section sign-in falls back to heuristics.
	if m.Login != nil {
		if err := m.Login.validate("login", true); err != nil {
			return err
		}
		if m.Login.Form.Username == "" {
			return NewConfigError("login.form.username", ErrMissingLocator, "locator is required")
		}
		if m.Login.Form.Password == "" {
			return NewConfigError("login.form.password", ErrMissingLocator, "locator is required")
		}
	}
	if m.Password != nil {
		if err := m.Password.validate("password", false); err != nil {
			return err
		}
		if len(m.Password.Form.NewPassword) == 0 {
			return NewConfigError("password.form.new_password", ErrMissingLocator, "at least one locator is required")
		}
	}
	if m.CSRFToken != nil && m.CSRFToken.Selector == "" {
		return invalidf("csrf_token.selector", "selector is required")
	}
	if m.Throttle < 0 {
		return invalidf("throttle", "must not be negative")
	}
	if m.WaitAfterLogin < 0 {
		return invalidf("wait_after_login", "must not be negative")
	}
	return nil
}

func (s *Section) validate(field string, successRequired bool) error {
	if s.FormURL == "" {
		return invalidf(field+".urls.form", "form URL is required")
	}
	if s.Form.Submit == "" && s.PostURL == "" {
		return NewConfigError(field+".form.submit", ErrMissingLocator, "a submit locator or urls.post is required")
	}
	if successRequired && s.Success == nil {
		return invalidf(field+".success", "a success predicate is required")
	}
	return nil
}

// FromMap converts a parsed document into a validated Manifest. It accepts
// form fields nested under "form" or flat in the section, "url" in place of
// "urls", and scalar or list values wherever a list is expected.
func FromMap(doc map[string]any) (*Manifest, error) {
	m := Empty()

	if raw, ok := doc["login"]; ok && raw != nil {
		s, err := parseSection("login", raw)
		if err != nil {
			return nil, err
		}
		m.Login = s
	}
	if raw, ok := doc["password"]; ok && raw != nil {
		s, err := parseSection("password", raw)
		if err != nil {
			return nil, err
		}
		m.Password = s
	}
	if raw, ok := doc["csrf_token"]; ok && raw != nil {
		c, err := parseCSRFToken(raw)
		if err != nil {
			return nil, err
		}
		m.CSRFToken = c
	}

	var err error
	if m.Throttle, err = seconds("throttle", doc["throttle"]); err != nil {
		return nil, err
	}
	if m.WaitAfterLogin, err = seconds("wait_after_login", doc["wait_after_login"]); err != nil {
		return nil, err
	}
	if raw, ok := doc["verify_ssl"]; ok && raw != nil {
		b, ok := raw.(bool)
		if !ok {
			return nil, invalidf("verify_ssl", "expected a boolean, got %T", raw)
		}
		m.VerifySSL = b
	}
	if m.Headers, err = stringMap("headers", doc["headers"]); err != nil {
		return nil, err
	}
	if m.UserAgent, err = optionalString("user_agent", doc["user_agent"]); err != nil {
		return nil, err
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// formKeys are the keys that may appear inside "form" or flat in a section.
var formKeys = map[string]bool{
	"username": true, "password": true, "old_password": true, "new_password": true,
	"verify_password": true, "submit": true, "csrf": true, "literal": true,
}

func parseSection(field string, raw any) (*Section, error) {
	sm, ok := asMap(raw)
	if !ok {
		return nil, invalidf(field, "expected a mapping, got %T", raw)
	}
	s := &Section{}

	if rawURLs, ok := sm["urls"]; ok {
		um, ok := asMap(rawURLs)
		if !ok {
			return nil, invalidf(field+".urls", "expected a mapping, got %T", rawURLs)
		}
		var err error
		if s.FormURL, err = optionalString(field+".urls.form", um["form"]); err != nil {
			return nil, err
		}
		if s.PostURL, err = optionalString(field+".urls.post", um["post"]); err != nil {
			return nil, err
		}
	} else if rawURL, ok := sm["url"]; ok {
		u, err := optionalString(field+".url", rawURL)
		if err != nil {
			return nil, err
		}
		// A single url serves as both the form page and the post target.
		s.FormURL, s.PostURL = u, u
	}

	formField := field + ".form"
	formRaw := map[string]any{}
	if rawForm, ok := sm["form"]; ok {
		fm, ok := asMap(rawForm)
		if !ok {
			return nil, invalidf(formField, "expected a mapping, got %T", rawForm)
		}
		formRaw = fm
	} else {
		formField = field
		for k, v := range sm {
			if formKeys[k] {
				formRaw[k] = v
			}
		}
	}
	if err := parseForm(formField, formRaw, &s.Form); err != nil {
		return nil, err
	}

	// success is a sibling of form, but older manifests nest it inside.
	successRaw, ok := sm["success"]
	successField := field + ".success"
	if !ok {
		successRaw, ok = formRaw["success"]
		successField = formField + ".success"
	}
	if ok && successRaw != nil {
		p, err := parsePredicate(successField, successRaw)
		if err != nil {
			return nil, err
		}
		s.Success = p
	}
	return s, nil
}

func parseForm(field string, raw map[string]any, f *Form) error {
	var err error
	strs := []struct {
		key string
		dst *string
	}{
		{"username", &f.Username},
		{"password", &f.Password},
		{"old_password", &f.OldPassword},
		{"verify_password", &f.VerifyPassword},
		{"submit", &f.Submit},
		{"csrf", &f.CSRF},
	}
	for _, s := range strs {
		if *s.dst, err = optionalString(field+"."+s.key, raw[s.key]); err != nil {
			return err
		}
	}
	if v, ok := raw["new_password"]; ok && v != nil {
		if f.NewPassword, err = stringList(field+".new_password", v); err != nil {
			return err
		}
	}
	if f.Literal, err = stringMap(field+".literal", raw["literal"]); err != nil {
		return err
	}
	return nil
}

func parseCSRFToken(raw any) (*CSRFToken, error) {
	cm, ok := asMap(raw)
	if !ok {
		return nil, invalidf("csrf_token", "expected a mapping, got %T", raw)
	}
	selector, err := optionalString("csrf_token.selector", cm["selector"])
	if err != nil {
		return nil, err
	}
	attr, err := optionalString("csrf_token.attribute", cm["attribute"])
	if err != nil {
		return nil, err
	}
	if attr == "" {
		attr = "value"
	}
	return &CSRFToken{Selector: selector, Attribute: attr}, nil
}

// -- value helpers --

// asMap normalizes the mapping types produced by both decoders.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func optionalString(field string, v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	default:
		return "", invalidf(field, "expected a string, got %T", v)
	}
}

func stringList(field string, v any) ([]string, error) {
	switch l := v.(type) {
	case string:
		return []string{l}, nil
	case []any:
		out := make([]string, 0, len(l))
		for i, item := range l {
			s, ok := item.(string)
			if !ok {
				return nil, invalidf(fmt.Sprintf("%s[%d]", field, i), "expected a string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		return l, nil
	default:
		return nil, invalidf(field, "expected a string or a list of strings, got %T", v)
	}
}

// stringMap accepts scalar values and renders them as form-ready strings.
func stringMap(field string, v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := asMap(v)
	if !ok {
		return nil, invalidf(field, "expected a mapping, got %T", v)
	}
	out := make(map[string]string, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch val := m[k].(type) {
		case string:
			out[k] = val
		case bool, int, int64, uint64, float64:
			out[k] = scalarString(val)
		case nil:
			out[k] = ""
		default:
			return nil, invalidf(field+"."+k, "expected a scalar, got %T", val)
		}
	}
	return out, nil
}

func scalarString(v any) string {
	if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(v)
}

// maxSeconds keeps delays well inside time.Duration.
const maxSeconds = 24 * 60 * 60

// seconds reads a non-negative number of seconds.
func seconds(field string, v any) (time.Duration, error) {
	var f float64
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float64:
		f = n
	default:
		return 0, invalidf(field, "expected a number of seconds, got %T", v)
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalidf(field, "must be a non-negative number of seconds")
	}
	if f > maxSeconds {
		return 0, invalidf(field, "must not exceed %d seconds", int64(maxSeconds))
	}
	return time.Duration(f * float64(time.Second)), nil
}
