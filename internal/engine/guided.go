package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/xkilldash9x/celobox/internal/browser"
	"github.com/xkilldash9x/celobox/internal/manifest"
	"github.com/xkilldash9x/celobox/internal/predicate"
)

// filled is a form control the engine typed into, kept so a direct POST can
// name it.
type filled struct {
	field string
	el    browser.Element
	value string
}

// guided drives one manifest section: load the form, read the CSRF token,
// fill the declared fields, submit, and evaluate the success predicate.
func (e *Engine) guided(ctx context.Context, logger *zap.Logger, page browser.Page, m *manifest.Manifest, name string, section *manifest.Section, req Request) (bool, error) {
	if err := page.Navigate(ctx, section.FormURL); err != nil {
		return false, fmt.Errorf("failed to load %s form: %w", name, err)
	}
	if err := e.sleep(ctx, m.Throttle); err != nil {
		return false, err
	}

	csrfName, csrfValue, err := readCSRF(ctx, page, m, name, section)
	if err != nil {
		return false, err
	}

	fields, err := fillSection(ctx, page, name, section, req)
	if err != nil {
		return false, err
	}

	extra := url.Values{}
	for k, v := range section.Form.Literal {
		extra.Set(k, v)
	}
	if csrfName != "" {
		extra.Set(csrfName, csrfValue)
		logger.Debug("Injecting CSRF token", zap.String("field", csrfName))
	}

	if err := e.submit(ctx, logger, page, name, section, fields, extra); err != nil {
		return false, err
	}

	if err := e.sleep(ctx, m.Throttle); err != nil {
		return false, err
	}
	if req.Phase == PhaseSignIn {
		if err := e.sleep(ctx, m.WaitAfterLogin); err != nil {
			return false, err
		}
	}

	if section.Success == nil {
		// Only the password section may omit it; the follow-up sign-in is the check.
		logger.Debug("No success predicate declared, deferring to re-verification")
		return true, nil
	}
	ok, err := predicate.Evaluate(ctx, section.Success, page)
	if err != nil {
		var unknown *manifest.UnknownPredicateError
		if errors.As(err, &unknown) {
			return false, &manifest.ConfigError{Field: name + ".success", Err: err}
		}
		return false, err
	}
	logger.Debug("Evaluated success predicate", zap.Stringer("predicate", section.Success), zap.Bool("success", ok))
	return ok, nil
}

// readCSRF returns the section's declared anti-forgery field name and the
// token value, or empty strings when the section declares none. A global
// csrf_token descriptor only says where the value is read from.
func readCSRF(ctx context.Context, page browser.Page, m *manifest.Manifest, name string, section *manifest.Section) (string, string, error) {
	if section.Form.CSRF == "" {
		return "", "", nil
	}

	field, locator, attr := name+".form.csrf", fmt.Sprintf(`[name=%q]`, section.Form.CSRF), "value"
	if m.CSRFToken != nil {
		field, locator = "csrf_token.selector", m.CSRFToken.Selector
		if m.CSRFToken.Attribute != "" {
			attr = m.CSRFToken.Attribute
		}
	}
	el, err := locate(ctx, page, field, locator)
	if err != nil {
		return "", "", err
	}
	value, _, err := el.Attribute(ctx, attr)
	if err != nil {
		return "", "", fmt.Errorf("failed to read CSRF token: %w", err)
	}
	return section.Form.CSRF, value, nil
}

// fillSection types the phase's values into the declared controls.
func fillSection(ctx context.Context, page browser.Page, name string, section *manifest.Section, req Request) ([]filled, error) {
	form := section.Form
	creds := req.Credentials

	type entry struct {
		field, locator, value string
	}
	var entries []entry
	switch req.Phase {
	case PhaseSignIn:
		entries = append(entries,
			entry{name + ".form.username", form.Username, creds.Username},
			entry{name + ".form.password", form.Password, creds.Password},
		)
	case PhaseChangePassword:
		if form.OldPassword != "" {
			entries = append(entries, entry{name + ".form.old_password", form.OldPassword, creds.Password})
		}
		for i, locator := range form.NewPassword {
			entries = append(entries, entry{fmt.Sprintf("%s.form.new_password[%d]", name, i), locator, creds.NewPassword})
		}
		if form.VerifyPassword != "" {
			entries = append(entries, entry{name + ".form.verify_password", form.VerifyPassword, creds.NewPassword})
		}
	}

	fields := make([]filled, 0, len(entries))
	for _, en := range entries {
		if en.locator == "" {
			return nil, manifest.NewConfigError(en.field, manifest.ErrMissingLocator, "locator is required")
		}
		el, err := locate(ctx, page, en.field, en.locator)
		if err != nil {
			return nil, err
		}
		if err := el.SetValue(ctx, en.value); err != nil {
			return nil, fmt.Errorf("failed to fill %s: %w", en.field, err)
		}
		fields = append(fields, filled{field: en.field, el: el, value: en.value})
	}
	return fields, nil
}

// submit posts the assembled fields directly when the backend can and the
// manifest names a post URL; otherwise it submits through the submit control.
func (e *Engine) submit(ctx context.Context, logger *zap.Logger, page browser.Page, name string, section *manifest.Section, fields []filled, extra url.Values) error {
	if poster, ok := page.(browser.Poster); ok && section.PostURL != "" {
		values := url.Values{}
		for _, f := range fields {
			fieldName, _, err := f.el.Attribute(ctx, "name")
			if err != nil {
				return fmt.Errorf("failed to read field name for %s: %w", f.field, err)
			}
			if fieldName == "" {
				return manifest.NewConfigError(f.field, manifest.ErrInvalidManifest,
					"element has no name attribute to post under")
			}
			values.Set(fieldName, f.value)
		}
		for k, v := range extra {
			values[k] = v
		}
		logger.Debug("Posting form", zap.String("url", section.PostURL), zap.Int("field_count", len(values)))
		if err := poster.Post(ctx, section.PostURL, values); err != nil {
			return fmt.Errorf("failed to post %s form: %w", name, err)
		}
		return nil
	}

	if section.Form.Submit == "" {
		return manifest.NewConfigError(name+".form.submit", manifest.ErrMissingLocator,
			"this backend cannot post to urls.post directly; a submit locator is required")
	}
	el, err := locate(ctx, page, name+".form.submit", section.Form.Submit)
	if err != nil {
		return err
	}
	logger.Debug("Submitting form", zap.String("locator", section.Form.Submit))
	if err := el.Submit(ctx, extra); err != nil {
		return fmt.Errorf("failed to submit %s form: %w", name, err)
	}
	return nil
}

// locate finds a declared locator. A miss is a configuration error that
// still matches browser.ErrElementNotFound.
func locate(ctx context.Context, page browser.Page, field, locator string) (browser.Element, error) {
	el, err := browser.FindOne(ctx, page, locator)
	if errors.Is(err, browser.ErrElementNotFound) {
		return nil, &manifest.ConfigError{Field: field, Err: &missingLocatorError{cause: err}}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to locate %s (%s): %w", field, locator, err)
	}
	return el, nil
}

type missingLocatorError struct {
	cause error
}

func (e *missingLocatorError) Error() string {
	return manifest.ErrMissingLocator.Error() + ": " + e.cause.Error()
}

func (e *missingLocatorError) Unwrap() []error {
	return []error{manifest.ErrMissingLocator, e.cause}
}
