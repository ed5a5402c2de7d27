package engine

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/celobox/internal/browser"
)

// loginLinkPhrases are matched case-insensitively against link text.
var loginLinkPhrases = []string{"log in", "login", "sign in"}

const (
	textInputSelector     = `input[type="text"]`
	passwordInputSelector = `input[type="password"]`
)

// heuristic signs in without a manifest: follow the first login-looking link
// from the site root, fill the first form with exactly one text input and one
// password input, and call it a success if the URL changed. Not finding the
// link or the form is a failed attempt, not an error.
func (e *Engine) heuristic(ctx context.Context, logger *zap.Logger, page browser.Page, req Request) (bool, error) {
	root := (&url.URL{Scheme: "http", Host: req.Domain, Path: "/"}).String()
	if err := page.Navigate(ctx, root); err != nil {
		return false, fmt.Errorf("failed to load %s: %w", root, err)
	}
	if err := e.sleep(ctx, e.heuristicSettle); err != nil {
		return false, err
	}

	followed, err := e.followLoginLink(ctx, logger, page)
	if err != nil || !followed {
		return false, err
	}
	if err := e.sleep(ctx, e.heuristicSettle); err != nil {
		return false, err
	}

	before, err := page.CurrentURL(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read current URL: %w", err)
	}

	user, pass, err := findLoginForm(ctx, page)
	if err != nil {
		return false, err
	}
	if user == nil {
		logger.Info("No login form found", zap.String("url", before))
		return false, nil
	}

	if err := user.SetValue(ctx, req.Credentials.Username); err != nil {
		return false, fmt.Errorf("failed to fill username: %w", err)
	}
	if err := pass.SetValue(ctx, req.Credentials.Password); err != nil {
		return false, fmt.Errorf("failed to fill password: %w", err)
	}
	if err := pass.Submit(ctx, nil); err != nil {
		return false, fmt.Errorf("failed to submit login form: %w", err)
	}
	if err := e.sleep(ctx, e.heuristicSettle); err != nil {
		return false, err
	}

	after, err := page.CurrentURL(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read current URL: %w", err)
	}
	logger.Debug("Heuristic sign-in submitted", zap.String("before", before), zap.String("after", after))
	return before != after, nil
}

// followLoginLink navigates to the first link whose text looks like a login
// entry point.
func (e *Engine) followLoginLink(ctx context.Context, logger *zap.Logger, page browser.Page) (bool, error) {
	links, err := page.FindAll(ctx, "a")
	if err != nil {
		return false, fmt.Errorf("failed to list links: %w", err)
	}

	for _, link := range links {
		text, err := link.Text(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to read link text: %w", err)
		}
		if !looksLikeLogin(text) {
			continue
		}

		href, ok, err := link.Attribute(ctx, "href")
		if err != nil {
			return false, fmt.Errorf("failed to read link target: %w", err)
		}
		if !ok || strings.TrimSpace(href) == "" {
			logger.Debug("Login link has no href, clicking it", zap.String("text", text))
			return true, link.Click(ctx)
		}

		target, err := resolveAgainst(ctx, page, href)
		if err != nil {
			return false, err
		}
		logger.Debug("Following login link", zap.String("text", text), zap.String("url", target))
		if err := page.Navigate(ctx, target); err != nil {
			return false, fmt.Errorf("failed to follow login link: %w", err)
		}
		return true, nil
	}

	logger.Info("No login link found")
	return false, nil
}

func looksLikeLogin(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range loginLinkPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// findLoginForm returns the text and password inputs of the first form that
// has exactly one of each, or nils when there is none.
func findLoginForm(ctx context.Context, page browser.Page) (browser.Element, browser.Element, error) {
	forms, err := page.FindAll(ctx, "form")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list forms: %w", err)
	}
	for _, form := range forms {
		texts, err := form.FindAll(ctx, textInputSelector)
		if err != nil {
			return nil, nil, err
		}
		passwords, err := form.FindAll(ctx, passwordInputSelector)
		if err != nil {
			return nil, nil, err
		}
		if len(texts) == 1 && len(passwords) == 1 {
			return texts[0], passwords[0], nil
		}
	}
	return nil, nil, nil
}

// resolveAgainst makes href absolute relative to the current page.
func resolveAgainst(ctx context.Context, page browser.Page, href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("invalid login link %q: %w", href, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	current, err := page.CurrentURL(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read current URL: %w", err)
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("invalid current URL %q: %w", current, err)
	}
	return base.ResolveReference(ref).String(), nil
}
