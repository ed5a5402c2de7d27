// Package predicate evaluates manifest success predicates against the state
// a form submission left behind.
package predicate

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/xkilldash9x/celobox/internal/browser"
	"github.com/xkilldash9x/celobox/internal/manifest"
)

// Outcome is the part of a page a predicate may inspect.
type Outcome interface {
	CurrentURL(ctx context.Context) (string, error)
	ResponseHeaders(ctx context.Context) (http.Header, error)
	Get(ctx context.Context, rawURL string) (*browser.Response, error)
}

// Evaluate reports whether p holds for o. A false result is an ordinary
// failed attempt; an error means the predicate could not be checked.
func Evaluate(ctx context.Context, p *manifest.Predicate, o Outcome) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("%w: no predicate to evaluate", manifest.ErrInvalidManifest)
	}

	switch p.Kind {
	case manifest.KindLanding:
		current, err := o.CurrentURL(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to read current URL: %w", err)
		}
		for _, u := range p.URLs {
			if current == u {
				return true, nil
			}
		}
		return false, nil

	case manifest.KindHeaderPresent:
		headers, err := o.ResponseHeaders(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to read response headers: %w", err)
		}
		// Field names are case-insensitive; backends differ in the case they report.
		for key := range headers {
			if strings.EqualFold(key, p.Header) {
				return true, nil
			}
		}
		return false, nil

	case manifest.KindPage:
		resp, err := o.Get(ctx, p.URL)
		if err != nil {
			return false, fmt.Errorf("failed to fetch %s: %w", p.URL, err)
		}
		return resp.StatusCode >= 200 && resp.StatusCode <= 299, nil
	}

	return false, &manifest.UnknownPredicateError{Kind: string(p.Kind)}
}
