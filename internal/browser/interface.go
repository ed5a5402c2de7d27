// Package browser defines the web-interaction capability the form engine and
// the session orchestrator drive. Two backends implement it: session (plain
// HTTP plus HTML parsing) and cdp (headless Chrome).
package browser

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

var (
	// ErrElementNotFound is returned when a locator matches nothing. It is
	// usually a page that has not finished loading or a stale manifest.
	ErrElementNotFound = errors.New("element not found")

	// ErrUnsupported is returned by backends for operations they cannot perform.
	ErrUnsupported = errors.New("operation not supported by this backend")

	// ErrNoDocument is returned when an operation needs a loaded page.
	ErrNoDocument = errors.New("no document loaded")
)

// Response is the result of an out-of-band request made within the session.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Finder is the locator half of Page and Element.
type Finder interface {
	FindAll(ctx context.Context, selector string) ([]Element, error)
}

// Element is a handle to a node on the current page. Handles are invalidated
// by navigation.
type Element interface {
	// Attribute returns the named attribute and whether it was present.
	Attribute(ctx context.Context, name string) (string, bool, error)
	// Text returns the element's visible text content.
	Text(ctx context.Context) (string, error)
	// SetValue types value into a form control, replacing what was there.
	SetValue(ctx context.Context, value string) error
	// Click activates the element, following links and submitting forms as a
	// user agent would.
	Click(ctx context.Context) error
	// Submit submits the form that owns the element. Fields in extra are
	// merged over the serialized form values.
	Submit(ctx context.Context, extra url.Values) error
	// FindAll returns descendants matching a CSS selector.
	FindAll(ctx context.Context, selector string) ([]Element, error)
}

// Page is a single browsing session: one cookie store, one current document.
type Page interface {
	Navigate(ctx context.Context, rawURL string) error
	// FindAll returns every element on the current page matching a CSS selector.
	// An empty result is not an error.
	FindAll(ctx context.Context, selector string) ([]Element, error)
	CurrentURL(ctx context.Context) (string, error)
	// ResponseHeaders returns the headers of the response that produced the
	// current document. Key case is backend specific: the HTTP backend
	// canonicalizes keys, Chrome reports them as sent on the wire.
	ResponseHeaders(ctx context.Context) (http.Header, error)
	// Get fetches rawURL with the session's cookies without replacing the
	// current document.
	Get(ctx context.Context, rawURL string) (*Response, error)
	DeleteAllCookies(ctx context.Context) error
	Close(ctx context.Context) error
}

// Poster is implemented by backends that can submit an assembled field map
// directly to an endpoint, as a plain HTTP client does.
type Poster interface {
	Post(ctx context.Context, rawURL string, fields url.Values) error
}

// Snapshotter captures a diagnostic artifact of the current page. The second
// return value is the file extension, without the dot.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]byte, string, error)
}

// Options are the per-site settings a Page is created with.
type Options struct {
	UserAgent       string
	Headers         map[string]string
	IgnoreTLSErrors bool
}

// Factory creates a Page. The orchestrator owns the Page and closes it.
type Factory func(ctx context.Context, opts Options) (Page, error)

// FindOne returns the first element matching selector or ErrElementNotFound.
func FindOne(ctx context.Context, scope Finder, selector string) (Element, error) {
	elements, err := scope.FindAll(ctx, selector)
	if err != nil {
		return nil, err
	}
	if len(elements) == 0 {
		return nil, &NotFoundError{Selector: selector}
	}
	return elements[0], nil
}

// NotFoundError records which selector came up empty.
type NotFoundError struct {
	Selector string
}

func (e *NotFoundError) Error() string {
	return "element not found: " + e.Selector
}

func (e *NotFoundError) Unwrap() error { return ErrElementNotFound }
