// internal/browser/cdp/page.go
package cdp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/security"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/celobox/internal/browser"
	"github.com/xkilldash9x/celobox/internal/browser/stealth"
	"github.com/xkilldash9x/celobox/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// refAttr tags elements handed out by FindAll so later calls can find them again.
const refAttr = "data-celobox-ref"

const (
	// navigationStartWait is how long an interaction may take to trigger a
	// navigation before it is treated as in-page.
	navigationStartWait = 750 * time.Millisecond
	snapshotQuality     = 100
)

// Page drives a single tab of a dedicated headless browser.
type Page struct {
	id     string
	logger *zap.Logger

	allocCancel context.CancelFunc
	// tabCtx carries the CDP target; every action runs under it.
	tabCtx    context.Context
	tabCancel context.CancelFunc

	navTimeout time.Duration

	mu      sync.RWMutex
	headers http.Header

	closeOnce sync.Once
}

var (
	_ browser.Page        = (*Page)(nil)
	_ browser.Snapshotter = (*Page)(nil)
)

func newPage(ctx, allocCtx context.Context, allocCancel context.CancelFunc, cfg config.BrowserConfig, netCfg config.NetworkConfig, opts browser.Options, logger *zap.Logger) (*Page, error) {
	id := uuid.New().String()
	l := logger.Named("cdp_page").With(zap.String("session_id", id))
	sugar := l.Sugar()

	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)

	p := &Page{
		id:          id,
		logger:      l,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		navTimeout:  netCfg.NavigationTimeout,
	}

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			p.recordHeaders(e.Response.Headers)
		}
	})

	// The first Run launches the browser and binds it to tabCtx, so it must
	// not carry the caller's deadline. The deadline is enforced by racing it.
	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(tabCtx, p.setupTasks(cfg, opts, netCfg))
	}()
	select {
	case err := <-errCh:
		if err != nil {
			tabCancel()
			return nil, err
		}
	case <-ctx.Done():
		tabCancel()
		<-errCh
		return nil, ctx.Err()
	}
	return p, nil
}

func (p *Page) setupTasks(cfg config.BrowserConfig, opts browser.Options, netCfg config.NetworkConfig) chromedp.Tasks {
	tasks := chromedp.Tasks{network.Enable()}
	if ua := userAgent(cfg, opts); ua != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(ua))
	}
	if opts.IgnoreTLSErrors || cfg.IgnoreTLSErrors || netCfg.IgnoreTLSErrors {
		tasks = append(tasks, security.SetIgnoreCertificateErrors(true))
	}

	headers := network.Headers{}
	if cfg.Headless {
		persona := stealth.DefaultPersona
		tasks = append(tasks, stealth.Apply(persona, p.logger)...)
		headers["Accept-Language"] = persona.AcceptLanguage()
	}
	for k, v := range netCfg.Headers {
		headers[k] = v
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if len(headers) > 0 {
		tasks = append(tasks, network.SetExtraHTTPHeaders(headers))
	}
	return tasks
}

func (p *Page) recordHeaders(h network.Headers) {
	// Keys are stored exactly as the browser reported them.
	header := make(http.Header, len(h))
	for k, v := range h {
		header[k] = []string{fmt.Sprint(v)}
	}
	p.mu.Lock()
	p.headers = header
	p.mu.Unlock()
}

// run executes actions within the tab, bounded by the caller's context.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := browser.CombineContext(p.tabCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// runAndSettle runs an interaction and, if it starts a navigation, waits
// for the new document to finish loading.
func (p *Page) runAndSettle(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := browser.CombineContext(p.tabCtx, ctx)
	defer cancel()
	if p.navTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, p.navTimeout)
		defer cancelTimeout()
	}

	started := make(chan struct{}, 1)
	loaded := make(chan struct{}, 1)
	chromedp.ListenTarget(runCtx, func(ev interface{}) {
		switch ev.(type) {
		case *page.EventFrameRequestedNavigation, *page.EventFrameStartedLoading:
			select {
			case started <- struct{}{}:
			default:
			}
		case *page.EventLoadEventFired:
			select {
			case loaded <- struct{}{}:
			default:
			}
		}
	})

	if err := chromedp.Run(runCtx, actions...); err != nil {
		return err
	}

	timer := time.NewTimer(navigationStartWait)
	defer timer.Stop()
	select {
	case <-started:
	case <-timer.C:
		return nil
	case <-runCtx.Done():
		return runCtx.Err()
	}

	select {
	case <-loaded:
		return nil
	case <-runCtx.Done():
		return fmt.Errorf("waiting for page load: %w", runCtx.Err())
	}
}

func (p *Page) Navigate(ctx context.Context, rawURL string) error {
	p.logger.Debug("Navigating", zap.String("url", rawURL))
	navCtx := ctx
	if p.navTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, p.navTimeout)
		defer cancel()
	}
	if err := p.run(navCtx, chromedp.Navigate(rawURL)); err != nil {
		return fmt.Errorf("failed to navigate to '%s': %w", rawURL, err)
	}
	return nil
}

func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

func (p *Page) ResponseHeaders(ctx context.Context) (http.Header, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.headers == nil {
		return nil, browser.ErrNoDocument
	}
	return p.headers.Clone(), nil
}

func (p *Page) FindAll(ctx context.Context, selector string) ([]browser.Element, error) {
	return p.findAll(ctx, "", selector)
}

func (p *Page) findAll(ctx context.Context, scopeRef, selector string) ([]browser.Element, error) {
	var refs []string
	expr := callExpr(findAllJS, selector, scopeRef, refAttr)
	if err := p.run(ctx, chromedp.Evaluate(expr, &refs)); err != nil {
		return nil, fmt.Errorf("failed to query '%s': %w", selector, err)
	}
	elements := make([]browser.Element, 0, len(refs))
	for _, ref := range refs {
		elements = append(elements, &element{p: p, ref: ref})
	}
	return elements, nil
}

type fetchResult struct {
	URL     string            `json:"url"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Get issues a fetch from the current document so it shares the tab's cookies.
func (p *Page) Get(ctx context.Context, rawURL string) (*browser.Response, error) {
	var res fetchResult
	awaitPromise := func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	}
	if err := p.run(ctx, chromedp.Evaluate(callExpr(fetchJS, rawURL), &res, awaitPromise)); err != nil {
		return nil, fmt.Errorf("failed to fetch '%s': %w", rawURL, err)
	}
	header := make(http.Header, len(res.Headers))
	for k, v := range res.Headers {
		header.Set(k, v)
	}
	resolved := res.URL
	if resolved == "" {
		resolved = rawURL
	}
	if _, err := url.Parse(resolved); err != nil {
		return nil, err
	}
	return &browser.Response{URL: resolved, StatusCode: res.Status, Header: header, Body: []byte(res.Body)}, nil
}

func (p *Page) DeleteAllCookies(ctx context.Context) error {
	if err := p.run(ctx, network.ClearBrowserCookies()); err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}
	p.logger.Debug("Cookies cleared")
	return nil
}

// Snapshot captures a full-page PNG.
func (p *Page) Snapshot(ctx context.Context) ([]byte, string, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.FullScreenshot(&buf, snapshotQuality)); err != nil {
		return nil, "", fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, "png", nil
}

// Close shuts the tab, then the browser process.
func (p *Page) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		if cerr := chromedp.Cancel(p.tabCtx); cerr != nil {
			err = cerr
		}
		p.tabCancel()
		p.allocCancel()
		p.logger.Debug("Browser session closed")
	})
	return err
}
