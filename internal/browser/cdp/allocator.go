// internal/browser/cdp/allocator.go
package cdp

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/celobox/internal/browser"
	"github.com/xkilldash9x/celobox/internal/config"
)

// launchFlags computes the command-line switches for a browser process.
// Values are either bool (presence) or string.
func launchFlags(cfg config.BrowserConfig, netCfg config.NetworkConfig, opts browser.Options) map[string]interface{} {
	// A false value removes a switch set by the allocator defaults.
	flags := map[string]interface{}{
		"headless":               cfg.Headless,
		"disable-gpu":            cfg.Headless,
		"disable-extensions":     true,
		"disable-blink-features": "AutomationControlled",
		"enable-automation":      false,
	}
	if opts.IgnoreTLSErrors || cfg.IgnoreTLSErrors || netCfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
	}
	if netCfg.Proxy.Enabled && netCfg.Proxy.Address != "" {
		flags["proxy-server"] = netCfg.Proxy.Address
	}

	// Custom arguments from the config file, with or without a leading "--".
	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags[name] = parts[1]
		} else {
			flags[name] = true
		}
	}

	// Containers on Linux usually lack the namespaces the sandbox needs.
	if runtime.GOOS == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}
	return flags
}

// AllocatorOptions assembles the exec allocator options for one session.
func AllocatorOptions(cfg config.BrowserConfig, netCfg config.NetworkConfig, opts browser.Options) []chromedp.ExecAllocatorOption {
	allocOpts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)

	flags := launchFlags(cfg, netCfg, opts)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		allocOpts = append(allocOpts, chromedp.Flag(name, flags[name]))
	}

	if cfg.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(cfg.ExecPath))
	}
	if ua := userAgent(cfg, opts); ua != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(ua))
	}
	return allocOpts
}

func userAgent(cfg config.BrowserConfig, opts browser.Options) string {
	if opts.UserAgent != "" {
		return opts.UserAgent
	}
	return cfg.UserAgent
}

// NewFactory returns a browser.Factory that launches one headless browser
// per session. The process lives until the Page is closed.
func NewFactory(cfg config.BrowserConfig, netCfg config.NetworkConfig, logger *zap.Logger) browser.Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, opts browser.Options) (browser.Page, error) {
		logger.Info("Initializing browser allocator...")

		// The browser must outlive the caller's deadline; Close tears it down.
		allocCtx, allocCancel := chromedp.NewExecAllocator(browser.Detach(ctx), AllocatorOptions(cfg, netCfg, opts)...)

		p, err := newPage(ctx, allocCtx, allocCancel, cfg, netCfg, opts, logger)
		if err != nil {
			allocCancel()
			return nil, fmt.Errorf("failed to start browser session: %w", err)
		}
		logger.Info("Browser launched successfully and is responsive.")
		return p, nil
	}
}
