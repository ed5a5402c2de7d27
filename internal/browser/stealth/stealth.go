// Package stealth hides the most obvious headless-Chrome tells, which some
// login pages use to refuse automated sign-ins.
package stealth

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Persona defines the browser characteristics to emulate.
type Persona struct {
	Platform  string
	Languages []string
	Timezone  string
	Locale    string
}

// DefaultPersona provides a realistic default browser profile.
var DefaultPersona = Persona{
	Platform:  "MacIntel",
	Languages: []string{"en-US", "en"},
	Timezone:  "America/Los_Angeles",
	Locale:    "en-US",
}

// evasionsScript runs before any page script in every new document.
const evasionsScript = `(() => {
  const define = (obj, prop, value) => {
    try { Object.defineProperty(obj, prop, { get: () => value, configurable: true }); } catch (e) {}
  };
  const persona = %s;
  define(Navigator.prototype, 'webdriver', undefined);
  define(Navigator.prototype, 'platform', persona.platform);
  define(Navigator.prototype, 'languages', Object.freeze(persona.languages.slice()));
  define(Navigator.prototype, 'language', persona.languages[0]);
  if (!window.chrome) { window.chrome = { runtime: {} }; }
  if (navigator.plugins.length === 0) { define(Navigator.prototype, 'plugins', [1, 2, 3]); }
})();`

// Script returns the evasion script for p.
func (p Persona) Script() string {
	langs := make([]string, len(p.Languages))
	for i, l := range p.Languages {
		langs[i] = fmt.Sprintf("%q", l)
	}
	persona := fmt.Sprintf(`{"platform":%q,"languages":[%s]}`, p.Platform, strings.Join(langs, ","))
	return fmt.Sprintf(evasionsScript, persona)
}

// AcceptLanguage is the header value matching the persona's languages.
func (p Persona) AcceptLanguage() string {
	if len(p.Languages) == 0 {
		return ""
	}
	parts := []string{p.Languages[0]}
	q := 9
	for _, l := range p.Languages[1:] {
		parts = append(parts, fmt.Sprintf("%s;q=0.%d", l, q))
		if q > 1 {
			q--
		}
	}
	return strings.Join(parts, ",")
}

// Apply constructs the CDP actions that install the persona. Headers are left
// to the caller so they can be merged with its own.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Applying browser stealth persona", zap.String("platform", p.Platform))

	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(p.Script()).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	return tasks
}
