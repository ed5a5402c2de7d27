// internal/browser/cdp/element.go
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/celobox/internal/browser"
)

// findAllJS returns the reference of every match, tagging new ones. The
// document token keeps references from one page from resolving on the next.
const findAllJS = `function(sel, scopeRef, attr) {
  var root = document;
  if (scopeRef) {
    root = document.querySelector('[' + attr + '="' + scopeRef + '"]');
    if (!root) return [];
  }
  if (!window.__celoboxDoc) {
    window.__celoboxDoc = Math.random().toString(36).slice(2, 10);
    window.__celoboxSeq = 0;
  }
  var out = [];
  root.querySelectorAll(sel).forEach(function(el) {
    var ref = el.getAttribute(attr);
    if (!ref) {
      window.__celoboxSeq += 1;
      ref = window.__celoboxDoc + '-' + window.__celoboxSeq;
      el.setAttribute(attr, ref);
    }
    out.push(ref);
  });
  return out;
}`

const elementJS = `function(attr, ref, op, arg, extra) {
  var el = document.querySelector('[' + attr + '="' + ref + '"]');
  if (!el) return {ok: false};
  var tag = el.tagName.toLowerCase();
  switch (op) {
  case 'attr':
    return {ok: true, present: el.hasAttribute(arg), value: el.getAttribute(arg) || ''};
  case 'text':
    return {ok: true, value: (el.innerText || el.textContent || '').trim()};
  case 'set':
    if (tag === 'select') {
      var opt = Array.prototype.find.call(el.options, function(o) { return o.value === arg || o.text.trim() === arg; });
      if (!opt) return {ok: true, error: "select has no option '" + arg + "'"};
      el.value = opt.value;
    } else if (tag === 'input' || tag === 'textarea') {
      el.focus();
      el.value = arg;
    } else {
      return {ok: true, error: 'cannot set value on <' + tag + '> element'};
    }
    el.dispatchEvent(new Event('input', {bubbles: true}));
    el.dispatchEvent(new Event('change', {bubbles: true}));
    return {ok: true};
  case 'click':
    setTimeout(function() { el.click(); }, 0);
    return {ok: true};
  case 'submit':
    var form = el.form || el.closest('form');
    if (!form) return {ok: true, error: 'element <' + tag + '> is not inside a form'};
    Object.keys(extra || {}).forEach(function(name) {
      var input = form.querySelector('[name="' + CSS.escape(name) + '"]');
      if (!input) {
        input = document.createElement('input');
        input.type = 'hidden';
        input.name = name;
        form.appendChild(input);
      }
      input.value = extra[name];
    });
    var submitter = ((tag === 'button' || tag === 'input') && (el.type === 'submit' || el.type === 'image')) ? el : undefined;
    setTimeout(function() {
      if (form.requestSubmit) { form.requestSubmit(submitter); } else { form.submit(); }
    }, 0);
    return {ok: true};
  }
  return {ok: true, error: 'unknown operation ' + op};
}`

const fetchJS = `function(u) {
  return fetch(u, {credentials: 'include', redirect: 'follow'}).then(function(r) {
    var headers = {};
    r.headers.forEach(function(v, k) { headers[k] = v; });
    return r.text().then(function(body) {
      return {url: r.url, status: r.status, headers: headers, body: body};
    });
  });
}`

// callExpr renders an immediately invoked call of fn with JSON-encoded args.
func callExpr(fn string, args ...interface{}) string {
	encoded := make([]string, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			b = []byte("null")
		}
		encoded[i] = string(b)
	}
	return "(" + fn + ")(" + strings.Join(encoded, ", ") + ")"
}

type element struct {
	p   *Page
	ref string
}

var _ browser.Element = (*element)(nil)

type elementResult struct {
	OK      bool   `json:"ok"`
	Present bool   `json:"present"`
	Value   string `json:"value"`
	Error   string `json:"error"`
}

func (e *element) call(ctx context.Context, settle bool, op, arg string, extra map[string]string) (*elementResult, error) {
	if extra == nil {
		extra = map[string]string{}
	}
	var res elementResult
	action := chromedp.Evaluate(callExpr(elementJS, refAttr, e.ref, op, arg, extra), &res)

	var err error
	if settle {
		err = e.p.runAndSettle(ctx, action)
	} else {
		err = e.p.run(ctx, action)
	}
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, fmt.Errorf("stale element reference: %w",
			&browser.NotFoundError{Selector: fmt.Sprintf("[%s=%q]", refAttr, e.ref)})
	}
	if res.Error != "" {
		return nil, errors.New(res.Error)
	}
	return &res, nil
}

func (e *element) Attribute(ctx context.Context, name string) (string, bool, error) {
	res, err := e.call(ctx, false, "attr", name, nil)
	if err != nil {
		return "", false, err
	}
	return res.Value, res.Present, nil
}

func (e *element) Text(ctx context.Context) (string, error) {
	res, err := e.call(ctx, false, "text", "", nil)
	if err != nil {
		return "", err
	}
	return res.Value, nil
}

func (e *element) SetValue(ctx context.Context, value string) error {
	_, err := e.call(ctx, false, "set", value, nil)
	return err
}

func (e *element) Click(ctx context.Context) error {
	_, err := e.call(ctx, true, "click", "", nil)
	return err
}

// Submit writes extra into the owning form, adding hidden inputs for names
// the form lacks, then submits it.
func (e *element) Submit(ctx context.Context, extra url.Values) error {
	fields := make(map[string]string, len(extra))
	for k := range extra {
		fields[k] = extra.Get(k)
	}
	_, err := e.call(ctx, true, "submit", "", fields)
	return err
}

func (e *element) FindAll(ctx context.Context, selector string) ([]browser.Element, error) {
	return e.p.findAll(ctx, e.ref, selector)
}
