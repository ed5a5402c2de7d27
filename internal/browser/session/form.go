// internal/browser/session/form.go
package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/celobox/internal/browser"
)

// submitForm sends fields to the form's action, resolved against the
// current page. An empty action submits to the page itself.
func (s *Session) submitForm(ctx context.Context, method, action string, fields url.Values) error {
	submitCtx, cancel := browser.CombineContext(s.ctx, ctx)
	defer cancel()

	if action == "" {
		current, _ := s.CurrentURL(ctx)
		action = current
	}
	target, err := s.resolveURL(action)
	if err != nil {
		return fmt.Errorf("failed to resolve form action '%s': %w", action, err)
	}

	s.logger.Debug("Submitting form",
		zap.String("method", method),
		zap.String("action", target.String()),
		zap.Int("field_count", len(fields)))

	req, err := newFormRequest(submitCtx, method, target, fields)
	if err != nil {
		return fmt.Errorf("failed to create form request: %w", err)
	}
	s.prepareRequestHeaders(req)
	return s.load(req)
}

// serializeForm collects the successful controls of form. The submitter, if
// any, contributes its own name and value.
func serializeForm(form, submitter *html.Node) url.Values {
	fields := url.Values{}
	for _, n := range htmlquery.Find(form, ".//input | .//textarea | .//select") {
		name := htmlquery.SelectAttr(n, "name")
		if name == "" {
			continue
		}
		if _, disabled := attr(n, "disabled"); disabled {
			continue
		}

		switch strings.ToLower(n.Data) {
		case "input":
			typ := strings.ToLower(htmlquery.SelectAttr(n, "type"))
			switch typ {
			case "submit", "image", "button", "reset", "file":
				continue
			case "checkbox", "radio":
				if _, checked := attr(n, "checked"); !checked {
					continue
				}
				value, ok := attr(n, "value")
				if !ok {
					value = "on"
				}
				fields.Add(name, value)
			default:
				fields.Add(name, htmlquery.SelectAttr(n, "value"))
			}
		case "textarea":
			fields.Add(name, htmlquery.InnerText(n))
		case "select":
			for _, v := range selectedOptions(n) {
				fields.Add(name, v)
			}
		}
	}

	if submitter != nil {
		if name := htmlquery.SelectAttr(submitter, "name"); name != "" {
			fields.Add(name, htmlquery.SelectAttr(submitter, "value"))
		}
	}
	return fields
}

// owningForm returns the form a control belongs to: the one named by its
// form attribute, else the nearest form ancestor.
func owningForm(n *html.Node) *html.Node {
	if id, ok := attr(n, "form"); ok && id != "" {
		root := n
		for root.Parent != nil {
			root = root.Parent
		}
		match := goquery.NewDocumentFromNode(root).Find("form").FilterFunction(func(_ int, s *goquery.Selection) bool {
			v, _ := s.Attr("id")
			return v == id
		})
		if match.Length() > 0 {
			return match.Nodes[0]
		}
	}
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && strings.EqualFold(p.Data, "form") {
			return p
		}
	}
	return nil
}

func isSubmitter(n *html.Node) bool {
	switch strings.ToLower(n.Data) {
	case "button":
		typ, ok := attr(n, "type")
		return !ok || strings.EqualFold(typ, "submit")
	case "input":
		typ := strings.ToLower(htmlquery.SelectAttr(n, "type"))
		return typ == "submit" || typ == "image"
	}
	return false
}

func selectedOptions(sel *html.Node) []string {
	options := htmlquery.Find(sel, ".//option")
	var values []string
	for _, opt := range options {
		if _, ok := attr(opt, "selected"); ok {
			values = append(values, optionValue(opt))
		}
	}
	if len(values) == 0 && len(options) > 0 {
		if _, multiple := attr(sel, "multiple"); !multiple {
			values = append(values, optionValue(options[0]))
		}
	}
	return values
}

// selectOption marks the option whose value or label equals want.
func selectOption(sel *html.Node, want string) bool {
	options := htmlquery.Find(sel, ".//option")
	var match *html.Node
	for _, opt := range options {
		if optionValue(opt) == want || strings.TrimSpace(htmlquery.InnerText(opt)) == want {
			match = opt
			break
		}
	}
	if match == nil {
		return false
	}
	for _, opt := range options {
		removeAttr(opt, "selected")
	}
	setAttr(match, "selected", "selected")
	return true
}

func optionValue(opt *html.Node) string {
	if v, ok := attr(opt, "value"); ok {
		return v
	}
	return strings.TrimSpace(htmlquery.InnerText(opt))
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if !strings.EqualFold(a.Key, key) {
			kept = append(kept, a)
		}
	}
	n.Attr = kept
}
