// internal/browser/session/element.go
package session

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/celobox/internal/browser"
)

// element is a node in the session's current document. Mutations such as
// SetValue write straight into the parsed tree, so later form serialization
// picks them up.
type element struct {
	s    *Session
	node *html.Node
}

var _ browser.Element = (*element)(nil)

// findIn compiles selector and matches it against the descendants of scope.
func (s *Session) findIn(scope *html.Node, selector string) ([]browser.Element, error) {
	matcher, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector '%s': %w", selector, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := goquery.NewDocumentFromNode(scope).FindMatcher(matcher)
	elements := make([]browser.Element, 0, matches.Length())
	for _, n := range matches.Nodes {
		elements = append(elements, &element{s: s, node: n})
	}
	return elements, nil
}

func (e *element) Attribute(ctx context.Context, name string) (string, bool, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()

	for _, attr := range e.node.Attr {
		if strings.EqualFold(attr.Key, name) {
			return htmlquery.SelectAttr(e.node, attr.Key), true, nil
		}
	}
	return "", false, nil
}

func (e *element) Text(ctx context.Context) (string, error) {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	return strings.TrimSpace(htmlquery.InnerText(e.node)), nil
}

func (e *element) FindAll(ctx context.Context, selector string) ([]browser.Element, error) {
	return e.s.findIn(e.node, selector)
}

// SetValue replaces the control's value in the document.
func (e *element) SetValue(ctx context.Context, value string) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	switch strings.ToLower(e.node.Data) {
	case "input":
		setAttr(e.node, "value", value)
	case "textarea":
		for c := e.node.FirstChild; c != nil; {
			next := c.NextSibling
			e.node.RemoveChild(c)
			c = next
		}
		e.node.AppendChild(&html.Node{Type: html.TextNode, Data: value})
	case "select":
		if !selectOption(e.node, value) {
			return fmt.Errorf("select has no option '%s'", value)
		}
	default:
		return fmt.Errorf("cannot set value on <%s> element", e.node.Data)
	}
	return nil
}

// Click follows links, submits forms from submit controls, and toggles
// checkable inputs. Anything else has no effect without a script engine.
func (e *element) Click(ctx context.Context) error {
	tag := strings.ToLower(e.node.Data)

	switch {
	case tag == "a":
		e.s.mu.RLock()
		href, ok := attr(e.node, "href")
		e.s.mu.RUnlock()
		if !ok || href == "" || strings.HasPrefix(strings.ToLower(strings.TrimSpace(href)), "javascript:") {
			e.s.logger.Debug("Link has no navigable href, ignoring click.")
			return nil
		}
		return e.s.Navigate(ctx, href)

	case isSubmitter(e.node):
		return e.Submit(ctx, nil)

	case tag == "input":
		typ := strings.ToLower(htmlquery.SelectAttr(e.node, "type"))
		if typ == "checkbox" || typ == "radio" {
			e.s.mu.Lock()
			if _, checked := attr(e.node, "checked"); checked && typ == "checkbox" {
				removeAttr(e.node, "checked")
			} else {
				setAttr(e.node, "checked", "checked")
			}
			e.s.mu.Unlock()
		}
		return nil
	}

	e.s.logger.Debug("Click has no effect on element", zap.String("tag", tag))
	return nil
}

// Submit serializes the owning form and sends it. When the element is itself
// a submit control, its name and value are included as a browser would.
func (e *element) Submit(ctx context.Context, extra url.Values) error {
	e.s.mu.RLock()
	form := owningForm(e.node)
	if form == nil {
		e.s.mu.RUnlock()
		return fmt.Errorf("element <%s> is not inside a form", e.node.Data)
	}
	var submitter *html.Node
	if isSubmitter(e.node) {
		submitter = e.node
	}
	fields := serializeForm(form, submitter)
	action := htmlquery.SelectAttr(form, "action")
	method := strings.ToUpper(strings.TrimSpace(htmlquery.SelectAttr(form, "method")))
	e.s.mu.RUnlock()

	for k, v := range extra {
		fields[k] = append([]string(nil), v...)
	}
	if method != "POST" {
		method = "GET"
	}
	return e.s.submitForm(ctx, method, action, fields)
}
