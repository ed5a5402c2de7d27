package manifest

import (
	"fmt"
	"sort"
	"strings"
)

// PredicateKind names the way a success predicate inspects the outcome.
type PredicateKind string

const (
	// KindLanding matches the final URL against one or more exact URLs.
	KindLanding PredicateKind = "landing"
	// KindHeaderPresent checks the last response for a header name.
	KindHeaderPresent PredicateKind = "header-present"
	// KindPage fetches a URL within the session and expects a 2xx status.
	KindPage PredicateKind = "page"
)

// Predicate is a declarative success check. Exactly one payload field is
// meaningful, selected by Kind.
type Predicate struct {
	Kind   PredicateKind
	URLs   []string
	Header string
	URL    string
}

// Landing builds a landing predicate.
func Landing(urls ...string) *Predicate {
	return &Predicate{Kind: KindLanding, URLs: urls}
}

// HeaderPresent builds a header-present predicate.
func HeaderPresent(name string) *Predicate {
	return &Predicate{Kind: KindHeaderPresent, Header: name}
}

// Page builds a page predicate.
func Page(url string) *Predicate {
	return &Predicate{Kind: KindPage, URL: url}
}

func (p *Predicate) String() string {
	switch p.Kind {
	case KindLanding:
		return fmt.Sprintf("landing(%s)", strings.Join(p.URLs, "|"))
	case KindHeaderPresent:
		return fmt.Sprintf("header-present(%s)", p.Header)
	case KindPage:
		return fmt.Sprintf("page(%s)", p.URL)
	default:
		return fmt.Sprintf("%s(?)", p.Kind)
	}
}

// predicateValueKeys are the payload keys accepted by the {test: kind, name: value} form.
var predicateValueKeys = []string{"name", "value", "url"}

// parsePredicate accepts either {kind: value} or {test: kind, name: value}.
func parsePredicate(field string, raw any) (*Predicate, error) {
	m, ok := asMap(raw)
	if !ok {
		return nil, invalidf(field, "expected a mapping, got %T", raw)
	}

	var kind string
	var value any
	if test, present := m["test"]; present {
		s, ok := test.(string)
		if !ok || s == "" {
			return nil, invalidf(field+".test", "expected a predicate kind")
		}
		kind = s
		for _, k := range predicateValueKeys {
			if v, present := m[k]; present {
				value = v
				break
			}
		}
		if value == nil {
			return nil, invalidf(field, "predicate %q has no value", kind)
		}
	} else {
		if len(m) != 1 {
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return nil, invalidf(field, "expected exactly one predicate, got %v", keys)
		}
		for k, v := range m {
			kind, value = k, v
		}
	}

	switch PredicateKind(kind) {
	case KindLanding:
		urls, err := stringList(field+"."+kind, value)
		if err != nil {
			return nil, err
		}
		if len(urls) == 0 {
			return nil, invalidf(field+"."+kind, "at least one URL is required")
		}
		return Landing(urls...), nil
	case KindHeaderPresent:
		name, ok := value.(string)
		if !ok || name == "" {
			return nil, invalidf(field+"."+kind, "expected a header name")
		}
		return HeaderPresent(name), nil
	case KindPage:
		u, ok := value.(string)
		if !ok || u == "" {
			return nil, invalidf(field+"."+kind, "expected a URL")
		}
		return Page(u), nil
	default:
		return nil, &ConfigError{Field: field, Err: &UnknownPredicateError{Kind: kind}}
	}
}
