package manifest

import (
	"fmt"

	json "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// Encoding tells Decode which parser to apply.
type Encoding int

const (
	// EncodingAuto tries the strict encoding first, then the permissive one.
	EncodingAuto Encoding = iota
	// EncodingJSON is strict: a parse failure rejects the content outright.
	EncodingJSON
	// EncodingYAML is permissive, so the sentinel key is mandatory.
	EncodingYAML
)

func (e Encoding) String() string {
	switch e {
	case EncodingJSON:
		return "json"
	case EncodingYAML:
		return "yaml"
	default:
		return "auto"
	}
}

// Extension is the file suffix used for the encoding in a manifests directory.
func (e Encoding) Extension() string {
	switch e {
	case EncodingJSON:
		return ".json"
	case EncodingYAML:
		return ".yaml"
	default:
		return ""
	}
}

// Decode parses content under the dual-encoding policy and converts it into a
// validated Manifest. Content that is not a manifest yields ErrNotManifest;
// a recognized manifest with a bad field yields a *ConfigError.
func Decode(content []byte, hint Encoding) (*Manifest, error) {
	doc, err := ParseDocument(content, hint)
	if err != nil {
		return nil, err
	}
	return FromMap(doc)
}

// ParseDocument applies only the recognition half of the policy.
func ParseDocument(content []byte, hint Encoding) (map[string]any, error) {
	switch hint {
	case EncodingJSON:
		return parseJSON(content)
	case EncodingYAML:
		return parseYAML(content)
	}
	if doc, err := parseJSON(content); err == nil {
		return doc, nil
	}
	return parseYAML(content)
}

func parseJSON(content []byte) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrNotManifest, err)
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: json document is %T, not an object", ErrNotManifest, v)
	}
	return doc, nil
}

func parseYAML(content []byte) (map[string]any, error) {
	var v any
	if err := yaml.Unmarshal(content, &v); err != nil {
		return nil, fmt.Errorf("%w: yaml: %v", ErrNotManifest, err)
	}
	doc, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("%w: yaml document is %T, not a mapping", ErrNotManifest, v)
	}
	if !truthy(doc[SentinelKey]) {
		return nil, fmt.Errorf("%w: yaml document lacks %q", ErrNotManifest, SentinelKey)
	}
	return doc, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
