package robots

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

//go:embed data/robots.json
var defaultRobots []byte

//go:embed data/extensions.json
var defaultExtensions []byte

// ConfigError reports an unreadable or malformed robots/extensions document.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("robots config %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Default builds a registry from the embedded crawler and extension lists.
func Default() *Registry {
	reg, err := Parse(defaultRobots, defaultExtensions)
	if err != nil {
		// The embedded documents are part of the build.
		panic(err)
	}
	return reg
}

// Parse builds a registry from a robots document {"ignore": [...], "match": [...]}
// and an extensions document {"generic": [...], "<dynamic group>": [...]}.
// Every non-generic extension group is merged into the dynamic list.
func Parse(robotsDoc, extensionsDoc []byte) (*Registry, error) {
	reg := New()
	if err := applyRobotsJSON(reg, "robots", robotsDoc); err != nil {
		return nil, err
	}
	if err := applyExtensionsJSON(reg, "extensions", extensionsDoc); err != nil {
		return nil, err
	}
	return reg, nil
}

// LoadFiles reads the two documents from disk. Empty paths fall back to the
// embedded defaults. Files ending in .yaml or .yml are parsed as YAML.
func LoadFiles(robotsPath, extensionsPath string) (*Registry, error) {
	robotsDoc, err := readDocument(robotsPath, defaultRobots)
	if err != nil {
		return nil, err
	}
	extensionsDoc, err := readDocument(extensionsPath, defaultExtensions)
	if err != nil {
		return nil, err
	}
	reg := New()
	if err := applyRobotsJSON(reg, sourceName(robotsPath, "robots"), robotsDoc); err != nil {
		return nil, err
	}
	if err := applyExtensionsJSON(reg, sourceName(extensionsPath, "extensions"), extensionsDoc); err != nil {
		return nil, err
	}
	return reg, nil
}

func readDocument(path string, fallback []byte) ([]byte, error) {
	if path == "" {
		return fallback, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: err}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yamlToJSON(path, data)
	default:
		return data, nil
	}
}

// yamlToJSON converts a YAML document of string lists into the JSON shape the
// gjson readers expect.
func yamlToJSON(path string, data []byte) ([]byte, error) {
	var doc map[string][]string
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Source: path, Err: fmt.Errorf("parse yaml: %w", err)}
	}
	if doc == nil {
		doc = map[string][]string{}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: fmt.Errorf("convert yaml: %w", err)}
	}
	return out, nil
}

func applyRobotsJSON(reg *Registry, source string, doc []byte) error {
	if !gjson.ValidBytes(doc) {
		return &ConfigError{Source: source, Err: errors.New("malformed json")}
	}
	root := gjson.ParseBytes(doc)
	if !root.IsObject() {
		return &ConfigError{Source: source, Err: errors.New("expected an object with ignore and match lists")}
	}
	for _, kind := range []Kind{Ignore, Match} {
		values, err := stringList(root.Get(string(kind)))
		if err != nil {
			return &ConfigError{Source: source, Err: fmt.Errorf("%s: %w", kind, err)}
		}
		if err := reg.SetUserAgents(kind, values); err != nil {
			return &ConfigError{Source: source, Err: err}
		}
	}
	return nil
}

func applyExtensionsJSON(reg *Registry, source string, doc []byte) error {
	if !gjson.ValidBytes(doc) {
		return &ConfigError{Source: source, Err: errors.New("malformed json")}
	}
	root := gjson.ParseBytes(doc)
	if !root.IsObject() {
		return &ConfigError{Source: source, Err: errors.New("expected an object of extension lists")}
	}
	var applyErr error
	root.ForEach(func(key, value gjson.Result) bool {
		values, err := stringList(value)
		if err != nil {
			applyErr = &ConfigError{Source: source, Err: fmt.Errorf("%s: %w", key.String(), err)}
			return false
		}
		kind := Dynamic
		if strings.EqualFold(key.String(), string(Generic)) {
			kind = Generic
		}
		if err := reg.AddExtensions(kind, values...); err != nil {
			applyErr = &ConfigError{Source: source, Err: err}
			return false
		}
		return true
	})
	return applyErr
}

func stringList(value gjson.Result) ([]string, error) {
	if !value.Exists() {
		return nil, nil
	}
	if !value.IsArray() {
		return nil, fmt.Errorf("expected a list, got %s", value.Type)
	}
	items := value.Array()
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item.Type != gjson.String {
			return nil, fmt.Errorf("expected string entries, got %s", item.Type)
		}
		out = append(out, item.String())
	}
	return out, nil
}

func sourceName(path, fallback string) string {
	if path == "" {
		return fallback
	}
	return path
}
