package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Both spellings name the list of files merged underneath the current one.
var includeKeys = []string{"$include", "include"}

// LoadRaw reads path and every file it includes into one map. Included files
// are merged first, in order, so keys in path override them.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	l := &rawLoader{active: map[string]bool{}}
	return l.load(path)
}

// rawLoader tracks the include chain being loaded. A file may be included
// twice from different branches, only not from inside itself.
type rawLoader struct {
	active map[string]bool
}

func (l *rawLoader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.active[abs] {
		return nil, fmt.Errorf("config %s includes itself (cycle)", abs)
	}
	l.active[abs] = true
	defer delete(l.active, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := decodeDocument(expandEnv(data), filepath.Ext(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	includes, err := popIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}

	out := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		deepMerge(out, sub)
	}
	deepMerge(out, doc)
	return out, nil
}

// expandEnv substitutes $VAR and ${VAR}. "$include" is not a variable and is
// kept as written.
func expandEnv(data []byte) []byte {
	return []byte(os.Expand(string(data), func(name string) string {
		if name == "include" {
			return "$include"
		}
		return os.Getenv(name)
	}))
}

// decodeDocument picks a decoder by extension. Anything that is not JSON or
// TOML is read as YAML.
func decodeDocument(data []byte, ext string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(ext) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, err
		}
	default:
		if err := decodeSingleYAML(data, &doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// decodeSingleYAML decodes exactly one YAML document into v. Empty input
// returns io.EOF.
func decodeSingleYAML(data []byte, v any, opts ...func(*yaml.Decoder)) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for _, opt := range opts {
		opt(dec)
	}
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("multiple YAML documents are not supported")
	}
	return nil
}

func popIncludes(doc map[string]any) ([]string, error) {
	var val any
	for _, key := range includeKeys {
		if v, ok := doc[key]; ok {
			val = v
			delete(doc, key)
			break
		}
	}

	var paths []string
	switch v := val.(type) {
	case nil:
	case string:
		paths = append(paths, v)
	case []any:
		for i, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("include entry %d is %T, want string", i, entry)
			}
			paths = append(paths, s)
		}
	default:
		return nil, fmt.Errorf("include is %T, want string or list", val)
	}

	kept := paths[:0]
	for _, p := range paths {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

// deepMerge copies src into dst. Nested maps merge key by key; any other
// value in src replaces the one in dst.
func deepMerge(dst, src map[string]any) {
	for key, sv := range src {
		sm, srcIsMap := sv.(map[string]any)
		dm, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dm, sm)
			continue
		}
		dst[key] = sv
	}
}

// decodeRawConfig round-trips the merged map through YAML so the struct tags
// and unknown-field checks apply the same way for every source format.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	var cfg Config
	strict := func(d *yaml.Decoder) { d.KnownFields(true) }
	if err := decodeSingleYAML(payload, &cfg, strict); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
