package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Include directives compose config files. Both spellings are accepted.
var includeKeys = [...]string{"$include", "include"}

// LoadRaw reads a configuration file into a merged raw map. Include
// directives are resolved relative to the including file with cycle
// detection, and environment variables are expanded in the file text. The
// include key itself is exempt from expansion so it survives to the parser.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	ld := loader{seen: map[string]bool{}}
	return ld.load(path)
}

// loader tracks the include chain of one LoadRaw call.
type loader struct {
	seen map[string]bool
}

func (l loader) load(path string) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.seen[absPath] {
		return nil, fmt.Errorf("config include cycle at %s", absPath)
	}
	l.seen[absPath] = true
	defer delete(l.seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	raw, err := parseRaw(expandEnv(data), absPath)
	if err != nil {
		return nil, err
	}
	includes, err := popIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(absPath), err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(absPath), inc)
		}
		incRaw, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, incRaw)
	}

	// The including file wins over its includes.
	return mergeMaps(merged, raw), nil
}

// expandEnv substitutes $VAR and ${VAR} references with environment values.
// The literal token $include is left alone; it is a directive, not a
// variable, and expanding it would corrupt the key before parsing.
func expandEnv(data []byte) []byte {
	return []byte(os.Expand(string(data), func(name string) string {
		if name == "include" {
			return "$include"
		}
		return os.Getenv(name)
	}))
}

// parseRaw decodes one file into a generic map. JSON5 for .json/.json5,
// single-document YAML for everything else.
func parseRaw(data []byte, path string) (map[string]any, error) {
	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				return map[string]any{}, nil
			}
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
		if err := dec.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("parse %s: expected a single document", filepath.Base(path))
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// popIncludes removes include directives from the map and returns their
// paths in directive order. A directive is a string or a list of strings.
func popIncludes(raw map[string]any) ([]string, error) {
	var paths []string
	for _, key := range includeKeys {
		val, ok := raw[key]
		if !ok {
			continue
		}
		delete(raw, key)

		switch typed := val.(type) {
		case string:
			if strings.TrimSpace(typed) != "" {
				paths = append(paths, typed)
			}
		case []any:
			for _, entry := range typed {
				s, ok := entry.(string)
				if !ok {
					return nil, fmt.Errorf("include entries must be strings")
				}
				if strings.TrimSpace(s) != "" {
					paths = append(paths, s)
				}
			}
		default:
			return nil, fmt.Errorf("include must be a string or list of strings")
		}
	}
	return paths, nil
}

// mergeMaps deep-merges src into dst. Nested maps merge recursively; any
// other value in src replaces the one in dst.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[key] = mergeMaps(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
	return dst
}

// decodeRawConfig strictly decodes the merged map; unknown keys are errors so
// typos surface at load time.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if err == io.EOF {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
