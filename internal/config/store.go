package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store supplies raw string values for logical keys. Stores are consulted in
// order; the first hit wins.
type Store interface {
	// Lookup returns the raw value and whether the key is present.
	Lookup(key string) (string, bool)
}

// Static is a fixed in-memory store, used by tests and as an override layer.
type Static map[string]string

func (s Static) Lookup(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

// EnvStore maps logical keys to environment variables:
// ai.tier.free.daily_cents -> PULSEGRID_AI_TIER_FREE_DAILY_CENTS.
type EnvStore struct {
	Prefix string
}

func (e EnvStore) Lookup(key string) (string, bool) {
	prefix := e.Prefix
	if prefix == "" {
		prefix = "PULSEGRID"
	}
	name := prefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	return os.LookupEnv(name)
}

// FileStore reads a YAML document and flattens nested mappings into dotted
// keys, so the file mirrors the logical namespace:
//
//	ai:
//	  enabled: true
//	  tier:
//	    free:
//	      daily_cents: 5
type FileStore struct {
	values map[string]string
}

// LoadFile parses path into a FileStore. Scalar leaves become strings;
// sequences join with commas (matching ai.model.fallbacks).
func LoadFile(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	fs := &FileStore{values: make(map[string]string)}
	flatten("", doc, fs.values)
	return fs, nil
}

func (f *FileStore) Lookup(key string) (string, bool) {
	v, ok := f.values[key]
	return v, ok
}

func flatten(prefix string, node interface{}, out map[string]string) {
	switch v := node.(type) {
	case map[string]interface{}:
		for k, child := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, child, out)
		}
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprintf("%v", item))
		}
		out[prefix] = strings.Join(parts, ",")
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprintf("%v", v)
	}
}
