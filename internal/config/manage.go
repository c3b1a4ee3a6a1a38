package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Where an effective config value came from.
const (
	SourceDefault = "default"
	SourceBackend = "config"
	SourceEnv     = "env"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Source string
}

// ShowAll lists the non-secret keys of cfg with the layer each value was
// taken from.
func ShowAll(cfg Config) []KeyInfo {
	return describe(cfg, newPlatformBackend())
}

// Location reports where `config set` persists values on this platform.
func Location() string {
	return newPlatformBackend().Location()
}

func describe(cfg Config, b Backend) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  formatValue(s.extract(cfg)),
			Source: sourceOf(s, b),
		})
	}
	return result
}

func sourceOf(s keySpec, b Backend) string {
	if s.env != "" && os.Getenv(s.env) != "" {
		return SourceEnv
	}
	var ok bool
	if s.typ == kInt {
		_, ok, _ = b.GetInt(s.key)
	} else {
		_, ok, _ = b.GetString(s.key)
	}
	if ok {
		return SourceBackend
	}
	return SourceDefault
}

func formatValue(v any) string {
	if d, ok := v.(time.Duration); ok {
		return d.String()
	}
	return fmt.Sprint(v)
}

// SetKey writes a config key to the platform backend.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), key, value)
}

// UnsetKey removes a key from the platform backend so its default applies.
func UnsetKey(key string) error {
	return unsetKeyWith(newPlatformBackend(), key)
}

func lookupSpec(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return s, fmt.Errorf("%q is a secret; set it with %s or the platform secret store", key, s.env)
		}
		return s, nil
	}
	return keySpec{}, fmt.Errorf("unknown config key %q", key)
}

func setKeyWith(b Backend, key, value string) error {
	s, err := lookupSpec(key)
	if err != nil {
		return err
	}
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		return b.SetInt(key, i)
	case kDuration:
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration value for %s: %w", key, err)
		}
	}
	return b.SetString(key, value)
}

func unsetKeyWith(b Backend, key string) error {
	if _, err := lookupSpec(key); err != nil {
		return err
	}
	return b.Delete(key)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
