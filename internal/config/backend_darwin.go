//go:build darwin

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const defaultsDomain = "com.notebase.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "notebase")
	}
	return "notebase-data"
}

func apiKeyHint() string {
	return " or macOS Keychain (service: notebase, account: openai_api_key)"
}

// defaultsBackend stores keys in the user defaults domain via defaults(1).
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() Backend {
	return &defaultsBackend{domain: defaultsDomain}
}

func (b *defaultsBackend) Location() string { return "defaults domain " + b.domain }

func (b *defaultsBackend) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "defaults", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	s, err := b.run("read", b.domain, key)
	if err != nil {
		// defaults exits 1 when the key or domain does not exist.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading %s from %s: %w (%s)", key, b.domain, err, s)
	}
	return s, true, nil
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *defaultsBackend) SetString(key, val string) error {
	if out, err := b.run("write", b.domain, key, "-string", val); err != nil {
		return fmt.Errorf("writing %s: %w (%s)", key, err, out)
	}
	return nil
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	if out, err := b.run("write", b.domain, key, "-int", strconv.Itoa(val)); err != nil {
		return fmt.Errorf("writing %s: %w (%s)", key, err, out)
	}
	return nil
}

func (b *defaultsBackend) Delete(key string) error {
	if _, ok, err := b.GetString(key); err != nil || !ok {
		return err
	}
	if out, err := b.run("delete", b.domain, key); err != nil {
		return fmt.Errorf("deleting %s: %w (%s)", key, err, out)
	}
	return nil
}
