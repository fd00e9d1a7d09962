package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

func splitExt(f string) (string, string) {
	for i := len(f) - 1; i >= 0; i-- {
		if f[i] == '.' {
			return f[0:i], f[i+1:]
		}
	}
	return f, ""
}

// LocalPath returns the override file that sits next to name:
// config.json -> config.local.json.
func LocalPath(name string) string {
	prefix, ext := splitExt(filepath.Base(name))
	if ext == "" {
		return filepath.Join(filepath.Dir(name), prefix+".local")
	}
	return filepath.Join(filepath.Dir(name), fmt.Sprintf("%s.local.%s", prefix, ext))
}

// mergeFile overlays <name> and then <name>.local onto cfg. Zero values in
// a file never override what is already set. At least one of the two files
// must exist.
func mergeFile(cfg *Config, name string) error {
	found := false

	for _, path := range []string{name, LocalPath(name)} {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		found = true
		if len(data) == 0 {
			continue
		}

		var override Config
		if err := json5.Unmarshal(data, &override); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, override, mergo.WithOverride); err != nil {
			return fmt.Errorf("merge config %s: %w", path, err)
		}
		slog.Debug("merged config file", "path", path)
	}

	if !found {
		return fmt.Errorf("config file %s: %w", name, os.ErrNotExist)
	}
	return nil
}
