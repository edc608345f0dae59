package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration: defaults, overlaid with the file at path
// when given. Environment references ($VAR, ${VAR}) in the file are
// expanded before parsing. YAML is the primary format; .json/.json5 files
// are accepted for editors that prefer them.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	expanded := []byte(os.ExpandEnv(string(data)))

	raw, err := parseRaw(expanded, path)
	if err != nil {
		return cfg, err
	}
	normalizeDurations(raw)

	// The raw map round-trips through YAML so one set of struct tags
	// serves both formats.
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	return cfg, cfg.Validate()
}

func parseRaw(data []byte, path string) (map[string]any, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		return raw, nil
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		var raw map[string]any
		if err := decoder.Decode(&raw); err != nil && err != io.EOF {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("parse config: expected a single document")
		}
		return raw, nil
	}
}

// durationValue matches the strict time.ParseDuration shape ("5s",
// "1h30m", "250ms") so timeouts can be written naturally in the file.
var durationValue = regexp.MustCompile(`^(\d+(\.\d+)?(ns|us|µs|ms|s|m|h))+$`)

// normalizeDurations rewrites duration strings into nanosecond integers in
// place, the representation the typed decode accepts for time.Duration
// fields.
func normalizeDurations(raw map[string]any) {
	for key, value := range raw {
		switch v := value.(type) {
		case map[string]any:
			normalizeDurations(v)
		case string:
			if durationValue.MatchString(v) {
				if d, err := time.ParseDuration(v); err == nil {
					raw[key] = int64(d)
				}
			}
		}
	}
}
