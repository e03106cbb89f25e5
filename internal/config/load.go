package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// LoadOrDefault reads the TOML config at path, applies defaults to missing
// fields, and validates the result. A missing file yields pure defaults.
func LoadOrDefault(path string, logger *slog.Logger) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Debug("config: file not found, using defaults", slog.String("path", path))
	case err != nil:
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	default:
		meta, decodeErr := toml.Decode(string(data), cfg)
		if decodeErr != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, decodeErr)
		}

		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			logger.Warn("config: unknown keys ignored",
				slog.String("path", path),
				slog.Any("keys", undecoded),
			)
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
