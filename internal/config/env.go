package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envOverrides are the environment variables that win over the file.
type envOverrides struct {
	Port          string `envconfig:"PORT"`
	Addr          string `envconfig:"RELAY_ADDR"`
	StorageDriver string `envconfig:"RELAY_STORAGE_DRIVER"`
	StoragePath   string `envconfig:"RELAY_STORAGE_PATH"`
	LogLevel      string `envconfig:"RELAY_LOG_LEVEL"`
	NATSURL       string `envconfig:"RELAY_NATS_URL"`
}

// LoadDotEnv loads variables from the given .env files (default ".env")
// without overriding the real environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overlays environment overrides onto cfg. RELAY_ADDR beats PORT.
func ApplyEnv(cfg *Config) error {
	var ov envOverrides
	if err := envconfig.Process("", &ov); err != nil {
		return err
	}
	if p := strings.TrimSpace(ov.Port); p != "" {
		cfg.Server.Addr = ":" + strings.TrimPrefix(p, ":")
	}
	if a := strings.TrimSpace(ov.Addr); a != "" {
		cfg.Server.Addr = a
	}
	if ov.StorageDriver != "" {
		cfg.Storage.Driver = ov.StorageDriver
	}
	if ov.StoragePath != "" {
		cfg.Storage.Path = ov.StoragePath
	}
	if ov.LogLevel != "" {
		cfg.Logging.Level = ov.LogLevel
	}
	if ov.NATSURL != "" {
		cfg.Mirror.NATSURL = ov.NATSURL
		cfg.Mirror.Enabled = true
	}
	return nil
}
