package config

import (
	"errors"
	"fmt"
	"strings"

	"chatrelay/internal/storage"

	"github.com/robfig/cron/v3"
)

// CronParser accepts standard 5-field specs plus descriptors like "@daily".
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	check("server.request_timeout", cfg.Server.RequestTimeout)
	check("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	check("relay.write_wait", cfg.Relay.WriteWait)
	check("relay.pong_wait", cfg.Relay.PongWait)
	check("relay.reorder_window", cfg.Relay.ReorderWindow)
	check("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if cfg.Relay.SendBuffer < 0 {
		errs = append(errs, errors.New("relay.send_buffer must be >= 0"))
	}
	if cfg.Relay.MaxFrameBytes < 0 {
		errs = append(errs, errors.New("relay.max_frame_bytes must be >= 0"))
	}
	if cfg.Storage.MaxOpenConns < 0 {
		errs = append(errs, errors.New("storage.max_open_conns must be >= 0"))
	}
	if !storage.KnownDriver(cfg.Storage.Driver) {
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if spec := strings.TrimSpace(cfg.Storage.Maintenance); spec != "" {
		if _, err := CronParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("storage.maintenance: %w", err))
		}
	}
	if cfg.Logging.Level != "" && !knownLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	return errors.Join(errs...)
}

func knownLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
