package app

import (
	"strings"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/fanout"
	"chatrelay/internal/maintenance"
	"chatrelay/internal/mirror"
	"chatrelay/internal/observability/pprof"
	"chatrelay/internal/server"
	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"
)

const defaultShutdownTimeout = 10 * time.Second

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		BusyTimeout:  busy,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapServerConfig(cfg *config.Config) (server.Config, time.Duration, error) {
	reqTimeout, err := config.ParseDurationField("server.request_timeout", cfg.Server.RequestTimeout)
	if err != nil {
		return server.Config{}, 0, err
	}
	shutdown, err := config.ParseDurationOrDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil {
		return server.Config{}, 0, err
	}
	writeWait, err := config.ParseDurationField("relay.write_wait", cfg.Relay.WriteWait)
	if err != nil {
		return server.Config{}, 0, err
	}
	pongWait, err := config.ParseDurationField("relay.pong_wait", cfg.Relay.PongWait)
	if err != nil {
		return server.Config{}, 0, err
	}
	return server.Config{
		Addr:           strings.TrimSpace(cfg.Server.Addr),
		RequestTimeout: reqTimeout,
		WriteWait:      writeWait,
		PongWait:       pongWait,
		MaxFrameBytes:  cfg.Relay.MaxFrameBytes,
		StaticDir:      strings.TrimSpace(cfg.Server.StaticDir),
		AllowOrigins:   strings.TrimSpace(cfg.Server.AllowOrigins),
	}, shutdown, nil
}

func mapHubOptions(cfg *config.Config) ([]fanout.Option, error) {
	window, err := config.ParseDurationField("relay.reorder_window", cfg.Relay.ReorderWindow)
	if err != nil {
		return nil, err
	}
	return []fanout.Option{fanout.WithReorderWindow(window)}, nil
}

func mapMaintenanceConfig(cfg *config.Config) maintenance.Config {
	return maintenance.Config{Schedule: strings.TrimSpace(cfg.Storage.Maintenance)}
}

func mapMirrorConfig(cfg *config.Config) (mirror.Config, bool) {
	if !cfg.Mirror.Enabled {
		return mirror.Config{}, false
	}
	return mirror.Config{URL: cfg.Mirror.NATSURL, Subject: cfg.Mirror.Subject}, true
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, bool) {
	if !cfg.Pprof.Enabled {
		return pprof.Config{}, false
	}
	return pprof.Config{
		Addr:          cfg.Pprof.Addr,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}, true
}
