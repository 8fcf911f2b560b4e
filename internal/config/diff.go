package config

import (
	"strings"

	logx "chatrelay/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging. Only logging applies live; the rest is reported so the
// operator knows a restart is needed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Bool("server.static_dir_set", strings.TrimSpace(newCfg.Server.StaticDir) != ""),
		)
	}
	if oldCfg.Relay != newCfg.Relay {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Int("relay.send_buffer", newCfg.Relay.SendBuffer),
			logx.String("relay.reorder_window", strings.TrimSpace(newCfg.Relay.ReorderWindow)),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.maintenance", strings.TrimSpace(newCfg.Storage.Maintenance)),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	// never log the NATS URL; it may carry credentials
	if oldCfg.Mirror != newCfg.Mirror {
		changed = append(changed, "mirror")
		attrs = append(attrs,
			logx.Bool("mirror.enabled", newCfg.Mirror.Enabled),
			logx.String("mirror.subject", newCfg.Mirror.Subject),
		)
	}
	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}
	return changed, attrs
}

// NeedsRestart reports the changed sections that do not apply live.
func NeedsRestart(changed []string) []string {
	out := make([]string, 0, len(changed))
	for _, c := range changed {
		if c != "logging" {
			out = append(out, c)
		}
	}
	return out
}
