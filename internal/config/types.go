package config

// Config is the relay configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Server  ServerConfig  `json:"server"`
	Relay   RelayConfig   `json:"relay"`
	Storage StorageConfig `json:"storage"`
	Logging LoggingConfig `json:"logging"`
	Mirror  MirrorConfig  `json:"mirror,omitempty"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`
}

// ServerConfig controls the HTTP listener. Changes need a restart.
type ServerConfig struct {
	Addr            string `json:"addr"` // default ":3001"
	RequestTimeout  string `json:"request_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// StaticDir, when set, is served at "/" (e.g. a browser client).
	StaticDir string `json:"static_dir,omitempty"`
	// AllowOrigins is a fiber CORS origin list; default "*".
	AllowOrigins string `json:"allow_origins,omitempty"`
}

// RelayConfig tunes the channel connections and the fanout.
//
// Defaults (when fields are omitted/zero):
//   - send_buffer: 256
//   - write_wait: "10s"
//   - pong_wait: "60s"
//   - max_frame_bytes: 65536
//   - reorder_window: "500ms"
type RelayConfig struct {
	SendBuffer    int    `json:"send_buffer,omitempty"`
	WriteWait     string `json:"write_wait,omitempty"`
	PongWait      string `json:"pong_wait,omitempty"`
	MaxFrameBytes int64  `json:"max_frame_bytes,omitempty"`
	ReorderWindow string `json:"reorder_window,omitempty"`
}

// StorageConfig selects the message store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./chatrelay.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	// Maintenance is a cron spec for store upkeep; empty disables it.
	Maintenance string `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MirrorConfig republishes accepted messages to NATS.
type MirrorConfig struct {
	Enabled bool   `json:"enabled"`
	NATSURL string `json:"nats_url,omitempty"` // default nats://127.0.0.1:4222
	Subject string `json:"subject,omitempty"`  // default "chatrelay.messages"
}

// PprofConfig controls the optional profiling listener.
//
// Prefer a loopback addr. A non-loopback addr needs a token or an explicit
// allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":3001"},
		Storage: StorageConfig{Driver: "sqlite", Path: "./chatrelay.db"},
		Logging: LoggingConfig{Level: "info", Console: true},
	}
}
