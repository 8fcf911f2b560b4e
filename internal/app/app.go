package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/fanout"
	"chatrelay/internal/ingest"
	"chatrelay/internal/maintenance"
	"chatrelay/internal/mirror"
	"chatrelay/internal/observability/pprof"
	"chatrelay/internal/runtime/supervisor"
	"chatrelay/internal/server"
	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// App wires the relay together and owns its lifecycle.
type App struct {
	cfgm *config.ConfigManager
	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	reg    *fanout.Registry
	hub    *fanout.Hub
	gw     *ingest.Gateway
	srv    *server.Server
	maint  *maintenance.Service
	mirror *mirror.NATSSink
	pprof  *pprof.Service

	srvCfg          server.Config
	shutdownTimeout time.Duration

	sup      *supervisor.Supervisor
	ln       net.Listener
	stopOnce sync.Once
	stopErr  error
}

// NewApp loads the config (an empty path means defaults plus environment)
// and builds every component. Nothing is started.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	srvCfg, shutdownTimeout, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	hubOpts, err := mapHubOptions(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	var sink *mirror.NATSSink
	if mc, ok := mapMirrorConfig(cfg); ok {
		// The mirror is best effort; the relay runs without it.
		sink, err = mirror.Dial(mc, root)
		if err != nil {
			log.Warn("mirror disabled", logx.Err(err))
		} else {
			hubOpts = append(hubOpts, fanout.WithSink(sink))
		}
	}

	reg := fanout.NewRegistry(cfg.Relay.SendBuffer)
	hub := fanout.NewHub(reg, root.With(logx.String("comp", "fanout")), hubOpts...)
	gw := ingest.New(store, hub, root.With(logx.String("comp", "ingest")))
	srv := server.New(srvCfg, gw, reg, root.With(logx.String("comp", "server")))

	a := &App{
		cfgm:            cfgm,
		log:             log,
		logs:            logSvc,
		store:           store,
		reg:             reg,
		hub:             hub,
		gw:              gw,
		srv:             srv,
		mirror:          sink,
		srvCfg:          srvCfg,
		shutdownTimeout: shutdownTimeout,
	}
	if pc, ok := mapPprofConfig(cfg); ok {
		p, err := pprof.New(pc, root)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.pprof = p
	}
	if mt, ok := store.(storage.Maintainer); ok {
		if mc := mapMaintenanceConfig(cfg); mc.Schedule != "" {
			a.maint = maintenance.New(mc, mt, root)
		}
	}
	return a, nil
}

func (a *App) Gateway() *ingest.Gateway { return a.gw }

// Close releases resources of an App that was never started.
func (a *App) Close() error {
	return errors.Join(a.mirror.Close(), a.store.Close())
}

// Addr is the bound listen address once Start has returned.
func (a *App) Addr() string {
	if a.ln != nil {
		return a.ln.Addr().String()
	}
	return a.srvCfg.Addr
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	lastID, err := a.store.LastID(ctx)
	if err != nil {
		return fmt.Errorf("read last message id: %w", err)
	}
	a.hub.Prime(lastID)

	ln, err := net.Listen("tcp", a.srvCfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.srvCfg.Addr, err)
	}
	a.ln = ln

	if a.pprof != nil {
		if err := a.pprof.Listen(); err != nil {
			_ = ln.Close()
			a.ln = nil
			return fmt.Errorf("pprof listen: %w", err)
		}
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sup.Go("http", func(context.Context) error { return a.srv.Serve(ln) })
	if a.pprof != nil {
		a.sup.Go("pprof", a.pprof.Serve)
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	if a.maint != nil {
		if err := a.maint.Start(a.sup.Context()); err != nil {
			a.log.Warn("maintenance not scheduled", logx.Err(err))
		}
	}

	a.sup.Go0("systemd.watchdog", a.watchdog)
	a.sdNotify(daemon.SdNotifyReady)

	a.log.Info("relay started",
		logx.String("addr", ln.Addr().String()),
		logx.Int64("last_id", lastID),
		logx.Bool("mirror", a.mirror != nil),
	)
	return nil
}

// reloadLoop applies logging changes live and reports the rest.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.log.Info("config changed", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
			a.logs.Apply(mapLogConfig(newCfg))
			if pending := config.NeedsRestart(sections); len(pending) > 0 {
				a.log.Warn("restart required for changes to take effect", logx.Strings("sections", pending))
			}
		}
	}
}

// Stop drains connections and releases every resource. It is safe to call
// more than once.
func (a *App) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { a.stopErr = a.stop(ctx) })
	return a.stopErr
}

func (a *App) stop(ctx context.Context) error {
	a.sdNotify(daemon.SdNotifyStopping)
	ctx, cancel := context.WithTimeout(ctx, a.shutdownTimeout)
	defer cancel()

	var errs []error
	if a.ln != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}
	if a.pprof != nil && a.sup != nil {
		if err := a.pprof.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pprof shutdown: %w", err))
		}
	}
	a.hub.Close()
	if a.maint != nil {
		a.maint.Stop()
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("supervisor: %w", err))
		}
	}
	if err := a.mirror.Close(); err != nil {
		errs = append(errs, fmt.Errorf("mirror: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	a.log.Info("relay stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
