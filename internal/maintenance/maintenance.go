// Package maintenance runs periodic store upkeep on a cron schedule.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"

	"github.com/robfig/cron/v3"
)

const defaultTimeout = time.Minute

var ErrNoSchedule = errors.New("maintenance: empty schedule")

type Config struct {
	// Schedule is a 5-field cron spec or descriptor ("@daily", "@every 1h").
	Schedule string
	// Timeout bounds a single run; 0 means one minute.
	Timeout time.Duration
	// Location defaults to time.Local.
	Location *time.Location
}

type Service struct {
	cfg    Config
	target storage.Maintainer
	log    logx.Logger
	parser cron.Parser

	runs   atomic.Int64
	failed atomic.Int64

	mu     sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, target storage.Maintainer, log logx.Logger) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Service{
		cfg:    cfg,
		target: target,
		log:    log.With(logx.String("comp", "maintenance")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start schedules upkeep until Stop or until ctx ends.
func (s *Service) Start(ctx context.Context) error {
	spec := strings.TrimSpace(s.cfg.Schedule)
	if spec == "" {
		return ErrNoSchedule
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.cfg.Location),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	if _, err := c.AddFunc(spec, func() { _ = s.RunOnce(s.ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("maintenance schedule %q: %w", spec, err)
	}
	s.c = c
	c.Start()
	s.log.Info("maintenance scheduled", logx.String("schedule", spec))
	return nil
}

// Stop unschedules upkeep and waits for a running job.
func (s *Service) Stop() {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
}

// RunOnce runs one upkeep pass now.
func (s *Service) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	s.runs.Add(1)
	if err := s.target.Maintain(ctx); err != nil {
		s.failed.Add(1)
		s.log.Warn("maintenance failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		return err
	}
	s.log.Debug("maintenance done", logx.Duration("took", time.Since(start)))
	return nil
}

// Runs reports completed and failed passes.
func (s *Service) Runs() (total, failed int64) { return s.runs.Load(), s.failed.Load() }

// cronLogger routes cron's own messages through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}
