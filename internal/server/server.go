package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"chatrelay/internal/fanout"
	"chatrelay/internal/ingest"
	logx "chatrelay/pkg/logx"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

const (
	defaultRequestTimeout = 5 * time.Second
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxFrameBytes  = 64 << 10
)

type Config struct {
	Addr           string
	RequestTimeout time.Duration
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxFrameBytes  int64
	StaticDir      string
	AllowOrigins   string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":3001"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = defaultMaxFrameBytes
	}
	if c.AllowOrigins == "" {
		c.AllowOrigins = "*"
	}
	return c
}

type Server struct {
	cfg Config
	gw  *ingest.Gateway
	reg *fanout.Registry
	log logx.Logger
	app *fiber.App

	conns sync.WaitGroup

	mu      sync.Mutex
	ln      net.Listener
	closing bool
}

func New(cfg Config, gw *ingest.Gateway, reg *fanout.Registry, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg: cfg.withDefaults(),
		gw:  gw,
		reg: reg,
		log: log,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "chatrelay",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	s.routes()
	return s
}

// App exposes the fiber app, mainly for app.Test in tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) routes() {
	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{AllowOrigins: s.cfg.AllowOrigins}))
	s.app.Use(requestLogger(s.log))

	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/messages", s.handleHistory)
	s.app.Post("/messages", s.handleSubmit)

	s.app.Use("/ws", requireUpgrade)
	s.app.Get("/ws", s.wsHandler())

	if s.cfg.StaticDir != "" {
		s.app.Static("/", s.cfg.StaticDir)
	}
}

// Serve accepts connections on ln until Shutdown. A listener closed by
// Shutdown is a clean exit, including one closed before Serve was reached.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("listening", logx.String("addr", ln.Addr().String()))
	err := s.app.Listener(ln)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Addr is the bound address, or the configured one before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Shutdown closes every channel connection, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	n := s.reg.DisconnectAll()
	if n > 0 {
		s.log.Info("closing channel connections", logx.Int("clients", n))
	}
	err := s.app.ShutdownWithContext(ctx)
	// fasthttp ignores Shutdown until Serve has registered the listener.
	s.mu.Lock()
	s.closing = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Unlock()
	// catch upgrades that raced the first pass
	s.reg.DisconnectAll()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "internal"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}

func requestLogger(log logx.Logger) fiber.Handler {
	log = log.With(logx.String("comp", "http"))
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			}
		}
		log.Debug("request",
			logx.String("method", c.Method()),
			logx.String("path", c.Path()),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
		)
		return err
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "clients": s.reg.Len()})
}
