// Package pprof serves runtime profiles on a separate, normally loopback,
// listener.
package pprof

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	logx "chatrelay/pkg/logx"

	"github.com/gofiber/fiber/v2"
	fpprof "github.com/gofiber/fiber/v2/middleware/pprof"
)

const DefaultAddr = "127.0.0.1:6060"

var ErrInsecureBind = errors.New("pprof refused to start: non-loopback addr requires token or allow_insecure")

type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
}

type Service struct {
	cfg Config
	log logx.Logger
	app *fiber.App

	mu sync.Mutex
	ln net.Listener
}

// New checks the bind rules and builds the handler. Profiles are under
// /debug/pprof/.
func New(cfg Config, log logx.Logger) (*Service, error) {
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	log = log.With(logx.String("comp", "pprof"))

	if cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		if !cfg.AllowInsecure {
			return nil, ErrInsecureBind
		}
		log.Warn("pprof running without token on non-loopback addr (insecure)", logx.String("addr", cfg.Addr))
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	if cfg.Token != "" {
		app.Use(requireToken(cfg.Token))
	}
	app.Use(fpprof.New())
	return &Service{cfg: cfg, log: log, app: app}, nil
}

// App exposes the fiber app for tests.
func (s *Service) App() *fiber.App { return s.app }

// Listen binds the configured address.
func (s *Service) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Serve blocks until Shutdown. Listen must have succeeded.
func (s *Service) Serve(context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("pprof: not listening")
	}
	s.log.Info("pprof started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	return s.app.Listener(ln)
}

func (s *Service) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
func requireToken(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if got := c.Query("token"); got != "" {
			if got == token {
				return c.Next()
			}
			return unauthorized(c)
		}
		const p = "Bearer "
		if ah := c.Get(fiber.HeaderAuthorization); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == token {
			return c.Next()
		}
		return unauthorized(c)
	}
}

func unauthorized(c *fiber.Ctx) error {
	c.Set(fiber.HeaderWWWAuthenticate, "Bearer")
	return c.Status(fiber.StatusUnauthorized).SendString("unauthorized")
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
