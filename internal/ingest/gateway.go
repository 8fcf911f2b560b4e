package ingest

import (
	"context"
	"errors"
	"fmt"

	"chatrelay/internal/fanout"
	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"

	"github.com/go-playground/validator/v10"
)

// Submission is what a client sends on either intake path.
type Submission struct {
	Username string `json:"username"`
	Content  string `json:"content"`
	Color    string `json:"color"`
}

// Publisher is the part of the fanout the gateway needs.
type Publisher interface {
	Publish(msg storage.Message)
}

var _ Publisher = (*fanout.Hub)(nil)

type Option func(*Gateway)

func WithIdentityResolver(r IdentityResolver) Option {
	return func(g *Gateway) {
		if r != nil {
			g.ident = r
		}
	}
}

// Gateway is the single entry point for new messages. It holds no locks;
// the store orders concurrent submissions.
type Gateway struct {
	store    storage.Store
	pub      Publisher
	ident    IdentityResolver
	validate *validator.Validate
	log      logx.Logger
}

func New(store storage.Store, pub Publisher, log logx.Logger, opts ...Option) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Gateway{
		store:    store,
		pub:      pub,
		ident:    TrustClaimed{},
		validate: validator.New(),
		log:      log,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Submit validates, persists and broadcasts one message. The returned
// record is exactly what every connected client receives.
func (g *Gateway) Submit(ctx context.Context, s Submission) (storage.Message, error) {
	name, err := g.ident.Resolve(ctx, s.Username)
	if err != nil {
		return storage.Message{}, fmt.Errorf("resolve identity: %w", err)
	}
	c := storage.Candidate{SenderName: name, Content: s.Content, DisplayColor: s.Color}.Normalize()
	if err := g.check(c); err != nil {
		return storage.Message{}, err
	}

	msg, err := g.store.Append(ctx, c)
	if err != nil {
		return storage.Message{}, err
	}
	g.log.Debug("message accepted", logx.Int64("id", msg.ID), logx.String("user", msg.SenderName))
	if g.pub != nil {
		g.pub.Publish(msg)
	}
	return msg, nil
}

// History returns every stored message in id order. An empty store yields
// an empty, non-nil slice.
func (g *Gateway) History(ctx context.Context) ([]storage.Message, error) {
	list, err := g.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []storage.Message{}
	}
	return list, nil
}

func (g *Gateway) check(c storage.Candidate) error {
	err := g.validate.Struct(c)
	if err == nil {
		return nil
	}
	var fes validator.ValidationErrors
	if !errors.As(err, &fes) || len(fes) == 0 {
		return fmt.Errorf("validate submission: %w", err)
	}
	// Report content first so an empty body reads the same as at the store.
	for _, fe := range fes {
		if fe.StructField() == "Content" {
			return fieldError(fe)
		}
	}
	return fieldError(fes[0])
}

func fieldError(fe validator.FieldError) *storage.ValidationError {
	switch fe.StructField() {
	case "Content":
		return &storage.ValidationError{Field: "content", Message: "content required"}
	case "SenderName":
		if fe.Tag() == "max" {
			return &storage.ValidationError{Field: "username", Message: "username too long"}
		}
		return &storage.ValidationError{Field: "username", Message: "username required"}
	case "DisplayColor":
		return &storage.ValidationError{Field: "color", Message: "color too long"}
	}
	return &storage.ValidationError{Field: fe.Field(), Message: fe.Error()}
}
