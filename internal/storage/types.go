package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultSenderName   = "Anonymous"
	DefaultDisplayColor = "#e74c3c"
)

var ErrClosed = errors.New("store closed")

// Config configures storage.
//
// Driver values: "sqlite" (default when empty), "file", "badger", "memory".
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // sqlite only; 0 means default
}

// Message is a record the store has accepted.
type Message struct {
	ID           int64     `json:"id"`
	SenderName   string    `json:"username"`
	Content      string    `json:"content"`
	DisplayColor string    `json:"color"`
	CreatedAt    time.Time `json:"created_at"`
}

// Candidate is a message before the store has accepted it.
type Candidate struct {
	SenderName   string `validate:"required,max=100"`
	Content      string `validate:"required"`
	DisplayColor string `validate:"max=20"`
}

// Normalize fills the sender and color sentinels for omitted fields.
func (c Candidate) Normalize() Candidate {
	if c.SenderName == "" {
		c.SenderName = DefaultSenderName
	}
	if c.DisplayColor == "" {
		c.DisplayColor = DefaultDisplayColor
	}
	return c
}

// Check is the only validation the store performs.
func (c Candidate) Check() error {
	if c.Content == "" {
		return &ValidationError{Field: "content", Message: "content required"}
	}
	return nil
}

// Store is the persistence API used by the gateway and the app.
type Store interface {
	Append(ctx context.Context, c Candidate) (Message, error)
	List(ctx context.Context) ([]Message, error)
	LastID(ctx context.Context) (int64, error)
	Close() error
}

// Maintainer is implemented by stores with periodic upkeep work.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// ValidationError rejects a candidate; nothing was persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// StorageError reports a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// now is the store clock. Millisecond precision keeps every driver's
// timestamps identical after a JSON round trip.
func now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
