package storage

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu     sync.Mutex
	msgs   []Message
	closed bool
}

// NewMemory returns a process-local store.
func NewMemory() Store { return &memoryStore{} }

func (s *memoryStore) Append(ctx context.Context, c Candidate) (Message, error) {
	c = c.Normalize()
	if err := c.Check(); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, storageErr("append", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Message{}, storageErr("append", ErrClosed)
	}
	m := Message{
		ID:           int64(len(s.msgs)) + 1,
		SenderName:   c.SenderName,
		Content:      c.Content,
		DisplayColor: c.DisplayColor,
		CreatedAt:    now(),
	}
	s.msgs = append(s.msgs, m)
	return m, nil
}

func (s *memoryStore) List(ctx context.Context) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storageErr("list", ErrClosed)
	}
	return append(make([]Message, 0, len(s.msgs)), s.msgs...), nil
}

func (s *memoryStore) LastID(ctx context.Context) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.msgs)), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
