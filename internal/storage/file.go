package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "chatrelay/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Records are appended to <prefix>.messages.jsonl (one JSON object per line)
// and fsynced before Append returns. The file is replayed on open, so the
// in-memory copy always mirrors what is on disk.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	f      *os.File
	msgs   []Message
	lastID int64
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	journal := filepath.Join(dir, base+".messages.jsonl")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	msgs, err := replayMessages(journal, log)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(journal, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	st := &fileStore{log: log, f: f, msgs: msgs}
	if n := len(msgs); n > 0 {
		st.lastID = msgs[n-1].ID
	}
	log.Debug("file store opened", logx.String("path", journal), logx.Int("records", len(msgs)))
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) Append(ctx context.Context, c Candidate) (Message, error) {
	c = c.Normalize()
	if err := c.Check(); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, storageErr("append", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return Message{}, storageErr("append", ErrClosed)
	}

	m := Message{
		ID:           s.lastID + 1,
		SenderName:   c.SenderName,
		Content:      c.Content,
		DisplayColor: c.DisplayColor,
		CreatedAt:    now(),
	}
	b, err := json.Marshal(m)
	if err != nil {
		return Message{}, storageErr("append", err)
	}
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		return Message{}, storageErr("append", err)
	}
	if err := s.f.Sync(); err != nil {
		return Message{}, storageErr("append", err)
	}
	s.lastID = m.ID
	s.msgs = append(s.msgs, m)
	return m, nil
}

func (s *fileStore) List(ctx context.Context) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, storageErr("list", ErrClosed)
	}
	return append(make([]Message, 0, len(s.msgs)), s.msgs...), nil
}

func (s *fileStore) LastID(ctx context.Context) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID, nil
}

func (s *fileStore) Maintain(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	return storageErr("maintain", s.f.Sync())
}

// replayMessages loads the journal. A torn final line (crash mid-write) is
// skipped; anything out of order is a corrupt journal.
func replayMessages(path string, log logx.Logger) ([]Message, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		out  []Message
		last int64
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		var m Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			log.Warn("skipping unreadable journal line", logx.Int("line", line), logx.Err(err))
			continue
		}
		if m.ID <= last {
			return nil, fmt.Errorf("journal %s line %d: id %d after %d", path, line, m.ID, last)
		}
		last = m.ID
		out = append(out, m)
	}
	return out, sc.Err()
}
