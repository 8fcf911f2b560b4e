package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	logx "chatrelay/pkg/logx"

	"github.com/dgraph-io/badger/v4"
)

const (
	badgerMsgPrefix = "msg:"
	badgerSeqKey    = "seq:messages"
	badgerSeqLease  = 128
)

// badgerStore keys records as "msg:{id padded to 19 digits}" so a prefix scan
// returns them in id order.
type badgerStore struct {
	db  *badger.DB
	log logx.Logger

	// mu makes id assignment and the write one step; without it a later id
	// could become visible before an earlier one.
	mu     sync.Mutex
	seq    *badger.Sequence
	closed bool
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{log: log})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte(badgerSeqKey), badgerSeqLease)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("badger store opened", logx.String("path", path), logx.Bool("in_memory", path == ""))
	return &badgerStore{db: db, log: log, seq: seq}, nil
}

func badgerKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%019d", badgerMsgPrefix, id))
}

func (s *badgerStore) Append(ctx context.Context, c Candidate) (Message, error) {
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

	n, err := s.seq.Next()
	if err != nil {
		return Message{}, storageErr("append", err)
	}
	// Sequences start at 0; ids start at 1.
	m := Message{
		ID:           int64(n) + 1,
		SenderName:   c.SenderName,
		Content:      c.Content,
		DisplayColor: c.DisplayColor,
		CreatedAt:    now(),
	}
	b, err := json.Marshal(m)
	if err != nil {
		return Message{}, storageErr("append", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(m.ID), b)
	})
	if err != nil {
		return Message{}, storageErr("append", err)
	}
	return m, nil
}

func (s *badgerStore) List(ctx context.Context) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	out := make([]Message, 0, 64)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerMsgPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var m Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list", err)
	}
	return out, nil
}

func (s *badgerStore) LastID(ctx context.Context) (int64, error) {
	_ = ctx
	var last int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the largest possible padded id, then step back.
		prefix := []byte(badgerMsgPrefix)
		it.Seek(append(append([]byte{}, prefix...), 0xFF))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(string(it.Item().Key()), badgerMsgPrefix), 10, 64)
		if err != nil {
			return err
		}
		last = id
		return nil
	})
	if err != nil {
		return 0, storageErr("last_id", err)
	}
	return last, nil
}

func (s *badgerStore) Maintain(ctx context.Context) error {
	_ = ctx
	err := s.db.RunValueLogGC(0.5)
	if err == nil || errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return storageErr("maintain", err)
}

func (s *badgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.seq.Release(); err != nil {
		s.log.Warn("badger sequence release failed", logx.Err(err))
	}
	return s.db.Close()
}

// badgerLogger routes badger's internal logging onto logx.
type badgerLogger struct{ log logx.Logger }

func (l badgerLogger) Errorf(f string, v ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(f, v...)), logx.String("comp", "badger"))
}
func (l badgerLogger) Warningf(f string, v ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(f, v...)), logx.String("comp", "badger"))
}
func (l badgerLogger) Infof(f string, v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(f, v...)), logx.String("comp", "badger"))
}
func (l badgerLogger) Debugf(f string, v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(f, v...)), logx.String("comp", "badger"))
}
