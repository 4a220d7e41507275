// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badger implements storage.Backend on top of BadgerDB, an
// embedded, low-latency key-value store. Headers and per-session
// transactions are each stored under their own key prefix so a session's
// log can be range-scanned in index order without a secondary index.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/frolic/jazz/ids"
	"github.com/frolic/jazz/storage"
)

// Config configures an Open call.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is
	// true; required otherwise.
	Path string
	// InMemory enables in-memory mode (no disk persistence); for testing.
	InMemory bool
	// SyncWrites enables synchronous writes for durability. Default true
	// for production, false for testing.
	SyncWrites bool
	// Logger receives BadgerDB's own internal log lines. If nil, BadgerDB's
	// internal logging is disabled.
	Logger *slog.Logger
	// GCInterval is how often to run value-log garbage collection. Zero
	// disables periodic GC.
	GCInterval time.Duration
	// GCDiscardRatio is the minimum discardable-data ratio that triggers a
	// GC pass.
	GCDiscardRatio float64
}

// DefaultConfig returns sensible defaults for production use: synchronous
// writes and a 5-minute GC interval at a 50% discard ratio.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration suited to tests: in-memory, no sync
// overhead, GC disabled.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

var (
	headerPrefix = []byte("h:")
	txPrefix     = []byte("t:")
)

func headerKey(id ids.CoValueID) []byte {
	return append(append([]byte{}, headerPrefix...), []byte(id)...)
}

// txKey orders lexically by session then by a fixed-width big-endian
// index, so a prefix scan over one covalue yields transactions grouped by
// session and, within a session, in index order. The "|" separator after
// id guards against one CoValueID being a literal string-prefix of
// another (e.g. "abc" and "abcdef").
func txKey(id ids.CoValueID, session ids.SessionID, index uint64) []byte {
	k := append([]byte{}, txPrefix...)
	k = append(k, []byte(id)...)
	k = append(k, '|')
	k = append(k, []byte(session.String())...)
	k = append(k, ':')
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], index)
	return append(k, idx[:]...)
}

func covaluePrefix(id ids.CoValueID) []byte {
	k := append([]byte{}, txPrefix...)
	k = append(k, []byte(id)...)
	return append(k, '|')
}

type badgerLogger struct{ logger *slog.Logger }

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Error(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warn(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Info(fmt.Sprintf(format, args...)) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debug(fmt.Sprintf(format, args...)) }

// DB wraps a *badgerdb.DB with lifecycle management (optional GC loop) and
// implements storage.Backend.
type DB struct {
	db       *badgerdb.DB
	gcStop   chan struct{}
	gcDone   chan struct{}
	inMemory bool
}

var _ storage.Backend = (*DB)(nil)

// Open opens a BadgerDB instance per cfg and wraps it as a storage.Backend,
// starting a background GC loop if cfg.GCInterval is positive.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for a persistent database")
	}

	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("badger: create database directory %s: %w", cfg.Path, err)
		}
		opts = badgerdb.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open database: %w", err)
	}

	wrapped := &DB{db: db, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		wrapped.gcStop = make(chan struct{})
		wrapped.gcDone = make(chan struct{})
		go wrapped.runGC(cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return wrapped, nil
}

func (d *DB) runGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(d.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.gcStop:
			return
		case <-ticker.C:
			if err := d.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badgerdb.ErrNoRewrite) {
				if logger != nil {
					logger.Warn("badger value log GC error", "error", err)
				}
			}
		}
	}
}

// Close stops the GC loop, if running, and closes the underlying database.
func (d *DB) Close() error {
	if d.gcStop != nil {
		close(d.gcStop)
		<-d.gcDone
	}
	return d.db.Close()
}

// SaveHeader implements storage.Backend.
func (d *DB) SaveHeader(id ids.CoValueID, h ids.CoValueHeader) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("badger: marshal header for %s: %w", id, err)
	}
	err = d.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(headerKey(id), data)
	})
	if err != nil {
		return fmt.Errorf("badger: save header for %s: %w", id, err)
	}
	return nil
}

// LoadHeader implements storage.Backend.
func (d *DB) LoadHeader(id ids.CoValueID) (ids.CoValueHeader, bool, error) {
	var h ids.CoValueHeader
	found := false
	err := d.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(headerKey(id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &h)
		})
	})
	if err != nil {
		return ids.CoValueHeader{}, false, fmt.Errorf("badger: load header for %s: %w", id, err)
	}
	return h, found, nil
}

// AppendTransactions implements storage.Backend.
func (d *DB) AppendTransactions(id ids.CoValueID, session ids.SessionID, startingAt uint64, txs []ids.Transaction) error {
	err := d.db.Update(func(txn *badgerdb.Txn) error {
		for i, tx := range txs {
			data, err := json.Marshal(tx)
			if err != nil {
				return fmt.Errorf("marshal transaction %d: %w", tx.Index, err)
			}
			key := txKey(id, session, startingAt+uint64(i))
			if err := txn.Set(key, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger: append transactions for %s/%s: %w", id, session, err)
	}
	return nil
}

// LoadSessions implements storage.Backend.
func (d *DB) LoadSessions(id ids.CoValueID) (map[ids.SessionID][]ids.Transaction, error) {
	out := make(map[ids.SessionID][]ids.Transaction)
	prefix := covaluePrefix(id)

	err := d.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			session, err := sessionFromKey(item.Key(), prefix)
			if err != nil {
				return err
			}
			var tx ids.Transaction
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &tx)
			}); err != nil {
				return err
			}
			out[session] = append(out[session], tx)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: load sessions for %s: %w", id, err)
	}
	return out, nil
}

// sessionFromKey recovers the SessionID embedded in a transaction key of
// the form "t:<id>|<agent>/<counter>:<index>", where <index> is a fixed
// 8-byte big-endian value. The index is raw binary and can itself contain
// the ':' separator byte, so the split point is computed from the known
// index width rather than by scanning for the separator.
func sessionFromKey(key, prefix []byte) (ids.SessionID, error) {
	rest := bytes.TrimPrefix(key, prefix)
	if len(rest) < 8+1 || rest[len(rest)-8-1] != ':' {
		return ids.SessionID{}, fmt.Errorf("badger: malformed transaction key %q", key)
	}
	sessionText := rest[:len(rest)-8-1]
	var session ids.SessionID
	if err := session.UnmarshalText(sessionText); err != nil {
		return ids.SessionID{}, fmt.Errorf("badger: malformed transaction key %q: %w", key, err)
	}
	return session, nil
}
