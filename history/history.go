/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package history is the History Store (C5): a capped, encrypted,
// locally persisted log of clipboard contents backed by SQLite, with a
// bbolt side index for cheap duplicate/checksum lookups that would
// otherwise force a decrypt of every row.
package history

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/clipsync/clipsync/internal/logging"
)

const (
	capRows = 20
)

var (
	ErrChecksumFailure = errors.New("history: checksum mismatch on decrypt")
)

// Entry is the retrieval shape: a history row plus the fields derived
// on read.
type Entry struct {
	ID          string
	Content     []byte
	ContentType string
	Timestamp   time.Time
	OriginNode  string
	Checksum    string
	ContentSize int
}

// Store owns the SQLite-backed clipboard history and its bbolt index.
type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	idx   *index
	key   [32]byte
	log   *logging.Logger
	limit int
}

// Open opens (creating if absent) the SQLite database at dbPath and the
// bbolt index at idxPath, applying the schema in schema.go.
func Open(dbPath, idxPath string, key [32]byte, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.NewDiscard()
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	idx, err := openIndex(idxPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, idx: idx, key: key, log: log, limit: capRows}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idxErr := s.idx.Close()
	dbErr := s.db.Close()
	if dbErr != nil {
		return dbErr
	}
	return idxErr
}

// Insert encrypts and stores content, enforcing the 20-row cap and
// updating the bbolt checksum index.
func (s *Store) Insert(e Entry) error {
	plain := e.Content
	checksum := sha256.Sum256(plain)
	checksumHex := hex.EncodeToString(checksum[:])
	if e.Checksum != `` && e.Checksum != checksumHex {
		return fmt.Errorf("history: supplied checksum does not match content")
	}

	compressed, body := maybeCompress(plain)
	ciphertext, iv, err := encrypt(s.key, body)
	if err != nil {
		return err
	}

	id := e.ID
	if id == `` {
		id = uuid.New().String()
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(insertRowSQL,
		id, ciphertext, e.ContentType, len(plain), checksumHex, ts.Unix(), e.OriginNode, iv, compressed, time.Now().Unix())
	if err != nil {
		return err
	}
	if _, err := tx.Exec(trimRowsSQL, s.limit); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.idx.put(checksumHex, ts)
	return nil
}

// HasChecksumNewerOrEqual reports whether the index already has an
// entry with this checksum at or after ts — the fast pre-check used by
// the sync engine's duplicate-check step, ahead of any decrypt.
func (s *Store) HasChecksumNewerOrEqual(checksum string, ts time.Time) bool {
	seen, ok := s.idx.get(checksum)
	return ok && !seen.Before(ts)
}

// Recent returns up to the cap, most-recent-first.
func (s *Store) Recent() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(selectRecentSQL, s.limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanRows(rows)
}

// Search performs a case-insensitive substring match over text/* rows,
// decrypting each candidate; acceptable O(N) given N <= 20.
func (s *Store) Search(needle string) ([]Entry, error) {
	s.mu.Lock()
	rows, err := s.db.Query(selectByTypePrefixSQL, "text/%")
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates, err := s.scanRows(rows)
	if err != nil {
		return nil, err
	}
	needle = strings.ToLower(needle)
	var out []Entry
	for _, e := range candidates {
		if strings.Contains(strings.ToLower(string(e.Content)), needle) {
			out = append(out, e)
		}
	}
	return out, nil
}

// PruneBefore removes rows older than ts, supplementing the core's
// hard 20-row cap with an explicit time-based retention knob.
func (s *Store) PruneBefore(ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(deleteBeforeSQL, ts.Unix())
	return err
}

func (s *Store) scanRows(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			id, contentType, originNode, checksum string
			ciphertext, iv                        []byte
			contentSize                           int
			ts, createdAt                         int64
			compressed                             bool
		)
		if err := rows.Scan(&id, &ciphertext, &contentType, &contentSize, &checksum, &ts, &originNode, &iv, &compressed, &createdAt); err != nil {
			return nil, err
		}
		plain, err := decrypt(s.key, ciphertext, iv)
		if err != nil {
			s.log.Error("history: row decrypt failed, skipping", logging.KV("id", id), logging.KVErr(err))
			continue
		}
		if compressed {
			plain, err = decompress(plain)
			if err != nil {
				s.log.Error("history: row decompress failed, skipping", logging.KV("id", id), logging.KVErr(err))
				continue
			}
		}
		sum := sha256.Sum256(plain)
		if hex.EncodeToString(sum[:]) != checksum {
			s.log.Error("history: checksum mismatch, skipping row", logging.KV("id", id), logging.KVErr(ErrChecksumFailure))
			continue
		}
		out = append(out, Entry{
			ID:          id,
			Content:     plain,
			ContentType: contentType,
			Timestamp:   time.Unix(ts, 0),
			OriginNode:  originNode,
			Checksum:    checksum,
			ContentSize: contentSize,
		})
	}
	return out, rows.Err()
}
