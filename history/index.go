/*************************************************************************
 * Copyright 2026 The ClipSync Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package history

import (
	"encoding/binary"
	"errors"
	"os"
	"time"

	"go.etcd.io/bbolt"
)

const (
	dbTimeout   = 100 * time.Millisecond
	dbOpenMode  os.FileMode = 0o600
	indexBucket             = `checksum_ts`
)

var errBucketMissing = errors.New("history: index bucket missing")

// index is a bbolt-backed side table mapping checksum -> most recent
// timestamp seen for it. It exists purely as a fast pre-check ahead of
// SQLite decrypt-and-compare, the same bucket-per-purpose shape the
// teacher's ingest cache uses for its single-bucket store.
type index struct {
	db *bbolt.DB
}

func openIndex(path string) (*index, error) {
	db, err := bbolt.Open(path, dbOpenMode, &bbolt.Options{Timeout: dbTimeout})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(indexBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &index{db: db}, nil
}

func (i *index) Close() error { return i.db.Close() }

func (i *index) put(checksum string, ts time.Time) {
	_ = i.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(indexBucket))
		if bkt == nil {
			return errBucketMissing
		}
		if old := bkt.Get([]byte(checksum)); len(old) == 8 && int64(binary.BigEndian.Uint64(old)) >= ts.Unix() {
			return nil
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(ts.Unix()))
		return bkt.Put([]byte(checksum), v[:])
	})
}

func (i *index) get(checksum string) (time.Time, bool) {
	var ts time.Time
	var found bool
	_ = i.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(indexBucket))
		if bkt == nil {
			return errBucketMissing
		}
		v := bkt.Get([]byte(checksum))
		if v == nil || len(v) != 8 {
			return nil
		}
		ts = time.Unix(int64(binary.BigEndian.Uint64(v)), 0)
		found = true
		return nil
	})
	return ts, found
}
