// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package export

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/dissect/frame"
	"github.com/creachadair/dissect/token"
	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	framesBucket = []byte("frames")
	tokensBucket = []byte("tokens")
	tableKey     = []byte("table")
)

// A BoltWriter stores frames in a bbolt database, keyed by index. It
// implements the dissect.Writer interface.
type BoltWriter struct {
	tokens *token.Registry

	μ  sync.Mutex
	db *bolt.DB // nil after End
}

// NewBolt creates or opens the database at path for writing. Frames already
// present in the database are replaced when frames with the same index are
// written.
func NewBolt(path string, tokens *token.Registry) (*BoltWriter, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open export database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(framesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(tokensBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize export database: %w", err)
	}
	return &BoltWriter{tokens: tokens, db: db}, nil
}

func frameKey(index uint64) []byte { return binary.BigEndian.AppendUint64(nil, index) }

// Write stores frames in a single transaction.
func (b *BoltWriter) Write(frames []*frame.Frame) error {
	b.μ.Lock()
	defer b.μ.Unlock()
	if b.db == nil {
		return ErrEnded
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(framesBucket)
		for _, f := range frames {
			data, err := cbor.Marshal(NewRecord(f))
			if err != nil {
				return fmt.Errorf("encode frame %d: %w", f.Index, err)
			}
			if err := bkt.Put(frameKey(f.Index), data); err != nil {
				return fmt.Errorf("store frame %d: %w", f.Index, err)
			}
		}
		return nil
	})
}

// End stores the token table and closes the database. Calls after the first
// have no effect.
func (b *BoltWriter) End() error {
	b.μ.Lock()
	defer b.μ.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Put(tableKey, b.tokens.Encode())
	})
	err = errors.Join(err, b.db.Close())
	b.db = nil
	return err
}

// ReadBolt reads the frames and token table stored in the database at path,
// in index order.
func ReadBolt(path string) (*Capture, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("open export database: %w", err)
	}
	defer db.Close()

	var c Capture
	err = db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(framesBucket)
		if bkt == nil {
			return errors.New("missing frames bucket")
		}
		if err := bkt.ForEach(func(k, v []byte) error {
			var rec Record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode frame %x: %w", k, err)
			}
			c.Records = append(c.Records, rec)
			return nil
		}); err != nil {
			return err
		}
		if tb := tx.Bucket(tokensBucket); tb != nil {
			if data := tb.Get(tableKey); data != nil {
				tab, err := token.Decode(data)
				if err != nil {
					return err
				}
				c.Tokens = tab
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read export database: %w", err)
	}
	return &c, nil
}
