// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	dtxdb "dtrex.org/xchbridge/client/db"
	"go.etcd.io/bbolt"
)

// Bolt works on []byte keys and values. These are the bucket and key
// encodings in use.
var (
	appBucket        = []byte("app")
	sessionsBucket   = []byte("sessions")
	sessionIdxBucket = []byte("sessionIdx")
	walletInfoKey    = []byte("walletInfo")
)

// BoltDB is a bbolt-based database backend for the bridge client. BoltDB
// satisfies the db.Store interface defined at
// dtrex.org/xchbridge/client/db.
type BoltDB struct {
	*bbolt.DB
}

// Check that BoltDB satisfies the db.Store interface.
var _ dtxdb.Store = (*BoltDB)(nil)

// NewDB is a constructor for a *BoltDB.
func NewDB(dbPath string) (*BoltDB, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	bdb := &BoltDB{
		DB: db,
	}

	return bdb, bdb.makeTopLevelBuckets([][]byte{appBucket, sessionsBucket,
		sessionIdxBucket})
}

// makeTopLevelBuckets creates a top-level bucket for each provided key, if
// the bucket doesn't already exist.
func (db *BoltDB) makeTopLevelBuckets(buckets [][]byte) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range buckets {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Run waits for context cancellation and closes the database.
func (db *BoltDB) Run(ctx context.Context) {
	<-ctx.Done()
	if err := db.Close(); err != nil {
		log.Errorf("error closing database: %v", err)
	}
}

// SetWalletInfo caches the WalletInfo under the fixed key, replacing any
// previous record.
func (db *BoltDB) SetWalletInfo(wi *dtxdb.WalletInfo) error {
	if wi.Fingerprint == "" {
		return fmt.Errorf("cannot cache wallet info with empty fingerprint")
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(appBucket).Put(walletInfoKey, wi.Encode())
	})
}

// WalletInfo fetches the cached WalletInfo.
func (db *BoltDB) WalletInfo() (*dtxdb.WalletInfo, error) {
	var wi *dtxdb.WalletInfo
	return wi, db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(appBucket).Get(walletInfoKey)
		if b == nil {
			return dtxdb.ErrNoWalletInfo
		}
		var err error
		wi, err = dtxdb.DecodeWalletInfo(b)
		return err
	})
}

// ClearWalletInfo removes the cached WalletInfo.
func (db *BoltDB) ClearWalletInfo() error {
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(appBucket).Delete(walletInfoKey)
	})
}

// SaveSession stores a session record under its topic. Records are kept in
// insertion order so that the last session returned from Sessions is the
// most recently established one.
func (db *BoltDB) SaveSession(topic string, raw []byte) error {
	if topic == "" {
		return fmt.Errorf("cannot save session with empty topic")
	}
	return db.Update(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(sessionsBucket)
		idx := tx.Bucket(sessionIdxBucket)
		// Re-saving an existing topic updates the record in place, keeping
		// its position.
		seqKey := idx.Get([]byte(topic))
		if seqKey == nil {
			seq, err := sessions.NextSequence()
			if err != nil {
				return err
			}
			seqKey = make([]byte, 8)
			binary.BigEndian.PutUint64(seqKey, seq)
			if err := idx.Put([]byte(topic), seqKey); err != nil {
				return err
			}
		}
		return sessions.Put(seqKey, raw)
	})
}

// Sessions returns all stored session records in insertion order.
func (db *BoltDB) Sessions() ([][]byte, error) {
	var raws [][]byte
	return raws, db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(sessionsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			raw := make([]byte, len(v))
			copy(raw, v)
			raws = append(raws, raw)
		}
		return nil
	})
}

// DeleteSession removes the session record for the topic. Deleting an
// unknown topic is not an error.
func (db *BoltDB) DeleteSession(topic string) error {
	return db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(sessionIdxBucket)
		seqKey := idx.Get([]byte(topic))
		if seqKey == nil {
			return nil
		}
		if err := idx.Delete([]byte(topic)); err != nil {
			return err
		}
		return tx.Bucket(sessionsBucket).Delete(seqKey)
	})
}
