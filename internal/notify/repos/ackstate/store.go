// Package ackstate persists which serial each secondary last acknowledged.
// The data is informational: it survives restarts for operator visibility
// and startup logging, but the notify state machine never consults it.
package ackstate

import (
	"encoding/binary"
	"time"

	bbolt "go.etcd.io/bbolt"
)

var bucketAcks = []byte("acks")

// Store records notify acknowledgements in a Bolt database.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) a Bolt database at path and ensures the ack
// bucket exists.
func New(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAcks)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// key layout: "<zone>|<target>". Zone apexes never contain '|'.
func ackKey(zone, target string) []byte {
	return []byte(zone + "|" + target)
}

// RecordAck stores the serial a target just acknowledged, with the
// acknowledgement time.
func (s *Store) RecordAck(zone, target string, serial uint32) error {
	val := make([]byte, 12)
	binary.BigEndian.PutUint32(val[0:4], serial)
	binary.BigEndian.PutUint64(val[4:12], uint64(time.Now().Unix()))
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAcks).Put(ackKey(zone, target), val)
	})
}

// LastAck returns the most recently acknowledged serial for a target and
// when it was recorded. found is false if the pair was never seen.
func (s *Store) LastAck(zone, target string) (serial uint32, at time.Time, found bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketAcks).Get(ackKey(zone, target))
		if len(v) != 12 {
			return nil
		}
		serial = binary.BigEndian.Uint32(v[0:4])
		at = time.Unix(int64(binary.BigEndian.Uint64(v[4:12])), 0)
		found = true
		return nil
	})
	return serial, at, found, err
}

// Count returns the number of recorded (zone, target) acknowledgements.
func (s *Store) Count() int {
	var n int
	_ = s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketAcks).Stats().KeyN
		return nil
	})
	return n
}
