// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package db implements persistent storage of resolved provider-change
// decisions. Pending requests are never stored; only terminal outcomes,
// including synthesized timeout denials, land here.
package db

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/provgate/provgate/prov"
	"github.com/provgate/provgate/prov/confmsg"
	"go.etcd.io/bbolt"
)

// Bolt works on []byte keys and values.
var (
	appBucket       = []byte("app")
	decisionsBucket = []byte("decisions")
	versionKey      = []byte("version")
)

// DBVersion is the current database version.
const DBVersion = 1

// ErrUnknownVersion is returned when opening a database written by a
// different version of this package.
const ErrUnknownVersion = prov.ErrorKind("unknown database version")

// Decision is one resolved provider-change confirmation.
type Decision struct {
	// ID is the storage key: big-endian millisecond stamp plus a random
	// suffix, so iteration order is chronological.
	ID prov.Bytes `json:"id"`
	// Stamp is the resolution time, a UNIX timestamp in milliseconds.
	Stamp uint64 `json:"stamp"`
	// Origin is the requesting context's full URL.
	Origin string `json:"origin"`
	// Host is the hostname that was displayed to the user, possibly empty.
	Host string `json:"host"`
	// Kind classifies the requested network.
	Kind confmsg.Kind `json:"kind"`
	// Network is a short description of the requested network.
	Network string `json:"network"`
	// Approved is whether the user approved the change.
	Approved bool `json:"approved"`
	// TimedOut is set on synthesized denials.
	TimedOut bool `json:"timedOut,omitempty"`
}

// NewDecision creates a stamped Decision with a fresh ID.
func NewDecision(origin, host string, kind confmsg.Kind, network string, approved bool) *Decision {
	stamp := uint64(time.Now().UnixMilli())
	id := make(prov.Bytes, 12)
	binary.BigEndian.PutUint64(id[:8], stamp)
	copy(id[8:], prov.RandomBytes(4))
	return &Decision{
		ID:       id,
		Stamp:    stamp,
		Origin:   origin,
		Host:     host,
		Kind:     kind,
		Network:  network,
		Approved: approved,
	}
}

// NewTimeoutDecision creates a stamped Decision for a flow that expired
// without a user action.
func NewTimeoutDecision(origin string, kind confmsg.Kind, network string) *Decision {
	d := NewDecision(origin, "", kind, network, false)
	d.TimedOut = true
	return d
}

// BoltDB is a bbolt-backed decision history.
type BoltDB struct {
	*bbolt.DB
	log prov.Logger
}

// NewDB creates or opens the database at the given path and ensures it is at
// the current version.
func NewDB(dbPath string, logger prov.Logger) (*BoltDB, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	bdb := &BoltDB{
		DB:  db,
		log: logger,
	}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		app, err := tx.CreateBucketIfNotExists(appBucket)
		if err != nil {
			return fmt.Errorf("error creating app bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(decisionsBucket); err != nil {
			return fmt.Errorf("error creating decisions bucket: %w", err)
		}
		verB := app.Get(versionKey)
		if verB == nil {
			return app.Put(versionKey, []byte{DBVersion})
		}
		if len(verB) != 1 || verB[0] != DBVersion {
			return prov.NewError(ErrUnknownVersion, fmt.Sprintf("%x", verB))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return bdb, nil
}

// SaveDecision stores the decision.
func (db *BoltDB) SaveDecision(d *Decision) error {
	if len(d.ID) == 0 {
		return fmt.Errorf("cannot save a decision with no ID")
	}
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(decisionsBucket).Put(d.ID, b)
	})
}

// Decisions retrieves the n most recent decisions, newest first. n <= 0
// retrieves all.
func (db *BoltDB) Decisions(n int) ([]*Decision, error) {
	var decisions []*Decision
	err := db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(decisionsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if n > 0 && len(decisions) >= n {
				break
			}
			d := new(Decision)
			if err := json.Unmarshal(v, d); err != nil {
				db.log.Errorf("skipping undecodable decision record %x: %v", k, err)
				continue
			}
			decisions = append(decisions, d)
		}
		return nil
	})
	return decisions, err
}
