// Package persistence implements the optional Persistence Adapter (C9): a
// durable local log of (envelope_id, agent_id, received_at, ack?), keyed
// by envelope_id, used to replay unacked envelopes into agent inboxes on
// boot. Grounded on the corpus's bbolt-backed Store (bucket-per-concern,
// Open/Close lifecycle), generalized here to three buckets — received,
// acked, and alarms — rather than spec §6.5's hand-rolled binary log
// framing: bbolt gives crash-safe durability without hand-written
// fsync/offset bookkeeping, while keeping the same logical record model.
package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketReceived = []byte("received")
	bucketAcked    = []byte("acked")
	bucketAlarms   = []byte("alarms")
)

// ReceivedRecord is what Record stores for an inbound envelope awaiting
// acknowledgement.
type ReceivedRecord struct {
	EnvelopeID string    `json:"envelope_id"`
	AgentID    string    `json:"agent_id"`
	ReceivedAt time.Time `json:"received_at"`
	Payload    string    `json:"payload"` // the wire envelope JSON, for replay
}

// Store wraps a bbolt database for durable envelope bookkeeping.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a bbolt database at path and ensures its buckets
// exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("persistence: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketReceived, bucketAcked, bucketAlarms} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persistence: create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record durably logs a received envelope before it is dispatched to an
// agent's inbox.
func (s *Store) Record(envelopeID, agentID, payload string) error {
	rec := ReceivedRecord{EnvelopeID: envelopeID, AgentID: agentID, ReceivedAt: time.Now().UTC(), Payload: payload}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persistence: marshal record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReceived).Put([]byte(envelopeID), data)
	})
}

// Ack marks envelopeID acknowledged: its record moves unchanged from
// received into acked.
func (s *Store) Ack(envelopeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		received := tx.Bucket(bucketReceived)
		data := received.Get([]byte(envelopeID))
		if data == nil {
			return nil // already acked or never recorded; ack is idempotent
		}
		if err := tx.Bucket(bucketAcked).Put([]byte(envelopeID), data); err != nil {
			return err
		}
		return received.Delete([]byte(envelopeID))
	})
}

// Unacked returns every ReceivedRecord still awaiting acknowledgement,
// for replay into agent inboxes on boot.
func (s *Store) Unacked() ([]ReceivedRecord, error) {
	var out []ReceivedRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReceived).ForEach(func(k, v []byte) error {
			var rec ReceivedRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("persistence: unmarshal %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Compact removes acked records whose receipt predates the horizon
// (e.g. time.Now().Add(-30*24*time.Hour)).
func (s *Store) Compact(horizon time.Time) (removed int, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAcked)
		var stale [][]byte
		cursorErr := b.ForEach(func(k, v []byte) error {
			var rec ReceivedRecord
			if jsonErr := json.Unmarshal(v, &rec); jsonErr != nil {
				return jsonErr
			}
			if rec.ReceivedAt.Before(horizon) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if cursorErr != nil {
			return cursorErr
		}
		for _, k := range stale {
			if delErr := b.Delete(k); delErr != nil {
				return delErr
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// AlarmRecord is a recurring alarm's re-arm state, durable across process
// restarts when PERSIST_DIR is set (see DESIGN.md's Open Questions).
// One-shot alarms (Period == 0 and CronExpr == "") are never written
// here: only the explicitly-resolved recurring case persists.
type AlarmRecord struct {
	AgentID  string        `json:"agent_id"`
	AlarmID  string        `json:"alarm_id"`
	FireAt   time.Time     `json:"fire_at"`
	Payload  string        `json:"payload"`
	Period   time.Duration `json:"period,omitempty"`
	CronExpr string        `json:"cron_expr,omitempty"`
}

// SaveAlarm upserts rec, keyed by AlarmID.
func (s *Store) SaveAlarm(rec AlarmRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("persistence: marshal alarm: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlarms).Put([]byte(rec.AlarmID), data)
	})
}

// DeleteAlarm removes alarmID, called when a persisted alarm is explicitly
// cancelled.
func (s *Store) DeleteAlarm(alarmID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlarms).Delete([]byte(alarmID))
	})
}

// LoadAlarms returns every persisted alarm, for re-scheduling on boot.
func (s *Store) LoadAlarms() ([]AlarmRecord, error) {
	var out []AlarmRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlarms).ForEach(func(k, v []byte) error {
			var rec AlarmRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("persistence: unmarshal alarm %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
