// Package store persists controller snapshots (target temperature and mode)
// so they survive a restart.
package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sweeney/water-heater/internal/logic"
)

// Bucket holds one JSON record per heater name.
const Bucket = "water_heater"

// Record is the stored form of a snapshot.
type Record struct {
	TargetTemperature *float64  `json:"target_temperature,omitempty"`
	Mode              string    `json:"mode"`
	SavedAt           time.Time `json:"saved_at"`
}

// Store is a bbolt-backed logic.SnapshotStore.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(Bucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the snapshot stored for name, or nil, nil if there is none.
func (s *Store) Load(name string) (*logic.Snapshot, error) {
	rec, err := s.record(name)
	if err != nil || rec == nil {
		return nil, err
	}
	return &logic.Snapshot{TargetTemperature: rec.TargetTemperature, Mode: logic.Mode(rec.Mode)}, nil
}

func (s *Store) record(name string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(Bucket)).Get([]byte(name))
		if data == nil {
			return nil
		}
		rec = &Record{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	return rec, nil
}

// Save stores snap under name.
func (s *Store) Save(name string, snap logic.Snapshot) error {
	data, err := json.Marshal(Record{
		TargetTemperature: snap.TargetTemperature,
		Mode:              string(snap.Mode),
		SavedAt:           s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(Bucket)).Put([]byte(name), data)
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

// Records returns every stored record keyed by heater name.
func (s *Store) Records() (map[string]Record, error) {
	out := make(map[string]Record)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(Bucket)).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Persister is a logic.DisplayPublisher that saves a heater's snapshot
// whenever its target or mode changes.
type Persister struct {
	store *Store
	last  map[string]logic.Snapshot
}

// NewPersister creates a Persister writing to s.
func NewPersister(s *Store) *Persister {
	return &Persister{store: s, last: make(map[string]logic.Snapshot)}
}

// Publish saves the snapshot part of state if it differs from the last save.
// Failures are logged; the control loop carries on.
func (p *Persister) Publish(state logic.DisplayState) {
	snap := logic.Snapshot{TargetTemperature: state.TargetTemperature, Mode: state.Mode}
	if prev, ok := p.last[state.Name]; ok && sameSnapshot(prev, snap) {
		return
	}
	if err := p.store.Save(state.Name, snap); err != nil {
		log.Printf("store: %v", err)
		return
	}
	p.last[state.Name] = snap
}

func sameSnapshot(a, b logic.Snapshot) bool {
	if a.Mode != b.Mode {
		return false
	}
	if a.TargetTemperature == nil || b.TargetTemperature == nil {
		return a.TargetTemperature == nil && b.TargetTemperature == nil
	}
	return *a.TargetTemperature == *b.TargetTemperature
}
