// Package store persists published official units to BoltDB. It is a
// consumer of the publication boundary: writes happen after a snapshot
// is already committed in memory, and a store failure never rolls a
// publish back.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/Luisd07/SuperNats-28-Points-Tracker/pkg/official"
)

var (
	ErrNotFound = errors.New("store: no result at that key")
)

var (
	// session\x00version -> snapshot JSON
	bucketResults = []byte("results")
	// session\x00version -> points entries JSON
	bucketPoints = []byte("points")
	// session -> latest version (big-endian uint32)
	bucketMeta = []byte("meta")
)

// Store is a bolt-backed archive of published official units, keyed by
// (session, version). Saves are idempotent: re-delivering a unit that
// is already present is a no-op, so the publisher may retry freely.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the bolt file at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketResults, bucketPoints, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// resultKey builds the composite (session, version) key. Session keys
// may contain any byte but NUL, which the feed never produces.
func resultKey(session string, version uint32) []byte {
	key := make([]byte, 0, len(session)+5)
	key = append(key, session...)
	key = append(key, 0)
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], version)
	return append(key, v[:]...)
}

// SaveUnit upserts one published unit. Idempotent per (session,
// version): a key that already exists is left untouched.
func (s *Store) SaveUnit(u official.Unit) error {
	snapRaw, err := json.Marshal(u.Snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	ptsRaw, err := json.Marshal(u.Points)
	if err != nil {
		return fmt.Errorf("store: marshal points: %w", err)
	}

	key := resultKey(u.Session, u.Version)
	err = s.db.Update(func(tx *bolt.Tx) error {
		results := tx.Bucket(bucketResults)
		if results.Get(key) != nil {
			// already delivered; publication retries are expected
			return nil
		}
		if err := results.Put(key, snapRaw); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPoints).Put(key, ptsRaw); err != nil {
			return err
		}

		meta := tx.Bucket(bucketMeta)
		var latest [4]byte
		if cur := meta.Get([]byte(u.Session)); cur != nil {
			if binary.BigEndian.Uint32(cur) >= u.Version {
				return nil
			}
		}
		binary.BigEndian.PutUint32(latest[:], u.Version)
		return meta.Put([]byte(u.Session), latest[:])
	})
	if err != nil {
		return fmt.Errorf("store: save %s v%d: %w", u.Session, u.Version, err)
	}
	return nil
}

// GetUnit loads the unit at (session, version); version zero means the
// latest persisted one.
func (s *Store) GetUnit(session string, version uint32) (official.Unit, error) {
	var snapRaw, ptsRaw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if version == 0 {
			cur := tx.Bucket(bucketMeta).Get([]byte(session))
			if cur == nil {
				return ErrNotFound
			}
			version = binary.BigEndian.Uint32(cur)
		}
		key := resultKey(session, version)
		snapRaw = tx.Bucket(bucketResults).Get(key)
		if snapRaw == nil {
			return ErrNotFound
		}
		snapRaw = append([]byte(nil), snapRaw...)
		if raw := tx.Bucket(bucketPoints).Get(key); raw != nil {
			ptsRaw = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return official.Unit{}, err
	}

	var snap official.ResultSnapshot
	if err := json.Unmarshal(snapRaw, &snap); err != nil {
		return official.Unit{}, fmt.Errorf("store: unmarshal snapshot: %w", err)
	}
	var pts []official.PointsEntry
	if len(ptsRaw) > 0 {
		if err := json.Unmarshal(ptsRaw, &pts); err != nil {
			return official.Unit{}, fmt.Errorf("store: unmarshal points: %w", err)
		}
	}
	return official.Unit{
		Session: session,
		Version: snap.Version,
		Snap:    &snap,
		Points:  pts,
	}, nil
}

// LatestVersion returns the highest persisted version for a session,
// zero when nothing has been stored yet.
func (s *Store) LatestVersion(session string) (uint32, error) {
	var v uint32
	err := s.db.View(func(tx *bolt.Tx) error {
		if cur := tx.Bucket(bucketMeta).Get([]byte(session)); cur != nil {
			v = binary.BigEndian.Uint32(cur)
		}
		return nil
	})
	return v, err
}

// Sessions returns every session that has at least one persisted
// official result, sorted.
func (s *Store) Sessions() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Deliver implements publish.Sink.
func (s *Store) Deliver(u official.Unit) error {
	if err := s.SaveUnit(u); err != nil {
		return err
	}
	s.logger.Info("official unit persisted",
		"session", u.Session, "version", u.Version, "rows", len(u.Snap.Rows))
	return nil
}
