package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/nosana-ci/nosana-node/pkg/types"
)

var (
	// Bucket names
	bucketFlows = []byte("flows")
	bucketJobs  = []byte("jobs")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "nosana.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketFlows, bucketJobs} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutFlow writes a flow record. The write is durable when this returns.
func (s *BoltStore) PutFlow(flow *types.Flow) error {
	if flow.ID == "" {
		return fmt.Errorf("flow has no id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFlows)
		data, err := json.Marshal(flow)
		if err != nil {
			return err
		}
		return b.Put([]byte(flow.ID), data)
	})
}

// GetFlow loads a flow by id.
func (s *BoltStore) GetFlow(id string) (*types.Flow, error) {
	var flow types.Flow
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFlows)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("flow %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &flow)
	})
	if err != nil {
		return nil, err
	}
	return &flow, nil
}

// ListFlows returns all persisted flows.
func (s *BoltStore) ListFlows() ([]*types.Flow, error) {
	var flows []*types.Flow
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFlows)
		return b.ForEach(func(k, v []byte) error {
			var flow types.Flow
			if err := json.Unmarshal(v, &flow); err != nil {
				return err
			}
			flows = append(flows, &flow)
			return nil
		})
	})
	return flows, err
}

// DeleteFlow removes a flow record.
func (s *BoltStore) DeleteFlow(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFlows)
		return b.Delete([]byte(id))
	})
}

// BindJob maps a job address to a flow id. An existing binding wins: the
// stored id is returned and never replaced.
func (s *BoltStore) BindJob(jobAddr, flowID string) (string, error) {
	bound := flowID
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if existing := b.Get([]byte(jobAddr)); existing != nil {
			bound = string(existing)
			return nil
		}
		return b.Put([]byte(jobAddr), []byte(flowID))
	})
	if err != nil {
		return "", err
	}
	return bound, nil
}

// FlowForJob returns the flow id bound to a job address.
func (s *BoltStore) FlowForJob(jobAddr string) (string, error) {
	var flowID string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(jobAddr))
		if data == nil {
			return fmt.Errorf("job %s: %w", jobAddr, ErrNotFound)
		}
		flowID = string(data)
		return nil
	})
	if err != nil {
		return "", err
	}
	return flowID, nil
}
