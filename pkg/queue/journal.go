package queue

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/burrowci/burrow/pkg/types"
)

var bucketJournal = []byte("jobs")

// Journal mirrors the latest persisted snapshot of every non-terminal job to
// a local bbolt file. It is a recovery aid, not a source of truth: the store
// wins whenever both have a row. Terminal transitions remove the entry.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens (or creates) the journal file at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJournal)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal bucket: %w", err)
	}

	return &Journal{db: db}, nil
}

// Append records the job's current state, replacing any previous snapshot.
// Terminal jobs are dropped instead of written.
func (j *Journal) Append(job *types.Job) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		if job.State.Terminal() {
			return b.Delete([]byte(job.ID))
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

// Remove deletes the snapshot for the given job id.
func (j *Journal) Remove(id string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJournal).Delete([]byte(id))
	})
}

// ReadAll returns every journaled job snapshot.
func (j *Journal) ReadAll() ([]*types.Job, error) {
	var jobs []*types.Job
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

// Close closes the journal file.
func (j *Journal) Close() error {
	return j.db.Close()
}
