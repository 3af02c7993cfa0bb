// Package boltstore implements storage.Repository on top of an
// embedded go.etcd.io/bbolt database, generalized from the teacher's
// bucket-per-entity, JSON-encoded-value pattern. It is the default
// backend for NetRaven's single-binary, zero-external-dependencies
// deployment mode and for fast unit tests.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/netraven/netraven/pkg/secretbox"
	"github.com/netraven/netraven/pkg/storage"
	"github.com/netraven/netraven/pkg/types"
)

var (
	bucketJobDefinitions = []byte("job_definitions")
	bucketDevices        = []byte("devices")
	bucketTags           = []byte("tags")
	bucketCredentials    = []byte("credentials")
	bucketJobRuns        = []byte("job_runs")
	bucketDeviceResults  = []byte("device_results")
	bucketJobLog         = []byte("job_log")
	bucketBlobs          = []byte("blobs")
	bucketArtifacts      = []byte("artifacts")
)

// Store implements storage.Repository using BoltDB.
type Store struct {
	db  *bolt.DB
	box *secretbox.Box
}

// Open creates or opens the BoltDB-backed repository at dataDir/netraven.db.
// encryptionKey is the symmetric key used to decrypt credential secrets
// (credentials.encryption_key).
func Open(dataDir string, encryptionKey []byte) (*Store, error) {
	box, err := secretbox.New(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("boltstore: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, "netraven.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketJobDefinitions, bucketDevices, bucketTags, bucketCredentials,
			bucketJobRuns, bucketDeviceResults, bucketJobLog, bucketBlobs, bucketArtifacts,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, box: box}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func get(tx *bolt.Tx, bucket []byte, key string, v any) (bool, error) {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

// --- Job definitions ---------------------------------------------------

func (s *Store) CreateJobDefinition(_ context.Context, def *types.JobDefinition) error {
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	def.CreatedAt = time.Now().UTC()
	def.UpdatedAt = def.CreatedAt
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketJobDefinitions, def.ID.String(), def)
	})
}

func (s *Store) UpdateJobDefinition(_ context.Context, def *types.JobDefinition) error {
	def.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketJobDefinitions, def.ID.String(), def)
	})
}

func (s *Store) GetJobDefinition(_ context.Context, id uuid.UUID) (*types.JobDefinition, error) {
	var def types.JobDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx, bucketJobDefinitions, id.String(), &def)
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *Store) ListActiveJobDefinitions(_ context.Context) ([]*types.JobDefinition, error) {
	var defs []*types.JobDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobDefinitions).ForEach(func(_, v []byte) error {
			var def types.JobDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return err
			}
			if def.Enabled {
				defs = append(defs, &def)
			}
			return nil
		})
	})
	return defs, err
}

// --- Devices & tags ------------------------------------------------------

func (s *Store) GetDevice(_ context.Context, id uuid.UUID) (*types.Device, error) {
	var d types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx, bucketDevices, id.String(), &d)
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// PutDevice is a store-management helper used by tests and the
// control surface's seed tooling; it is not part of storage.Repository.
func (s *Store) PutDevice(d *types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketDevices, d.ID.String(), d) })
}

// PutTag mirrors PutDevice for tags.
func (s *Store) PutTag(t *types.Tag) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketTags, t.ID.String(), t) })
}

// PutCredential mirrors PutDevice for credentials.
func (s *Store) PutCredential(c *types.Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketCredentials, c.ID.String(), c) })
}

func (s *Store) ResolveDevicesForTarget(_ context.Context, target types.Target) ([]*types.Device, error) {
	var out []*types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		if target.IsDevice() {
			var d types.Device
			ok, err := get(tx, bucketDevices, target.DeviceID.String(), &d)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, &d)
			}
			return nil
		}
		wanted := make(map[uuid.UUID]struct{}, len(target.TagIDs))
		for _, t := range target.TagIDs {
			wanted[t] = struct{}{}
		}
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var d types.Device
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			for _, t := range d.TagIDs {
				if _, ok := wanted[t]; ok {
					out = append(out, &d)
					return nil
				}
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) UpdateDeviceReachability(_ context.Context, id uuid.UUID, status types.ReachabilityStatus, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var d types.Device
		ok, err := get(tx, bucketDevices, id.String(), &d)
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrNotFound
		}
		d.LastReachabilityStatus = status
		d.LastUpdatedAt = at
		return put(tx, bucketDevices, id.String(), &d)
	})
}

// --- Credentials -----------------------------------------------------------

func (s *Store) ListCredentialsForDevice(ctx context.Context, deviceID uuid.UUID) ([]*types.Credential, error) {
	device, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	wanted := make(map[uuid.UUID]struct{}, len(device.TagIDs))
	for _, t := range device.TagIDs {
		wanted[t] = struct{}{}
	}
	var out []*types.Credential
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(_, v []byte) error {
			var c types.Credential
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			for _, t := range c.TagIDs {
				if _, ok := wanted[t]; ok {
					out = append(out, &c)
					return nil
				}
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) DecryptSecret(_ context.Context, ciphertext []byte) ([]byte, error) {
	return s.box.Decrypt(ciphertext)
}

func (s *Store) RecordCredentialOutcome(_ context.Context, credentialID uuid.UUID, _ *uuid.UUID, success bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var c types.Credential
		ok, err := get(tx, bucketCredentials, credentialID.String(), &c)
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrNotFound
		}
		if success {
			c.SuccessCount++
		} else {
			c.FailureCount++
		}
		c.LastUsedAt = time.Now().UTC()
		return put(tx, bucketCredentials, credentialID.String(), &c)
	})
}

// --- Job runs ----------------------------------------------------------

// CreateJobRun is atomic with the overlap guard: within a single bolt
// transaction it checks for an existing PENDING/RUNNING run for
// jobDefID before inserting the new PENDING row.
func (s *Store) CreateJobRun(_ context.Context, jobDefID uuid.UUID, restrictToDeviceIDs []uuid.UUID) (*types.JobRun, bool, error) {
	var run *types.JobRun
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		overlap, err := hasOverlap(tx, jobDefID)
		if err != nil {
			return err
		}
		if overlap {
			return nil
		}
		run = &types.JobRun{
			ID:                  uuid.New(),
			JobDefinitionID:     jobDefID,
			Status:              types.JobRunPending,
			RestrictToDeviceIDs: restrictToDeviceIDs,
		}
		created = true
		return put(tx, bucketJobRuns, run.ID.String(), run)
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		return nil, false, nil
	}
	return run, true, nil
}

func hasOverlap(tx *bolt.Tx, jobDefID uuid.UUID) (bool, error) {
	overlap := false
	err := tx.Bucket(bucketJobRuns).ForEach(func(_, v []byte) error {
		var r types.JobRun
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		if r.JobDefinitionID == jobDefID && (r.Status == types.JobRunPending || r.Status == types.JobRunRunning) {
			overlap = true
		}
		return nil
	})
	return overlap, err
}

func (s *Store) GetJobRun(_ context.Context, id uuid.UUID) (*types.JobRun, error) {
	var r types.JobRun
	err := s.db.View(func(tx *bolt.Tx) error {
		ok, err := get(tx, bucketJobRuns, id.String(), &r)
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) SetJobRunStatus(_ context.Context, id uuid.UUID, status types.JobRunStatus, completedAt *time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var r types.JobRun
		ok, err := get(tx, bucketJobRuns, id.String(), &r)
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrNotFound
		}
		if r.Status.IsTerminal() {
			return fmt.Errorf("boltstore: job run %s is already terminal (%s)", id, r.Status)
		}
		r.Status = status
		if status == types.JobRunRunning && r.StartedAt.IsZero() {
			r.StartedAt = time.Now().UTC()
		}
		if completedAt != nil {
			r.CompletedAt = *completedAt
		}
		return put(tx, bucketJobRuns, id.String(), &r)
	})
}

func (s *Store) ListPendingOrRunningJobRunsFor(_ context.Context, jobDefID uuid.UUID) ([]*types.JobRun, error) {
	var out []*types.JobRun
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobRuns).ForEach(func(_, v []byte) error {
			var r types.JobRun
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.JobDefinitionID == jobDefID && (r.Status == types.JobRunPending || r.Status == types.JobRunRunning) {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) ListRunningJobRuns(_ context.Context) ([]*types.JobRun, error) {
	var out []*types.JobRun
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobRuns).ForEach(func(_, v []byte) error {
			var r types.JobRun
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Status == types.JobRunRunning {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}

// --- Device results ------------------------------------------------------

func deviceResultKey(jobRunID, deviceID uuid.UUID) string {
	return jobRunID.String() + "/" + deviceID.String()
}

func (s *Store) UpsertDeviceResult(_ context.Context, result *types.DeviceResult) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketDeviceResults, deviceResultKey(result.JobRunID, result.DeviceID), result)
	})
}

func (s *Store) ListDeviceResultsForJobRun(_ context.Context, jobRunID uuid.UUID) ([]*types.DeviceResult, error) {
	prefix := []byte(jobRunID.String() + "/")
	var out []*types.DeviceResult
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeviceResults).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var r types.DeviceResult
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// --- Job log ---------------------------------------------------------------

func jobLogKey(jobRunID uuid.UUID, seq uint64) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return jobRunID.String() + "/" + fmt.Sprintf("%x", buf)
}

func (s *Store) AppendJobLog(_ context.Context, entry types.JobLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketJobLog, jobLogKey(entry.JobRunID, entry.Sequence), &entry)
	})
}

// ListJobLog returns every log entry for a job run in sequence order.
// Not part of storage.Repository (the dispatcher only appends); the
// control API does not call it.
func (s *Store) ListJobLog(jobRunID uuid.UUID) ([]types.JobLogEntry, error) {
	prefix := []byte(jobRunID.String() + "/")
	var out []types.JobLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobLog).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e types.JobLogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// --- Blobs & artifacts -------------------------------------------------

func (s *Store) HasBlob(_ context.Context, hash string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketBlobs).Get([]byte(hash)) != nil
		return nil
	})
	return found, err
}

// PutBlob writes the blob if absent. Concurrent writes of the same
// hash are idempotent: the bolt transaction serializes writers, and a
// writer that loses the race simply overwrites identical bytes.
func (s *Store) PutBlob(_ context.Context, hash string, data []byte) (bool, error) {
	stored := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobs)
		if b.Get([]byte(hash)) != nil {
			return nil
		}
		stored = true
		return b.Put([]byte(hash), data)
	})
	return stored, err
}

func (s *Store) GetBlob(_ context.Context, hash string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(hash))
		if v == nil {
			return storage.ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (s *Store) RecordArtifact(_ context.Context, artifact types.ConfigArtifact) error {
	key := deviceResultKey(artifact.JobRunID, artifact.DeviceID)
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketArtifacts, key, &artifact)
	})
}

var _ storage.Repository = (*Store)(nil)
