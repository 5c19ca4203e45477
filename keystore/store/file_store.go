// Package store provides durable backends for the key catalogue.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector/retail-pos-module-keymanager/types"
)

const (
	catalogueFile = "key_catalogue.json"
	saltFile      = "master_salt.bin"
	lockFile      = "catalogue.lock"

	lockRetryInterval = 50 * time.Millisecond
	lockTimeout       = 5 * time.Second
)

// FileStore keeps the catalogue as a single JSON document in a directory,
// written atomically and guarded against concurrent writers by a lock file.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewFileStore opens (creating if needed) a catalogue directory.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("catalogue directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create catalogue directory: %w", err)
	}
	return &FileStore{
		dir:    dir,
		logger: log.With().Str("component", "keystore-file").Logger(),
	}, nil
}

// Put inserts or replaces a key record.
func (fs *FileStore) Put(ctx context.Context, rec *types.KeyRecord) error {
	return fs.mutate(ctx, func(recs map[string]*types.KeyRecord) error {
		cp := *rec
		recs[rec.Id] = &cp
		return nil
	})
}

// Get returns a record by id, or (nil, nil) when the id is not catalogued.
func (fs *FileStore) Get(ctx context.Context, id string) (*types.KeyRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	recs, err := fs.load()
	if err != nil {
		return nil, err
	}
	rec, ok := recs[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// List returns all catalogued records.
func (fs *FileStore) List(ctx context.Context) ([]*types.KeyRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	recs, err := fs.load()
	if err != nil {
		return nil, err
	}
	out := make([]*types.KeyRecord, 0, len(recs))
	for _, rec := range recs {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// UpdateStatus transitions a record's lifecycle status.
func (fs *FileStore) UpdateStatus(ctx context.Context, id string, status types.KeyStatus) error {
	return fs.mutate(ctx, func(recs map[string]*types.KeyRecord) error {
		rec, ok := recs[id]
		if !ok {
			return &types.KeyNotFoundError{KeyId: id}
		}
		rec.Status = status
		return nil
	})
}

// SetExpiry sets a record's expiry deadline.
func (fs *FileStore) SetExpiry(ctx context.Context, id string, at time.Time) error {
	return fs.mutate(ctx, func(recs map[string]*types.KeyRecord) error {
		rec, ok := recs[id]
		if !ok {
			return &types.KeyNotFoundError{KeyId: id}
		}
		t := at.UTC()
		rec.ExpiresAt = &t
		return nil
	})
}

// SaveSalt persists the master key derivation salt next to the catalogue.
func (fs *FileStore) SaveSalt(ctx context.Context, salt []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return writeFileAtomic(filepath.Join(fs.dir, saltFile), salt)
}

// LoadSalt reads the derivation salt, returning (nil, nil) when none exists.
func (fs *FileStore) LoadSalt(ctx context.Context) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	salt, err := os.ReadFile(filepath.Join(fs.dir, saltFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read master salt: %w", err)
	}
	return salt, nil
}

// mutate runs fn against the loaded catalogue under both the in-process mutex
// and the cross-process lock file, then writes the result atomically.
func (fs *FileStore) mutate(ctx context.Context, fn func(map[string]*types.KeyRecord) error) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	release, err := fs.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer release()

	recs, err := fs.load()
	if err != nil {
		return err
	}
	if err := fn(recs); err != nil {
		return err
	}
	return fs.save(recs)
}

func (fs *FileStore) load() (map[string]*types.KeyRecord, error) {
	data, err := os.ReadFile(filepath.Join(fs.dir, catalogueFile))
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]*types.KeyRecord), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key catalogue: %w", err)
	}

	recs := make(map[string]*types.KeyRecord)
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("failed to parse key catalogue: %w", err)
	}
	return recs, nil
}

func (fs *FileStore) save(recs map[string]*types.KeyRecord) error {
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key catalogue: %w", err)
	}
	return writeFileAtomic(filepath.Join(fs.dir, catalogueFile), data)
}

// acquireLock takes the lock file with O_EXCL, retrying until the timeout. A
// crashed writer's stale lock surfaces as a timeout rather than corruption.
func (fs *FileStore) acquireLock(ctx context.Context) (func(), error) {
	path := filepath.Join(fs.dir, lockFile)
	deadline := time.Now().Add(lockTimeout)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() {
				if err := os.Remove(path); err != nil {
					fs.logger.Warn().Err(err).Msg("Failed to release catalogue lock")
				}
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to acquire catalogue lock: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for catalogue lock at %s", path)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// writeFileAtomic writes via a temp file in the same directory, syncs, and
// renames over the target so readers never observe a partial catalogue.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize file: %w", err)
	}
	return nil
}
