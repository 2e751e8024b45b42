package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/verayang01/chatd/consts"
	"github.com/verayang01/chatd/logger"
	"github.com/verayang01/chatd/store"
)

// FilePersister keeps the snapshot as a JSON file. Saves write a temporary
// file in the same directory and rename it over the old one, so a crash
// leaves either the old or the new snapshot and never a torn one.
type FilePersister struct {
	path string
}

func NewFilePersister(path string) (*FilePersister, error) {
	if path == "" {
		return nil, fmt.Errorf("snapshot file path cannot be empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory %s: %w", dir, err)
	}
	logger.Info("Storage: using snapshot file", "path", path)
	return &FilePersister{path: path}, nil
}

func (p *FilePersister) Load(ctx context.Context) (*store.Snapshot, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, consts.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", p.path, err)
	}
	return decodeSnapshot(data)
}

func (p *FilePersister) Save(ctx context.Context, snap *store.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p.path), filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("failed to replace snapshot %s: %w", p.path, err)
	}
	return nil
}

func (p *FilePersister) Close() error {
	return nil
}
