package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kebairia/hotbackup/internal/artifact"
)

const (
	// MetadataFilename is the per-artifact metadata record.
	MetadataFilename = "metadata.json"
	// DataDirname holds the raw copy inside an artifact directory.
	DataDirname = "data"
	// ArchiveFilename replaces DataDirname once an artifact is archived.
	ArchiveFilename = "data.tar.zst"
	// StagingDirname is reserved under the root for recovery work areas.
	StagingDirname = ".staging"
)

// writeMetadata persists a into dirPath atomically: the record is written to
// a temporary file, synced, and renamed over the previous one.
func writeMetadata(dirPath string, a *artifact.Artifact) error {
	if err := os.MkdirAll(dirPath, 0o750); err != nil {
		return fmt.Errorf("ensure metadata directory %q: %w", dirPath, err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata JSON: %w", err)
	}

	tmp, err := os.CreateTemp(dirPath, MetadataFilename+".*.tmp")
	if err != nil {
		return fmt.Errorf("create metadata file in %q: %w", dirPath, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write metadata file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close metadata file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dirPath, MetadataFilename)); err != nil {
		return fmt.Errorf("commit metadata file: %w", err)
	}
	return nil
}

// readMetadata loads the record stored at filePath.
func readMetadata(filePath string) (*artifact.Artifact, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("couldn't open metadata file %q: %w", filePath, err)
	}
	var a artifact.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode metadata JSON %q: %w", filePath, err)
	}
	if a.ID == "" {
		return nil, fmt.Errorf("metadata %q has no id", filePath)
	}
	return &a, nil
}

// scan walks root and loads every metadata record it finds, skipping the
// staging area. Unreadable records are reported through bad and skipped.
func scan(root string, bad func(path string, err error)) (map[string]*artifact.Artifact, error) {
	index := make(map[string]*artifact.Artifact)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == StagingDirname || d.Name() == DataDirname {
				return fs.SkipDir
			}
			return nil
		}
		if d.Name() != MetadataFilename {
			return nil
		}
		a, err := readMetadata(path)
		if err != nil {
			bad(path, err)
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		// The directory is authoritative if the tree was moved.
		a.Dir = rel
		a.Location = locationFor(rel, a.Archived)
		if prev, ok := index[a.ID]; ok {
			bad(path, fmt.Errorf("duplicate artifact id %s (also in %s)", a.ID, prev.Dir))
			return nil
		}
		index[a.ID] = a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan backup root %q: %w", root, err)
	}
	return index, nil
}

func locationFor(dir string, archived bool) string {
	if archived {
		return filepath.Join(dir, ArchiveFilename)
	}
	return filepath.Join(dir, DataDirname)
}
