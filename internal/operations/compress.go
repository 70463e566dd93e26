package operations

import (
	"context"
	"os"
	"path/filepath"

	"github.com/kebairia/hotbackup/internal/archive"
	"github.com/kebairia/hotbackup/internal/pipeline"
	"github.com/kebairia/hotbackup/internal/store"
)

// archiveArtifact packs the raw data of a Complete artifact into a single zstd
// archive. The raw directory is removed only after the archive has been
// verified and the record updated. Any failure keeps the raw copy, which
// stays a valid artifact, so the result is a stage and not an error.
func (m *Manager) archiveArtifact(ctx context.Context, id string) pipeline.Stage {
	log := m.log.With("artifact", id)
	release, err := m.store.Lock(id)
	if err != nil {
		log.Warn("archival skipped", "error", err)
		return StageKeptRaw
	}
	defer release()

	a, err := m.store.Get(id)
	if err != nil {
		log.Warn("archival skipped", "error", err)
		return StageKeptRaw
	}
	raw := m.store.DataDir(a)
	dst := filepath.Join(m.store.Abs(a.Dir), store.ArchiveFilename)

	size, err := archive.Create(ctx, raw, dst)
	if err != nil {
		log.Warn("archival failed, keeping raw copy", "error", err)
		return StageKeptRaw
	}
	if err := m.store.Relocate(id, true, size); err != nil {
		log.Warn("archival not recorded, keeping raw copy", "error", err)
		if rmErr := os.Remove(dst); rmErr != nil {
			log.Warn("could not remove unrecorded archive", "path", dst, "error", rmErr)
		}
		return StageKeptRaw
	}
	if err := os.RemoveAll(raw); err != nil {
		log.Warn("archived, but raw copy could not be removed", "path", raw, "error", err)
	}
	log.Info("artifact archived", "size", size, "raw_size", a.Size)
	return StageArchived
}
