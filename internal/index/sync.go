package index

import (
	"log/slog"

	"github.com/starford/gebo/internal/checksum"
	"github.com/starford/gebo/internal/models"
	"github.com/starford/gebo/internal/storage"
)

// Sync walks the vault and brings the index up to date:
//   - new/changed files are read and upserted
//   - files removed from disk are deleted from the index
//
// Titles already recorded in the index are preserved; notes the index has
// never seen get a title derived from the body.
func Sync(db *DB, store storage.Provider, logger *slog.Logger) error {
	infos, err := store.List()
	if err != nil {
		return err
	}

	checksums, err := db.AllChecksums()
	if err != nil {
		return err
	}

	disk := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		disk[info.ID] = struct{}{}

		if checksums[info.ID] == info.Checksum {
			continue
		}

		data, err := store.Read(info.ID)
		if err != nil {
			logger.Warn("sync: read failed", slog.String("id", info.ID), slog.String("error", err.Error()))
			continue
		}
		if err := indexFile(db, info, data); err != nil {
			logger.Warn("sync: index failed", slog.String("id", info.ID), slog.String("error", err.Error()))
		} else {
			logger.Debug("sync: indexed", slog.String("id", info.ID))
		}
	}

	// Remove stale entries.
	for id := range checksums {
		if _, ok := disk[id]; !ok {
			if err := db.DeleteNote(id); err != nil {
				logger.Warn("sync: delete failed", slog.String("id", id), slog.String("error", err.Error()))
			} else {
				logger.Debug("sync: removed stale", slog.String("id", id))
			}
		}
	}

	return nil
}

// indexFile upserts one on-disk note into the DB, keeping an existing title.
func indexFile(db *DB, info models.NoteFileInfo, data []byte) error {
	title := ""
	if existing, err := db.GetNote(info.ID); err == nil && existing != nil {
		title = existing.Title
	}
	if title == "" {
		title = models.TitleFromBody(string(data))
	}

	row := NoteRow{
		ID:        info.ID,
		Title:     title,
		Checksum:  checksum.Sum(data),
		SizeBytes: int64(len(data)),
		UpdatedAt: info.ModTime,
	}
	return db.UpsertNote(row, string(data))
}
