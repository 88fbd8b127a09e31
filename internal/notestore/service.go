// Package notestore coordinates vault storage and index operations. It is
// the only component through which durable note state is mutated.
package notestore

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/starford/gebo/internal/apperr"
	"github.com/starford/gebo/internal/checksum"
	"github.com/starford/gebo/internal/index"
	"github.com/starford/gebo/internal/models"
	"github.com/starford/gebo/internal/storage"
)

// Service coordinates storage and index operations.
type Service struct {
	store storage.Provider
	db    index.NoteIndex
}

// NewService creates a new note service.
func NewService(store storage.Provider, db index.NoteIndex) *Service {
	return &Service{store: store, db: db}
}

// ListSummaries returns every note's summary, most recently updated first.
// Previews are derived from the on-disk body; a note whose file cannot be
// read gets an empty preview rather than failing the listing.
func (s *Service) ListSummaries() ([]models.NoteSummary, error) {
	rows, err := s.db.ListNotes()
	if err != nil {
		return nil, err
	}
	out := make([]models.NoteSummary, len(rows))
	for i, r := range rows {
		preview := ""
		if body, readErr := s.store.Read(r.ID); readErr == nil {
			preview = models.Preview(string(body))
		}
		out[i] = models.NoteSummary{
			ID:        r.ID,
			Title:     r.Title,
			Preview:   preview,
			SizeBytes: r.SizeBytes,
			UpdatedAt: r.UpdatedAt,
		}
	}
	return out, nil
}

// LoadBody returns the raw body of one note.
func (s *Service) LoadBody(id string) ([]byte, error) {
	data, err := s.store.Read(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Upsert writes a note body and index entry with an explicit timestamp.
// Used by the merge engine, which must preserve the sender's timestamps.
func (s *Service) Upsert(id, title string, body []byte, updatedAt time.Time) error {
	if err := s.store.Write(id, body); err != nil {
		return err
	}
	return s.db.UpsertNote(index.NoteRow{
		ID:        id,
		Title:     title,
		Checksum:  checksum.Sum(body),
		SizeBytes: int64(len(body)),
		UpdatedAt: updatedAt,
	}, string(body))
}

// Get reads a full note.
func (s *Service) Get(_ context.Context, id string) (*models.Note, error) {
	row, err := s.db.GetNote(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, apperr.ErrNotFound
	}
	body, err := s.LoadBody(id)
	if err != nil {
		return nil, err
	}
	return &models.Note{
		ID:        row.ID,
		Title:     row.Title,
		Body:      string(body),
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// Create writes a new note. An empty id is assigned a fresh UUID.
func (s *Service) Create(_ context.Context, id, title, body string) (*models.Note, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if row, err := s.db.GetNote(id); err != nil {
		return nil, err
	} else if row != nil {
		return nil, apperr.ErrAlreadyExists
	}
	now := time.Now().UTC()
	if title == "" {
		title = models.TitleFromBody(body)
	}
	if err := s.Upsert(id, title, []byte(body), now); err != nil {
		return nil, err
	}
	return &models.Note{ID: id, Title: title, Body: body, UpdatedAt: now}, nil
}

// Update overwrites an existing note.
func (s *Service) Update(_ context.Context, id, title, body string) (*models.Note, error) {
	row, err := s.db.GetNote(id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, apperr.ErrNotFound
	}
	now := time.Now().UTC()
	if title == "" {
		title = row.Title
	}
	if err := s.Upsert(id, title, []byte(body), now); err != nil {
		return nil, err
	}
	return &models.Note{ID: id, Title: title, Body: body, UpdatedAt: now}, nil
}

// Delete removes a note from storage and index.
func (s *Service) Delete(_ context.Context, id string) error {
	if err := s.store.Delete(id); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return s.db.DeleteNote(id)
}

// Search delegates to the index.
func (s *Service) Search(_ context.Context, query string, limit int) ([]index.SearchResult, error) {
	return s.db.Search(query, limit)
}
