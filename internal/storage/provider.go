// Package storage defines the vault file-system abstraction.
package storage

import "github.com/starford/gebo/internal/models"

// Provider is the interface for vault file operations. Notes are stored
// as flat <id>.md files under the vault root.
type Provider interface {
	// List returns file info for every note in the vault.
	List() ([]models.NoteFileInfo, error)
	// Read returns the raw body of the note with the given id.
	Read(id string) ([]byte, error)
	// Write atomically writes a note body.
	Write(id string, content []byte) error
	// Delete removes the note with the given id.
	Delete(id string) error
}
