package share

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Staging buffers incoming note bodies in a temporary directory, keyed by
// note id, until the transfer completes and the merge engine consumes them.
// It is the receiver's only write target before finalization.
type Staging struct {
	dir     string
	open    *stagedFile // note currently being streamed, nil between notes
	entries map[string]*stagedFile
	order   []string
}

type stagedFile struct {
	noteID   string
	path     string
	f        *os.File
	declared uint64
	received uint64
}

// NewStaging creates a fresh staging directory.
func NewStaging() (*Staging, error) {
	dir, err := os.MkdirTemp("", "gebo-staging-*")
	if err != nil {
		return nil, fmt.Errorf("staging: create dir: %w", err)
	}
	return &Staging{dir: dir, entries: make(map[string]*stagedFile)}, nil
}

// Begin opens the staging file for one note. Only one note may be open at
// a time; interleaved chunk headers are a protocol violation.
func (s *Staging) Begin(noteID string, declared uint64) error {
	if s.open != nil {
		return fmt.Errorf("%w: chunk header for %q while %q is open", ErrProtocol, noteID, s.open.noteID)
	}
	if _, dup := s.entries[noteID]; dup {
		return fmt.Errorf("%w: duplicate note %q", ErrProtocol, noteID)
	}
	if strings.ContainsAny(noteID, "/\\") || noteID == "" || strings.HasPrefix(noteID, ".") {
		return fmt.Errorf("%w: invalid note id %q", ErrProtocol, noteID)
	}
	path := filepath.Join(s.dir, noteID+".md")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("staging: create %s: %w", noteID, err)
	}
	sf := &stagedFile{noteID: noteID, path: path, f: f, declared: declared}
	s.open = sf
	s.entries[noteID] = sf
	s.order = append(s.order, noteID)
	return nil
}

// Append writes chunk data to the currently open note. Receiving more
// bytes than declared is a protocol violation.
func (s *Staging) Append(data []byte) error {
	if s.open == nil {
		return fmt.Errorf("%w: chunk data with no open note", ErrProtocol)
	}
	if s.open.received+uint64(len(data)) > s.open.declared {
		return fmt.Errorf("%w: note %q overruns declared size %d", ErrProtocol, s.open.noteID, s.open.declared)
	}
	if _, err := s.open.f.Write(data); err != nil {
		return fmt.Errorf("staging: write %s: %w", s.open.noteID, err)
	}
	s.open.received += uint64(len(data))
	return nil
}

// Finish closes the open note, validating declared vs received size.
// A mismatch is a hard failure for the transfer.
func (s *Staging) Finish(noteID string) error {
	if s.open == nil || s.open.noteID != noteID {
		return fmt.Errorf("%w: note-done for %q without matching header", ErrProtocol, noteID)
	}
	sf := s.open
	s.open = nil
	if err := sf.f.Close(); err != nil {
		return fmt.Errorf("staging: close %s: %w", noteID, err)
	}
	sf.f = nil
	if sf.received != sf.declared {
		return fmt.Errorf("note %q size mismatch: declared %d, received %d", noteID, sf.declared, sf.received)
	}
	return nil
}

// ReadBody returns the staged body for a finished note.
func (s *Staging) ReadBody(noteID string) ([]byte, error) {
	sf, ok := s.entries[noteID]
	if !ok {
		return nil, fmt.Errorf("staging: unknown note %q", noteID)
	}
	data, err := os.ReadFile(sf.path)
	if err != nil {
		return nil, fmt.Errorf("staging: read %s: %w", noteID, err)
	}
	return data, nil
}

// NoteIDs returns the staged note ids in arrival order.
func (s *Staging) NoteIDs() []string {
	return append([]string(nil), s.order...)
}

// Close removes the staging directory and everything in it.
func (s *Staging) Close() error {
	if s.open != nil && s.open.f != nil {
		_ = s.open.f.Close()
		s.open = nil
	}
	return os.RemoveAll(s.dir)
}
