package share

import (
	"fmt"
	"time"
)

// StagedNote is one received note ready for reconciliation.
type StagedNote struct {
	NoteID    string
	Title     string
	UpdatedAt time.Time
	Body      []byte
}

// MergeFailure records a note that could not be persisted.
type MergeFailure struct {
	NoteID string `json:"note_id"`
	Reason string `json:"reason"`
}

// MergeResult summarizes one merge batch.
type MergeResult struct {
	Added   int            `json:"added"`
	Updated int            `json:"updated"`
	Skipped int            `json:"skipped"`
	Failed  []MergeFailure `json:"failed,omitempty"`
}

// String renders the result for user-facing status messages.
func (r MergeResult) String() string {
	s := fmt.Sprintf("added %d, updated %d, skipped %d", r.Added, r.Updated, r.Skipped)
	if len(r.Failed) > 0 {
		s += fmt.Sprintf(", failed %d", len(r.Failed))
	}
	return s
}

// Merge reconciles staged notes into the local collection with a
// last-writer-wins policy keyed by modification time:
//
//   - unknown note id: insert
//   - staged strictly newer than local: overwrite title/body/timestamp
//   - staged older or equal: keep local (ties favor local to avoid churn)
//
// The batch continues past per-note storage failures; those are collected
// in the result rather than aborting the merge. Applying the same batch
// twice is idempotent: the second pass skips every entry.
func Merge(store NoteStore, staged []StagedNote) (MergeResult, error) {
	summaries, err := store.ListSummaries()
	if err != nil {
		return MergeResult{}, fmt.Errorf("merge: list local notes: %w", err)
	}
	local := make(map[string]time.Time, len(summaries))
	for _, s := range summaries {
		local[s.ID] = s.UpdatedAt
	}

	var res MergeResult
	for _, sn := range staged {
		localAt, exists := local[sn.NoteID]
		if exists && !sn.UpdatedAt.After(localAt) {
			res.Skipped++
			continue
		}
		if err := store.Upsert(sn.NoteID, sn.Title, sn.Body, sn.UpdatedAt); err != nil {
			res.Failed = append(res.Failed, MergeFailure{NoteID: sn.NoteID, Reason: err.Error()})
			continue
		}
		if exists {
			res.Updated++
		} else {
			res.Added++
		}
	}
	return res, nil
}
