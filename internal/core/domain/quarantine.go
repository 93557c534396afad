package domain

import "time"

// QuarantineState tracks documents that failed in earlier runs. Each entry
// blocks reprocessing until its retry timestamp. Tags-only patches that were
// rejected by the store are cached so a later run can replay them without a
// model call.
type QuarantineState struct {
	RetryAfter map[int]time.Time      `json:"retry_after"`
	PatchCache map[int]map[string]any `json:"patch_cache"`
}

func NewQuarantineState() QuarantineState {
	return QuarantineState{
		RetryAfter: make(map[int]time.Time),
		PatchCache: make(map[int]map[string]any),
	}
}

// Prune drops entries whose cooldown has expired.
func (q *QuarantineState) Prune(now time.Time) {
	for id, until := range q.RetryAfter {
		if !until.After(now) {
			delete(q.RetryAfter, id)
		}
	}
}

func (q *QuarantineState) Blocked(id int, now time.Time) (time.Time, bool) {
	until, ok := q.RetryAfter[id]
	if !ok || !until.After(now) {
		return time.Time{}, false
	}
	return until, true
}

func (q *QuarantineState) Block(id int, until time.Time) {
	q.RetryAfter[id] = until
}

func (q *QuarantineState) Clear(id int) {
	delete(q.RetryAfter, id)
	delete(q.PatchCache, id)
}
