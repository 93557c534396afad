package usecase

import (
	"sort"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
)

// TagRules carries the marker tag ids applied to every successfully
// classified document: the processed marker is always added, the pending
// marker always removed. A nil id disables that rule for the run.
type TagRules struct {
	ProcessedTagID *int
	PendingTagID   *int
}

// ComputeChangeSet compares the resolved classification against the
// document's current state and keeps only real differences. Existing values
// are never cleared; an absent proposal leaves the field untouched.
func ComputeChangeSet(doc domain.Document, resolved domain.ResolvedClassification, rules TagRules) *domain.ChangeSet {
	change := &domain.ChangeSet{}

	change.DocumentType = fieldChange(doc.DocumentType, resolved.DocumentType)
	change.Correspondent = fieldChange(doc.Correspondent, resolved.Correspondent)
	change.StoragePath = fieldChange(doc.StoragePath, resolved.StoragePath)

	if resolved.Date != "" {
		current, _ := NormalizeISODate(doc.Created)
		if current != resolved.Date {
			change.Date = &domain.DateChange{Old: current, New: resolved.Date}
		}
	}

	change.Tags = tagDelta(doc.Tags, resolved.TagIDs, rules)

	if change.Empty() {
		return nil
	}
	return change
}

func fieldChange(current, proposed *int) *domain.FieldChange {
	if proposed == nil {
		return nil
	}
	if current != nil && *current == *proposed {
		return nil
	}
	return &domain.FieldChange{Old: current, New: proposed}
}

// tagDelta merges the model's tags into the current set, then applies the
// marker rules. Rules win over the model: the pending marker is removed even
// if the answer proposed it.
func tagDelta(current, proposed []int, rules TagRules) *domain.TagDelta {
	final := make(map[int]bool, len(current)+len(proposed)+1)
	for _, id := range current {
		final[id] = true
	}
	for _, id := range proposed {
		final[id] = true
	}
	if rules.ProcessedTagID != nil {
		final[*rules.ProcessedTagID] = true
	}
	if rules.PendingTagID != nil {
		delete(final, *rules.PendingTagID)
	}

	currentSet := make(map[int]bool, len(current))
	for _, id := range current {
		currentSet[id] = true
	}

	delta := &domain.TagDelta{}
	for id := range final {
		delta.Final = append(delta.Final, id)
		if !currentSet[id] {
			delta.Added = append(delta.Added, id)
		}
	}
	for id := range currentSet {
		if !final[id] {
			delta.Removed = append(delta.Removed, id)
		}
	}
	if len(delta.Added) == 0 && len(delta.Removed) == 0 {
		return nil
	}
	sort.Ints(delta.Added)
	sort.Ints(delta.Removed)
	sort.Ints(delta.Final)
	return delta
}
