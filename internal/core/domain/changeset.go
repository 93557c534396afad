package domain

import "sort"

// FieldChange records an entity-reference field moving from Old to New.
// A nil pointer means "not set".
type FieldChange struct {
	Old *int
	New *int
}

// TagDelta expresses tag changes as set operations so forced tag rules
// compose with the model's proposal. Final is the complete sorted tag set
// sent to the store.
type TagDelta struct {
	Added   []int
	Removed []int
	Final   []int
}

// ChangeSet holds only the fields whose resolved value differs from the
// document's current state. Created and consumed within one document's
// processing.
type ChangeSet struct {
	DocumentType  *FieldChange
	Correspondent *FieldChange
	StoragePath   *FieldChange
	Date          *DateChange
	Tags          *TagDelta
}

type DateChange struct {
	Old string
	New string
}

func (c *ChangeSet) Empty() bool {
	if c == nil {
		return true
	}
	return c.DocumentType == nil &&
		c.Correspondent == nil &&
		c.StoragePath == nil &&
		c.Date == nil &&
		c.Tags == nil
}

// Fields lists the changed field names in stable order.
func (c *ChangeSet) Fields() []string {
	if c == nil {
		return nil
	}
	var fields []string
	if c.DocumentType != nil {
		fields = append(fields, "document_type")
	}
	if c.Correspondent != nil {
		fields = append(fields, "correspondent")
	}
	if c.StoragePath != nil {
		fields = append(fields, "storage_path")
	}
	if c.Date != nil {
		fields = append(fields, "created")
	}
	if c.Tags != nil {
		fields = append(fields, "tags")
	}
	return fields
}

// Patch renders the change set as a partial-update payload for the store.
func (c *ChangeSet) Patch() map[string]any {
	if c.Empty() {
		return nil
	}
	patch := make(map[string]any, 5)
	if c.DocumentType != nil {
		patch["document_type"] = deref(c.DocumentType.New)
	}
	if c.Correspondent != nil {
		patch["correspondent"] = deref(c.Correspondent.New)
	}
	if c.StoragePath != nil {
		patch["storage_path"] = deref(c.StoragePath.New)
	}
	if c.Date != nil {
		patch["created"] = c.Date.New
	}
	if c.Tags != nil {
		final := append([]int(nil), c.Tags.Final...)
		sort.Ints(final)
		patch["tags"] = final
	}
	return patch
}

func deref(id *int) any {
	if id == nil {
		return nil
	}
	return *id
}
