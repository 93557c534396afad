package domain

type EntityKind string

const (
	KindTag           EntityKind = "tag"
	KindCorrespondent EntityKind = "correspondent"
	KindDocumentType  EntityKind = "document_type"
	KindStoragePath   EntityKind = "storage_path"
)

// Kinds lists the four taxonomy kinds in their canonical order.
func Kinds() []EntityKind {
	return []EntityKind{KindTag, KindCorrespondent, KindDocumentType, KindStoragePath}
}

type TaxonomyEntity struct {
	ID   int        `json:"id"`
	Name string     `json:"name"`
	Kind EntityKind `json:"kind"`
}

// Document is the per-run read snapshot of a Paperless document. Mutations
// only happen through the store adapter's partial update.
type Document struct {
	ID            int    `json:"id"`
	Title         string `json:"title"`
	Content       string `json:"content"`
	DocumentType  *int   `json:"document_type"`
	Correspondent *int   `json:"correspondent"`
	StoragePath   *int   `json:"storage_path"`
	Tags          []int  `json:"tags"`
	Created       string `json:"created"`
}

func (d *Document) TagSet() map[int]struct{} {
	set := make(map[int]struct{}, len(d.Tags))
	for _, id := range d.Tags {
		set[id] = struct{}{}
	}
	return set
}

// ClassificationResult is the validated model answer for one document.
type ClassificationResult struct {
	DocumentType  string   `json:"document_type"`
	Correspondent string   `json:"correspondent"`
	StoragePath   string   `json:"storage_path"`
	Tags          []string `json:"tags"`
	DocumentDate  string   `json:"document_date"`
	Confidence    float64  `json:"confidence"`
	Rationale     string   `json:"rationale"`
	Summary       string   `json:"summary"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

type CreatedEntity struct {
	Kind EntityKind `json:"kind"`
	Name string     `json:"name"`
	// ID is negative for virtual entities assigned during a dry run.
	ID int `json:"id"`
}

// ResolvedClassification carries the classification mapped onto taxonomy ids.
type ResolvedClassification struct {
	DocumentType  *int
	Correspondent *int
	StoragePath   *int
	TagIDs        []int
	Date          string
	Created       []CreatedEntity
}
