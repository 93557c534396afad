package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/paperless-kiplus/sorter/internal/core/domain"
	"github.com/paperless-kiplus/sorter/internal/core/ports"
)

type fakeStore struct {
	*fakeEntityStore

	docs         []domain.Document
	preflightErr error
	fetchErr     error

	updateErr  error
	patches    map[int][]map[string]any
	tagPatches map[int][][]int
	notes      map[int][]string
	download   []byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		fakeEntityStore: newFakeEntityStore(),
		patches:         make(map[int][]map[string]any),
		tagPatches:      make(map[int][][]int),
		notes:           make(map[int][]string),
	}
}

func (f *fakeStore) Preflight(context.Context) error { return f.preflightErr }

func (f *fakeStore) FetchDocuments(_ context.Context, query ports.DocumentQuery, visit func(domain.Document) bool) error {
	if f.fetchErr != nil {
		return f.fetchErr
	}
	count := 0
	for _, doc := range f.docs {
		if query.Limit > 0 && count >= query.Limit {
			return nil
		}
		if !visit(doc) {
			return nil
		}
		count++
	}
	return nil
}

func (f *fakeStore) UpdateDocument(_ context.Context, documentID int, patch map[string]any) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.patches[documentID] = append(f.patches[documentID], patch)
	return nil
}

func (f *fakeStore) UpdateTagsOnce(_ context.Context, documentID int, tagIDs []int) error {
	f.tagPatches[documentID] = append(f.tagPatches[documentID], tagIDs)
	return nil
}

func (f *fakeStore) AddNote(_ context.Context, documentID int, note string) error {
	f.notes[documentID] = append(f.notes[documentID], note)
	return nil
}

func (f *fakeStore) DownloadOriginal(context.Context, int) ([]byte, error) {
	return f.download, nil
}

type fakeClassifier struct {
	answer    string
	usage     domain.TokenUsage
	err       error
	budgetErr error
	calls     int
}

func (f *fakeClassifier) Classify(context.Context, string, string) (string, domain.TokenUsage, error) {
	f.calls++
	return f.answer, f.usage, f.err
}

func (f *fakeClassifier) VerifyTokenBudget(context.Context) error { return f.budgetErr }

type memQuarantine struct {
	state domain.QuarantineState
	saved *domain.QuarantineState
}

func newMemQuarantine() *memQuarantine {
	return &memQuarantine{state: domain.NewQuarantineState()}
}

func (m *memQuarantine) Load(context.Context) (domain.QuarantineState, error) { return m.state, nil }
func (m *memQuarantine) Save(_ context.Context, state domain.QuarantineState) error {
	m.saved = &state
	return nil
}

type memMetrics struct {
	metrics domain.RunMetrics
	saved   *domain.RunMetrics
}

func (m *memMetrics) Load(context.Context) (domain.RunMetrics, error) { return m.metrics, nil }
func (m *memMetrics) Save(_ context.Context, metrics domain.RunMetrics) error {
	m.saved = &metrics
	return nil
}

func testConfig() RunnerConfig {
	return RunnerConfig{
		Model:                 "gpt-4o-mini",
		CreateMissingEntities: true,
		ConfidenceThreshold:   0.70,
		MaxDocuments:          25,
		ProcessOnlyTag:        "#NEU",
		EnableNotes:           true,
		QuarantineEnabled:     true,
		FailedCooldown:        24 * time.Hour,
		TagsOnlyCooldown:      168 * time.Hour,
	}
}

func seedMarkers(store *fakeStore) {
	store.seed(domain.KindTag, "#neu", 30)
	store.seed(domain.KindTag, "ki", 20)
	store.seed(domain.KindTag, "ki_fehler", 21)
}

func newTestPipeline(cfg RunnerConfig, store *fakeStore, classifier *fakeClassifier, quarantine ports.QuarantineStore, metrics ports.MetricsStore) *Pipeline {
	return NewPipeline(cfg, Dependencies{
		Documents:  store,
		Entities:   store,
		Notes:      store,
		Classifier: classifier,
		Quarantine: quarantine,
		Metrics:    metrics,
		Prompt:     NewPromptBuilder("", domain.BasisConfig{}, true),
		Output:     io.Discard,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

const goodAnswer = `{
	"document_type": "Rechnung",
	"correspondent": null,
	"storage_path": null,
	"tags": ["Finance"],
	"document_date": null,
	"summary": "Stromrechnung",
	"confidence": 0.92,
	"rationale": "Eindeutig eine Rechnung"
}`

func TestRunUpdatesPendingDocument(t *testing.T) {
	store := newFakeStore()
	seedMarkers(store)
	store.seed(domain.KindDocumentType, "rechnung", 1)
	store.seed(domain.KindTag, "finance", 10)
	store.docs = []domain.Document{{ID: 5, Title: "Strom", Content: "Rechnung 80 EUR", Tags: []int{30}}}

	classifier := &fakeClassifier{answer: goodAnswer, usage: domain.TokenUsage{PromptTokens: 900, CompletionTokens: 100, TotalTokens: 1000}}
	quarantine := newMemQuarantine()
	metrics := &memMetrics{}
	pipeline := newTestPipeline(testConfig(), store, classifier, quarantine, metrics)

	summary, err := pipeline.Run(context.Background(), ports.RunOverrides{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Updated != 1 || summary.Errored != 0 || summary.Skipped != 0 {
		t.Fatalf("summary wrong: %+v", summary)
	}

	patches := store.patches[5]
	if len(patches) != 1 {
		t.Fatalf("expected one patch, got %v", patches)
	}
	if patches[0]["document_type"] != 1 {
		t.Errorf("patch document_type = %v", patches[0]["document_type"])
	}
	tags, ok := patches[0]["tags"].([]int)
	if !ok || !reflect.DeepEqual(tags, []int{10, 20}) {
		t.Errorf("patch tags = %v, want [10 20]", patches[0]["tags"])
	}
	if len(store.notes[5]) != 1 {
		t.Errorf("expected one audit note, got %v", store.notes[5])
	}
	if summary.Usage.TotalTokens != 1000 {
		t.Errorf("usage not folded: %+v", summary.Usage)
	}
	if metrics.saved == nil || metrics.saved.Totals.Runs != 1 {
		t.Errorf("metrics not persisted: %+v", metrics.saved)
	}
}

func TestRunSkipsLowConfidenceWithoutWrites(t *testing.T) {
	store := newFakeStore()
	seedMarkers(store)
	store.docs = []domain.Document{{ID: 5, Title: "Unklar", Content: "???", Tags: []int{30}}}

	answer := `{"document_type": "Brief", "correspondent": null, "storage_path": null, "tags": [], "confidence": 0.40}`
	classifier := &fakeClassifier{answer: answer}
	pipeline := newTestPipeline(testConfig(), store, classifier, newMemQuarantine(), &memMetrics{})

	summary, err := pipeline.Run(context.Background(), ports.RunOverrides{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Skipped != 1 || summary.Updated != 0 || summary.Errored != 0 {
		t.Fatalf("summary wrong: %+v", summary)
	}
	if summary.Outcomes[0].SkipReason != domain.SkipLowConfidence {
		t.Errorf("skip reason = %q", summary.Outcomes[0].SkipReason)
	}
	if len(store.patches[5]) != 0 || len(store.tagPatches[5]) != 0 {
		t.Errorf("low confidence must not write: %v %v", store.patches, store.tagPatches)
	}
}

func TestRunMarksSchemaViolationAsFailed(t *testing.T) {
	store := newFakeStore()
	seedMarkers(store)
	store.docs = []domain.Document{{ID: 5, Title: "Kaputt", Content: "Inhalt", Tags: []int{30}}}

	answer := `{"document_type": "Brief", "correspondent": null, "storage_path": null, "confidence": 0.9}`
	classifier := &fakeClassifier{answer: answer}
	quarantine := newMemQuarantine()
	pipeline := newTestPipeline(testConfig(), store, classifier, quarantine, &memMetrics{})

	summary, err := pipeline.Run(context.Background(), ports.RunOverrides{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Errored != 1 {
		t.Fatalf("summary wrong: %+v", summary)
	}
	if summary.Outcomes[0].ErrorKind != "SchemaViolation" {
		t.Errorf("error kind = %q", summary.Outcomes[0].ErrorKind)
	}

	tagWrites := store.tagPatches[5]
	if len(tagWrites) != 1 {
		t.Fatalf("expected one marker tag write, got %v", tagWrites)
	}
	written := map[int]bool{}
	for _, id := range tagWrites[0] {
		written[id] = true
	}
	if !written[21] || !written[20] || written[30] {
		t.Errorf("marker tags wrong: %v", tagWrites[0])
	}
	if len(store.notes[5]) != 1 {
		t.Errorf("expected one error note, got %v", store.notes[5])
	}
	if quarantine.saved == nil {
		t.Fatalf("quarantine not persisted")
	}
	if _, blocked := quarantine.saved.Blocked(5, time.Now()); !blocked {
		t.Errorf("document not quarantined: %+v", quarantine.saved)
	}
}

func TestRunFailsOnUnknownEntityWhenCreationDisabled(t *testing.T) {
	store := newFakeStore()
	seedMarkers(store)
	store.docs = []domain.Document{{ID: 5, Title: "Neu", Content: "Inhalt", Tags: []int{30}}}

	cfg := testConfig()
	cfg.CreateMissingEntities = false
	classifier := &fakeClassifier{answer: goodAnswer}
	pipeline := newTestPipeline(cfg, store, classifier, newMemQuarantine(), &memMetrics{})

	summary, err := pipeline.Run(context.Background(), ports.RunOverrides{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Errored != 1 {
		t.Fatalf("summary wrong: %+v", summary)
	}
	if summary.Outcomes[0].ErrorKind != "UnknownEntity" {
		t.Errorf("error kind = %q", summary.Outcomes[0].ErrorKind)
	}
	if len(store.created) != 0 {
		t.Errorf("no entity may be created: %v", store.created)
	}
}

func TestRunDryRunWritesNothingAndReportsVirtualCreations(t *testing.T) {
	store := newFakeStore()
	seedMarkers(store)
	store.docs = []domain.Document{{ID: 5, Title: "Strom", Content: "Rechnung", Tags: []int{30}}}

	dryRun := true
	classifier := &fakeClassifier{answer: goodAnswer}
	pipeline := newTestPipeline(testConfig(), store, classifier, newMemQuarantine(), &memMetrics{})

	summary, err := pipeline.Run(context.Background(), ports.RunOverrides{DryRun: &dryRun})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !summary.DryRun || summary.Updated != 1 {
		t.Fatalf("summary wrong: %+v", summary)
	}
	if len(store.patches[5]) != 0 || len(store.tagPatches[5]) != 0 || len(store.notes[5]) != 0 {
		t.Fatalf("dry run must not write: %v %v %v", store.patches, store.tagPatches, store.notes)
	}
	if len(store.created) != 0 {
		t.Fatalf("dry run must not create entities: %v", store.created)
	}
	if len(summary.Created) != 2 {
		t.Fatalf("virtual creations not reported: %v", summary.Created)
	}
	for _, created := range summary.Created {
		if created.ID >= 0 {
			t.Errorf("virtual id must be negative: %+v", created)
		}
	}
}

func TestRunReturnsEmptySummaryWhenFilterTagMissing(t *testing.T) {
	store := newFakeStore()
	// No #NEU tag seeded.
	store.seed(domain.KindTag, "ki", 20)
	store.seed(domain.KindTag, "ki_fehler", 21)
	store.docs = []domain.Document{{ID: 5, Title: "Strom", Content: "Rechnung", Tags: []int{30}}}

	classifier := &fakeClassifier{answer: goodAnswer}
	pipeline := newTestPipeline(testConfig(), store, classifier, newMemQuarantine(), &memMetrics{})

	summary, err := pipeline.Run(context.Background(), ports.RunOverrides{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Scanned != 0 || classifier.calls != 0 {
		t.Fatalf("nothing may be processed: %+v calls=%d", summary, classifier.calls)
	}
}

func TestRunSkipsQuarantinedDocuments(t *testing.T) {
	store := newFakeStore()
	seedMarkers(store)
	store.docs = []domain.Document{{ID: 5, Title: "Strom", Content: "Rechnung", Tags: []int{30}}}

	quarantine := newMemQuarantine()
	quarantine.state.Block(5, time.Now().Add(12*time.Hour))
	classifier := &fakeClassifier{answer: goodAnswer}
	pipeline := newTestPipeline(testConfig(), store, classifier, quarantine, &memMetrics{})

	summary, err := pipeline.Run(context.Background(), ports.RunOverrides{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Skipped != 1 || classifier.calls != 0 {
		t.Fatalf("quarantined document must be skipped without a model call: %+v calls=%d", summary, classifier.calls)
	}
	if summary.Outcomes[0].SkipReason != domain.SkipQuarantined {
		t.Errorf("skip reason = %q", summary.Outcomes[0].SkipReason)
	}
}

func TestRunReplaysCachedPatch(t *testing.T) {
	store := newFakeStore()
	seedMarkers(store)
	store.docs = []domain.Document{{ID: 5, Title: "Strom", Content: "Rechnung", Tags: []int{30}}}

	quarantine := newMemQuarantine()
	quarantine.state.PatchCache[5] = map[string]any{"tags": []int{10, 20}}
	classifier := &fakeClassifier{answer: goodAnswer}
	pipeline := newTestPipeline(testConfig(), store, classifier, quarantine, &memMetrics{})

	summary, err := pipeline.Run(context.Background(), ports.RunOverrides{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Updated != 1 || classifier.calls != 0 {
		t.Fatalf("cached patch must replay without a model call: %+v calls=%d", summary, classifier.calls)
	}
	if len(store.patches[5]) != 1 {
		t.Fatalf("expected replayed patch, got %v", store.patches[5])
	}
	if quarantine.saved == nil {
		t.Fatalf("quarantine not persisted")
	}
	if _, ok := quarantine.saved.PatchCache[5]; ok {
		t.Errorf("patch cache entry must be cleared after replay")
	}
}

func TestRunCachesTagsOnlyPatchOnWriteFailure(t *testing.T) {
	store := newFakeStore()
	seedMarkers(store)
	store.seed(domain.KindDocumentType, "rechnung", 1)
	store.seed(domain.KindTag, "finance", 10)
	store.docs = []domain.Document{{ID: 5, Title: "Strom", Content: "Rechnung", Tags: []int{30}}}
	store.updateErr = domain.WrapError(domain.ErrWriteFailed, "update document", errors.New("server error"))

	classifier := &fakeClassifier{answer: goodAnswer}
	quarantine := newMemQuarantine()
	pipeline := newTestPipeline(testConfig(), store, classifier, quarantine, &memMetrics{})

	summary, err := pipeline.Run(context.Background(), ports.RunOverrides{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Errored != 1 {
		t.Fatalf("summary wrong: %+v", summary)
	}
	if quarantine.saved == nil {
		t.Fatalf("quarantine not persisted")
	}
	cached, ok := quarantine.saved.PatchCache[5]
	if !ok {
		t.Fatalf("tags-only patch not cached: %+v", quarantine.saved)
	}
	if !reflect.DeepEqual(cached["tags"], []int{10, 20}) {
		t.Errorf("cached tags = %v", cached["tags"])
	}
}

func TestRunReportsCreatedEntitiesWhenUpdateFails(t *testing.T) {
	store := newFakeStore()
	// Only the pending marker exists; KI and KI_FEHLER get created during
	// setup, Rechnung and Finance while resolving the document.
	store.seed(domain.KindTag, "#neu", 30)
	store.docs = []domain.Document{{ID: 5, Title: "Strom", Content: "Rechnung", Tags: []int{30}}}
	store.updateErr = domain.WrapError(domain.ErrWriteFailed, "update document", errors.New("server error"))

	classifier := &fakeClassifier{answer: goodAnswer}
	pipeline := newTestPipeline(testConfig(), store, classifier, newMemQuarantine(), &memMetrics{})

	summary, err := pipeline.Run(context.Background(), ports.RunOverrides{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Errored != 1 {
		t.Fatalf("summary wrong: %+v", summary)
	}
	if len(summary.Created) != len(store.created) {
		t.Fatalf("summary.Created = %v, store created %v", summary.Created, store.created)
	}
	names := map[string]bool{}
	for _, created := range summary.Created {
		names[created.Name] = true
	}
	for _, want := range []string{"KI", "KI_FEHLER", "Rechnung", "Finance"} {
		if !names[want] {
			t.Errorf("creation of %q missing from summary: %+v", want, summary.Created)
		}
	}
}

func TestRunAbortsWhenPreflightFails(t *testing.T) {
	store := newFakeStore()
	seedMarkers(store)
	store.preflightErr = domain.WrapError(domain.ErrStoreUnavailable, "preflight", errors.New("connection refused"))

	pipeline := newTestPipeline(testConfig(), store, &fakeClassifier{}, newMemQuarantine(), &memMetrics{})

	_, err := pipeline.Run(context.Background(), ports.RunOverrides{})
	if !domain.IsKind(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestRunAbortsWhenTokenBudgetTooLow(t *testing.T) {
	store := newFakeStore()
	seedMarkers(store)

	classifier := &fakeClassifier{
		budgetErr: domain.WrapError(domain.ErrClassificationRequest, "token precheck", errors.New("remaining below minimum")),
	}
	pipeline := newTestPipeline(testConfig(), store, classifier, newMemQuarantine(), &memMetrics{})

	_, err := pipeline.Run(context.Background(), ports.RunOverrides{})
	if !domain.IsKind(err, domain.ErrClassificationRequest) {
		t.Fatalf("expected ErrClassificationRequest, got %v", err)
	}
}

func TestRunHonorsMaxDocumentsOverride(t *testing.T) {
	store := newFakeStore()
	seedMarkers(store)
	for id := 1; id <= 5; id++ {
		store.docs = append(store.docs, domain.Document{ID: id, Title: "Doc", Content: "Inhalt", Tags: []int{30}})
	}

	answer := `{"document_type": null, "correspondent": null, "storage_path": null, "tags": [], "confidence": 0.9}`
	classifier := &fakeClassifier{answer: answer}
	limit := 2
	pipeline := newTestPipeline(testConfig(), store, classifier, newMemQuarantine(), &memMetrics{})

	summary, err := pipeline.Run(context.Background(), ports.RunOverrides{MaxDocuments: &limit})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Scanned != 2 {
		t.Fatalf("limit not honored: %+v", summary)
	}
}
