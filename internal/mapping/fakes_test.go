package mapping

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"gorm.io/gorm"

	"github.com/yungbote/omop-automapper/internal/data/aggregates"
	maprepo "github.com/yungbote/omop-automapper/internal/data/repos/mapping"
	repotest "github.com/yungbote/omop-automapper/internal/data/repos/testutil"
	vocabrepo "github.com/yungbote/omop-automapper/internal/data/repos/vocab"
	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/domain/vocab"
	"github.com/yungbote/omop-automapper/internal/platform/qdrant"
)

const testDims = 32

// fakeIndex is an in-memory VectorIndex with cosine scoring and the
// must/should/must_not subset of Qdrant filters.
type fakeIndex struct {
	mu          sync.Mutex
	collections map[string]map[uint64]qdrant.Point
	dims        map[string]int
	upsertErr   error
	searchErr   error
	deletes     int
	searches    []qdrant.SearchRequest
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{collections: map[string]map[uint64]qdrant.Point{}, dims: map[string]int{}}
}

func notFound(op, collection string) error {
	return &qdrant.OperationError{Code: qdrant.OperationErrorQueryFailed, Operation: op, Collection: collection, StatusCode: http.StatusNotFound}
}

func (f *fakeIndex) EnsureCollection(_ context.Context, name string, size int, _ ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.dims[name]; ok {
		if d != size {
			return fmt.Errorf("collection %s has size %d, want %d", name, d, size)
		}
		return nil
	}
	f.dims[name] = size
	f.collections[name] = map[uint64]qdrant.Point{}
	return nil
}

func (f *fakeIndex) Upsert(_ context.Context, collection string, points []qdrant.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	c, ok := f.collections[collection]
	if !ok {
		return notFound("upsert", collection)
	}
	for _, p := range points {
		if len(p.Vector) != f.dims[collection] {
			return fmt.Errorf("point %d has %d dims, want %d", p.ID, len(p.Vector), f.dims[collection])
		}
		c[p.ID] = p
	}
	return nil
}

func (f *fakeIndex) Search(_ context.Context, collection string, in qdrant.SearchRequest) ([]qdrant.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, in)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	c, ok := f.collections[collection]
	if !ok {
		return nil, notFound("search", collection)
	}
	var out []qdrant.ScoredPoint
	for _, p := range c {
		if !matchFilter(in.Filter, p.Payload) {
			continue
		}
		out = append(out, qdrant.ScoredPoint{ID: p.ID, Score: cosine(in.Vector, p.Vector), Payload: p.Payload})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	if in.Limit > 0 && len(out) > in.Limit {
		out = out[:in.Limit]
	}
	return out, nil
}

func (f *fakeIndex) searchFilters() []*qdrant.Filter {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*qdrant.Filter, len(f.searches))
	for i, s := range f.searches {
		out[i] = s.Filter
	}
	return out
}

func (f *fakeIndex) Retrieve(_ context.Context, collection string, ids []uint64) ([]qdrant.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[collection]
	if !ok {
		return nil, notFound("retrieve", collection)
	}
	var out []qdrant.Point
	for _, id := range ids {
		if p, ok := c[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeIndex) Count(_ context.Context, collection string, filter *qdrant.Filter) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[collection]
	if !ok {
		return 0, notFound("count", collection)
	}
	n := 0
	for _, p := range c {
		if matchFilter(filter, p.Payload) {
			n++
		}
	}
	return n, nil
}

func (f *fakeIndex) Delete(_ context.Context, collection string, ids []uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if c, ok := f.collections[collection]; ok {
		for _, id := range ids {
			delete(c, id)
		}
	}
	return nil
}

func (f *fakeIndex) has(collection string, id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.collections[collection][uint64(id)]
	return ok
}

func (f *fakeIndex) put(collection string, p qdrant.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[collection]; !ok {
		f.collections[collection] = map[uint64]qdrant.Point{}
		f.dims[collection] = len(p.Vector)
	}
	f.collections[collection][p.ID] = p
}

func matchFilter(f *qdrant.Filter, payload map[string]any) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Must {
		if !matchCondition(c, payload) {
			return false
		}
	}
	for _, c := range f.MustNot {
		if matchCondition(c, payload) {
			return false
		}
	}
	if len(f.Should) == 0 {
		return true
	}
	for _, c := range f.Should {
		if matchCondition(c, payload) {
			return true
		}
	}
	return false
}

func matchCondition(c qdrant.Condition, payload map[string]any) bool {
	have := payloadValues(payload[c.Key])
	want := c.Match.Any
	if c.Match.Value != nil {
		want = []any{c.Match.Value}
	}
	for _, w := range want {
		for _, h := range have {
			if fmt.Sprint(w) == h {
				return true
			}
		}
	}
	return false
}

func payloadValues(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case []string:
		return x
	case []any:
		out := make([]string, len(x))
		for i, e := range x {
			out[i] = fmt.Sprint(e)
		}
		return out
	default:
		return []string{fmt.Sprint(x)}
	}
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// fakeEmbedder hashes words into buckets so texts sharing words score close.
// Texts listed in fixed get that vector instead.
type fakeEmbedder struct {
	mu     sync.Mutex
	fixed  map[string][]float32
	calls  int
	texts  []string
	models []string
	fail   error
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{fixed: map[string][]float32{}}
}

func (f *fakeEmbedder) Embed(_ context.Context, model string, dims int, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.models = append(f.models, model)
	if f.fail != nil {
		return nil, f.fail
	}
	out := make([][]float32, len(inputs))
	for i, text := range inputs {
		f.texts = append(f.texts, text)
		if v, ok := f.fixed[text]; ok {
			out[i] = v
			continue
		}
		out[i] = bagOfWords(text, dims)
	}
	return out, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func bagOfWords(text string, dims int) []float32 {
	v := make([]float32, dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[int(h.Sum32())%dims]++
	}
	return v
}

// angleVec returns a unit vector at angle rad from the first axis, so the
// cosine against axisVec() is cos(rad).
func angleVec(rad float64) []float32 {
	v := make([]float32, testDims)
	v[0] = float32(math.Cos(rad))
	v[1] = float32(math.Sin(rad))
	return v
}

func axisVec() []float32 { return angleVec(0) }

type llmCall struct {
	Model  string
	System string
	User   string
}

// fakeLLM answers with respond(call number, user prompt).
type fakeLLM struct {
	mu      sync.Mutex
	calls   []llmCall
	respond func(n int, user string) (map[string]any, error)
}

func (f *fakeLLM) GenerateJSON(_ context.Context, model, system, user, _ string, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, llmCall{Model: model, System: system, User: user})
	n := len(f.calls)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return map[string]any{"selected_concept_id": nil, "confidence": 0.0, "target_domains": []any{}, "reason": "none"}, nil
	}
	return respond(n, user)
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// selectFirstListed picks the first concept_id in the prompt, which is the
// top-ranked candidate.
func selectFirstListed(confidence float64) func(int, string) (map[string]any, error) {
	return func(_ int, user string) (map[string]any, error) {
		i := strings.Index(user, "concept_id=")
		if i < 0 {
			return map[string]any{"selected_concept_id": nil, "confidence": 0.0, "target_domains": []any{}, "reason": "empty"}, nil
		}
		rest := user[i+len("concept_id="):]
		end := strings.IndexAny(rest, " |")
		id, err := strconv.ParseInt(rest[:end], 10, 64)
		if err != nil {
			return nil, err
		}
		return map[string]any{"selected_concept_id": float64(id), "confidence": confidence, "target_domains": []any{}, "reason": "top candidate"}, nil
	}
}

type recordingProgress struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *recordingProgress) Publish(_ context.Context, ev ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingProgress) snapshot() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProgressEvent(nil), r.events...)
}

// pipeline wires every component over one rolled-back transaction.
type pipeline struct {
	ctx        context.Context
	tx         *gorm.DB
	concepts   vocabrepo.ConceptRepo
	sources    maprepo.SourceConceptRepo
	maps       maprepo.SourceStandardMapRepo
	audits     maprepo.AuditRepo
	embedded   maprepo.EmbeddedConceptRepo
	config     *ConfigStore
	index      *fakeIndex
	embedder   *fakeEmbedder
	llm        *fakeLLM
	progress   *recordingProgress
	embeddings *EmbeddingManager
	retriever  *Retriever
	reranker   *Reranker
	service    *Service
	batch      *BatchRunner
}

func newPipeline(t *testing.T, overrides map[string]string) *pipeline {
	t.Helper()
	ctx := context.Background()
	tx := repotest.Tx(t, repotest.DB(t))
	log := repotest.Logger(t)

	p := &pipeline{
		ctx:      ctx,
		tx:       tx,
		concepts: vocabrepo.NewConceptRepo(tx, log),
		sources:  maprepo.NewSourceConceptRepo(tx, log),
		maps:     maprepo.NewSourceStandardMapRepo(tx, log),
		audits:   maprepo.NewAuditRepo(tx, log),
		embedded: maprepo.NewEmbeddedConceptRepo(tx, log),
		index:    newFakeIndex(),
		embedder: newFakeEmbedder(),
		llm:      &fakeLLM{},
		progress: &recordingProgress{},
	}
	p.config = NewConfigStore(log, maprepo.NewAppConfigRepo(tx, log))
	values := map[string]string{
		KeyEmbeddingModel: "text-embedding-3-small",
		KeyEmbeddingDims:  strconv.Itoa(testDims),
	}
	for k, v := range overrides {
		values[k] = v
	}
	if err := p.config.Set(ctx, values); err != nil {
		t.Fatalf("config.Set: %v", err)
	}

	runner := aggregates.NewGormTxRunner(tx)
	retry := fastRetry(2)
	p.embeddings = NewEmbeddingManager(EmbeddingManagerDeps{
		Log:      log,
		Runner:   runner,
		Concepts: p.concepts,
		Sources:  p.sources,
		Embedded: p.embedded,
		Config:   p.config,
		Vectors:  p.index,
		Embedder: p.embedder,
		Retry:    retry,
	})
	p.retriever = NewRetriever(RetrieverDeps{
		Log:        log,
		Embeddings: p.embeddings,
		Concepts:   p.concepts,
		Vectors:    p.index,
		Config:     p.config,
		Retry:      retry,
	})
	p.reranker = NewReranker(RerankerDeps{Log: log, LLM: p.llm, Config: p.config, Retry: retry})
	committer := aggregates.NewMappingAggregate(aggregates.MappingAggregateDeps{
		Base:     aggregates.BaseDeps{DB: tx, Log: log, Runner: runner},
		Sources:  p.sources,
		Maps:     p.maps,
		Audits:   p.audits,
		Concepts: p.concepts,
	})
	p.service = NewService(ServiceDeps{
		Log:       log,
		Sources:   p.sources,
		Maps:      p.maps,
		Audits:    p.audits,
		Config:    p.config,
		Retriever: p.retriever,
		Reranker:  p.reranker,
		Committer: committer,
	})
	p.batch = NewBatchRunner(BatchRunnerDeps{
		Log:      log,
		Sources:  p.sources,
		Service:  p.service,
		Config:   p.config,
		Progress: p.progress,
	})
	return p
}

func (p *pipeline) settings(t *testing.T) Settings {
	t.Helper()
	s, err := p.config.Settings(p.ctx)
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	return s
}

// putStandard places a standard concept point directly in the active
// standard collection.
func (p *pipeline) putStandard(t *testing.T, c *vocab.Concept, vec []float32, atc ...string) {
	t.Helper()
	payload := map[string]any{
		payloadConceptID:    c.ConceptID,
		payloadConceptType:  string(mapping.ConceptTypeStandard),
		payloadDomainID:     c.DomainID,
		payloadVocabularyID: c.VocabularyID,
	}
	if len(atc) > 0 {
		payload[payloadAtc7] = atc
	}
	p.index.put(p.settings(t).Collection(mapping.ConceptTypeStandard), qdrant.Point{ID: uint64(c.ConceptID), Vector: vec, Payload: payload})
}
