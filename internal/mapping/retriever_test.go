package mapping

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	repotest "github.com/yungbote/omop-automapper/internal/data/repos/testutil"
	domainagg "github.com/yungbote/omop-automapper/internal/domain/aggregates"
	"github.com/yungbote/omop-automapper/internal/domain/vocab"
)

func conceptIDs(cands []Candidate) []int64 {
	out := make([]int64, len(cands))
	for i, c := range cands {
		out[i] = c.Concept.ConceptID
	}
	return out
}

// seedDrugRanking places six drug concepts at decreasing similarity to the
// source axis. Only the fifth shares the source's ATC7 code.
func seedDrugRanking(t *testing.T, p *pipeline) []*vocab.Concept {
	t.Helper()
	atc := [][]string{{"B01AC06"}, nil, {"N02BE01"}, {"M01AE01"}, {"N02BA01"}, nil}
	out := make([]*vocab.Concept, len(atc))
	for i := range atc {
		c := repotest.SeedConcept(t, p.ctx, p.tx, "drug candidate", repotest.WithDomain("Drug"), repotest.WithVocabulary("RxNorm"))
		p.putStandard(t, c, angleVec(0.1*float64(i+1)), atc[i]...)
		out[i] = c
	}
	return out
}

func TestRetrievePromotesFifthRankedAtcOverlap(t *testing.T) {
	p := newPipeline(t, nil)
	src := repotest.SeedSourceConcept(t, p.ctx, p.tx, "N02BA01 ASPIRIN 100MG", "", "LOCAL_RX", 10)
	p.embedder.fixed[src.SourceValue] = axisVec()
	drugs := seedDrugRanking(t, p)
	closer := repotest.SeedConcept(t, p.ctx, p.tx, "aspirin allergy")
	p.putStandard(t, closer, angleVec(0.01))

	ret, err := p.retriever.Retrieve(p.ctx, src, RetrieveInput{K: 5})
	require.NoError(t, err)
	require.True(t, ret.Drug)
	assert.Equal(t, vocab.CodeSet{"N02BA01"}, ret.SourceAtc7)

	cands, err := ret.Stream.Collect(p.ctx)
	require.NoError(t, err)
	want := []int64{drugs[4].ConceptID, drugs[0].ConceptID, drugs[1].ConceptID, drugs[2].ConceptID, drugs[3].ConceptID}
	require.Equal(t, want, conceptIDs(cands))
	assert.True(t, cands[0].Atc7Match)
	assert.False(t, cands[1].Atc7Match)
	assert.Greater(t, cands[1].Score, cands[0].Score, "promotion keeps the raw score")
}

func TestRetrieveStrictAtcDropsNonOverlapping(t *testing.T) {
	p := newPipeline(t, map[string]string{KeyAtc7Strict: "true"})
	src := repotest.SeedSourceConcept(t, p.ctx, p.tx, "N02BA01 ASPIRIN 100MG", "", "LOCAL_RX", 10)
	p.embedder.fixed[src.SourceValue] = axisVec()
	drugs := seedDrugRanking(t, p)

	ret, err := p.retriever.Retrieve(p.ctx, src, RetrieveInput{K: 5})
	require.NoError(t, err)
	cands, err := ret.Stream.Collect(p.ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{drugs[4].ConceptID}, conceptIDs(cands))
}

func TestRetrieveDrugVocabularyWithoutCodeKeepsSimilarityOrder(t *testing.T) {
	p := newPipeline(t, map[string]string{KeyDrugVocabularies: "LOCAL_RX"})
	src := repotest.SeedSourceConcept(t, p.ctx, p.tx, "ASPIRIN 100MG", "", "local_rx", 10)
	p.embedder.fixed[src.SourceValue] = axisVec()
	drugs := seedDrugRanking(t, p)

	ret, err := p.retriever.Retrieve(p.ctx, src, RetrieveInput{K: 3})
	require.NoError(t, err)
	require.True(t, ret.Drug)
	cands, err := ret.Stream.Collect(p.ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{drugs[0].ConceptID, drugs[1].ConceptID, drugs[2].ConceptID}, conceptIDs(cands))
}

func TestRetrieveBreaksTiesByConceptID(t *testing.T) {
	p := newPipeline(t, nil)
	src := repotest.SeedSourceConcept(t, p.ctx, p.tx, "HTN", "", "LOCAL_DX", 1)
	p.embedder.fixed[src.SourceValue] = axisVec()
	a := repotest.SeedConcept(t, p.ctx, p.tx, "hypertension")
	b := repotest.SeedConcept(t, p.ctx, p.tx, "high blood pressure")
	p.putStandard(t, b, angleVec(0.2))
	p.putStandard(t, a, angleVec(0.2))

	ret, err := p.retriever.Retrieve(p.ctx, src, RetrieveInput{K: 10})
	require.NoError(t, err)
	require.False(t, ret.Drug)
	cands, err := ret.Stream.Collect(p.ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{a.ConceptID, b.ConceptID}, conceptIDs(cands))
}

func TestRetrieveAppliesDomainFilter(t *testing.T) {
	p := newPipeline(t, nil)
	src := repotest.SeedSourceConcept(t, p.ctx, p.tx, "BP", "", "LOCAL_DX", 1)
	p.embedder.fixed[src.SourceValue] = axisVec()
	cond := repotest.SeedConcept(t, p.ctx, p.tx, "hypertension")
	meas := repotest.SeedConcept(t, p.ctx, p.tx, "blood pressure", repotest.WithDomain("Measurement"))
	p.putStandard(t, cond, angleVec(0.1))
	p.putStandard(t, meas, angleVec(0.3))

	ret, err := p.retriever.Retrieve(p.ctx, src, RetrieveInput{K: 10, Domains: []string{" Measurement ", ""}})
	require.NoError(t, err)
	cands, err := ret.Stream.Collect(p.ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{meas.ConceptID}, conceptIDs(cands))
}

func TestRetrieveEmptyCollectionYieldsEmptyStream(t *testing.T) {
	p := newPipeline(t, nil)
	src := repotest.SeedSourceConcept(t, p.ctx, p.tx, "XYZ", "", "LOCAL_DX", 1)

	ret, err := p.retriever.Retrieve(p.ctx, src, RetrieveInput{K: 10})
	require.NoError(t, err)
	c, ok, err := ret.Stream.Next(p.ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, c.Concept)
}

func TestRetrieveSkipsConceptsNoLongerStandard(t *testing.T) {
	p := newPipeline(t, nil)
	src := repotest.SeedSourceConcept(t, p.ctx, p.tx, "DM2", "", "LOCAL_DX", 1)
	p.embedder.fixed[src.SourceValue] = axisVec()
	keep := repotest.SeedConcept(t, p.ctx, p.tx, "type 2 diabetes mellitus")
	gone := repotest.SeedConcept(t, p.ctx, p.tx, "diabetes type II", repotest.NonStandard())
	p.putStandard(t, gone, angleVec(0.1))
	p.putStandard(t, keep, angleVec(0.2))
	missing := &vocab.Concept{ConceptID: repotest.NextID(), DomainID: "Condition"}
	p.putStandard(t, missing, angleVec(0.15))

	ret, err := p.retriever.Retrieve(p.ctx, src, RetrieveInput{K: 10})
	require.NoError(t, err)
	cands, err := ret.Stream.Collect(p.ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{keep.ConceptID}, conceptIDs(cands))

	// A drained stream stays drained.
	_, ok, err := ret.Stream.Next(p.ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetrieveClassifiesSearchErrors(t *testing.T) {
	p := newPipeline(t, nil)
	src := repotest.SeedSourceConcept(t, p.ctx, p.tx, "HTN", "", "LOCAL_DX", 1)
	p.index.searchErr = statusErr(http.StatusServiceUnavailable)

	_, err := p.retriever.Retrieve(p.ctx, src, RetrieveInput{K: 10})
	if !domainagg.IsCode(err, domainagg.CodeRetryable) {
		t.Fatalf("code: want=%s got=%s (%v)", domainagg.CodeRetryable, domainagg.CodeOf(err), err)
	}

	_, err = p.retriever.Retrieve(p.ctx, src, RetrieveInput{K: 0})
	if !domainagg.IsCode(err, domainagg.CodeValidation) {
		t.Fatalf("code: want=%s got=%s (%v)", domainagg.CodeValidation, domainagg.CodeOf(err), err)
	}
}
