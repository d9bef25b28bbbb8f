package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/domain/vocab"
)

func TestDrugPolicyIsDrug(t *testing.T) {
	p := NewDrugPolicy(Settings{DrugVocabularies: []string{"local_drugs"}})

	assert.True(t, p.IsDrug(&mapping.SourceConcept{SourceValue: "ASPIRIN 100MG", SourceVocabularyID: "LOCAL_DRUGS"}))
	assert.True(t, p.IsDrug(&mapping.SourceConcept{SourceValue: "n02ba01 aspirin", SourceVocabularyID: "LAB"}))
	assert.False(t, p.IsDrug(&mapping.SourceConcept{SourceValue: "HTN", SourceVocabularyID: "LAB"}))
	assert.False(t, p.IsDrug(nil))

	require.Equal(t, vocab.CodeSet{"N02BA01"}, p.SourceAtc7(&mapping.SourceConcept{SourceValue: " n02ba01 aspirin"}))
	require.Nil(t, p.SourceAtc7(&mapping.SourceConcept{SourceValue: "N02B aspirin"}))
}

func TestDrugPolicyPromotesFifthRankedOverlap(t *testing.T) {
	in := []scoredCandidate{
		{ConceptID: 1, Score: 0.95, Atc7: vocab.CodeSet{"B01AC06"}},
		{ConceptID: 2, Score: 0.94},
		{ConceptID: 3, Score: 0.93, Atc7: vocab.CodeSet{"M01AE01"}},
		{ConceptID: 4, Score: 0.92},
		{ConceptID: 5, Score: 0.90, Atc7: vocab.CodeSet{"A01AD05", "N02BA01"}},
		{ConceptID: 6, Score: 0.80},
	}
	src := vocab.CodeSet{"N02BA01"}

	got := NewDrugPolicy(Settings{}).Promote(in, src)
	ids := make([]int64, 0, len(got))
	for _, c := range got {
		ids = append(ids, c.ConceptID)
	}
	require.Equal(t, []int64{5, 1, 2, 3, 4, 6}, ids)
	assert.True(t, got[0].Atc7Match)
	assert.False(t, got[1].Atc7Match)

	strict := NewDrugPolicy(Settings{Atc7Strict: true}).Promote(in, src)
	require.Len(t, strict, 1)
	assert.Equal(t, int64(5), strict[0].ConceptID)

	unchanged := NewDrugPolicy(Settings{}).Promote(in, nil)
	assert.Equal(t, in, unchanged)
}

func TestOrderBySimilarityBreaksTiesByID(t *testing.T) {
	in := []scoredCandidate{{ConceptID: 30, Score: 0.5}, {ConceptID: 20, Score: 0.9}, {ConceptID: 10, Score: 0.9}}
	orderBySimilarity(in)
	assert.Equal(t, int64(10), in[0].ConceptID)
	assert.Equal(t, int64(20), in[1].ConceptID)
	assert.Equal(t, int64(30), in[2].ConceptID)
}
