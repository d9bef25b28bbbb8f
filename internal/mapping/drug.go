package mapping

import (
	"sort"
	"strings"

	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/domain/vocab"
)

// DrugPolicy decides whether a source concept takes the drug path and how
// candidates are ordered on that path.
type DrugPolicy struct {
	vocabularies map[string]struct{}
	strict       bool
}

func NewDrugPolicy(s Settings) DrugPolicy {
	p := DrugPolicy{vocabularies: map[string]struct{}{}, strict: s.Atc7Strict}
	for _, v := range s.DrugVocabularies {
		p.vocabularies[strings.ToUpper(strings.TrimSpace(v))] = struct{}{}
	}
	return p
}

// SourceAtc7 returns the ATC7 code the source value starts with, if any.
func (p DrugPolicy) SourceAtc7(src *mapping.SourceConcept) vocab.CodeSet {
	if src == nil {
		return nil
	}
	if code, ok := vocab.ExtractAtc7Prefix(src.SourceValue); ok {
		return vocab.CodeSet{code}
	}
	return nil
}

// IsDrug reports whether src belongs to a configured drug vocabulary or is
// coded with an ATC7 prefix.
func (p DrugPolicy) IsDrug(src *mapping.SourceConcept) bool {
	if src == nil {
		return false
	}
	if _, ok := p.vocabularies[strings.ToUpper(strings.TrimSpace(src.SourceVocabularyID))]; ok {
		return true
	}
	return len(p.SourceAtc7(src)) > 0
}

type scoredCandidate struct {
	ConceptID int64
	Score     float64
	DomainID  string
	Atc7      vocab.CodeSet
	Atc7Match bool
}

// orderBySimilarity sorts by score desc, ties by concept id asc.
func orderBySimilarity(in []scoredCandidate) {
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].Score == in[j].Score {
			return in[i].ConceptID < in[j].ConceptID
		}
		return in[i].Score > in[j].Score
	})
}

// Promote moves ATC7-overlapping candidates ahead of the rest, keeping
// similarity order within each group. In strict mode the rest are dropped.
// Without source codes the input order is kept.
func (p DrugPolicy) Promote(in []scoredCandidate, sourceAtc vocab.CodeSet) []scoredCandidate {
	if len(sourceAtc) == 0 {
		return in
	}
	matched := make([]scoredCandidate, 0, len(in))
	rest := make([]scoredCandidate, 0, len(in))
	for _, c := range in {
		c.Atc7Match = sourceAtc.Overlaps(c.Atc7)
		if c.Atc7Match {
			matched = append(matched, c)
		} else {
			rest = append(rest, c)
		}
	}
	if p.strict {
		return matched
	}
	return append(matched, rest...)
}

func methodFor(drug bool) mapping.Method {
	if drug {
		return mapping.MethodAutoDrug
	}
	return mapping.MethodAutoStandard
}
