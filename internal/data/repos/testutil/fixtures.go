package testutil

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/domain/vocab"
)

var idSeq atomic.Int64

func init() {
	// Keep ids unique across runs against a shared Postgres database.
	idSeq.Store((time.Now().UnixNano() / 1000) % 1_000_000_000 * 1000)
}

// NextID returns a positive id that no other fixture in this process has used.
func NextID() int64 {
	return idSeq.Add(1)
}

type ConceptOpt func(*vocab.Concept)

func NonStandard() ConceptOpt {
	return func(c *vocab.Concept) { c.StandardConcept = nil }
}

func WithDomain(domainID string) ConceptOpt {
	return func(c *vocab.Concept) { c.DomainID = domainID }
}

func WithVocabulary(vocabularyID string) ConceptOpt {
	return func(c *vocab.Concept) { c.VocabularyID = vocabularyID }
}

func WithClass(classID string) ConceptOpt {
	return func(c *vocab.Concept) { c.ConceptClassID = classID }
}

func WithCode(code string) ConceptOpt {
	return func(c *vocab.Concept) { c.ConceptCode = code }
}

func WithID(id int64) ConceptOpt {
	return func(c *vocab.Concept) { c.ConceptID = id }
}

func SeedConcept(tb testing.TB, ctx context.Context, tx *gorm.DB, name string, opts ...ConceptOpt) *vocab.Concept {
	tb.Helper()
	std := vocab.StandardFlag
	c := &vocab.Concept{
		ConceptID:       NextID(),
		ConceptName:     name,
		DomainID:        "Condition",
		VocabularyID:    "SNOMED",
		ConceptClassID:  "Clinical Finding",
		StandardConcept: &std,
		ConceptCode:     "code",
		ValidStartDate:  time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidEndDate:    time.Date(2099, 12, 31, 0, 0, 0, 0, time.UTC),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := tx.WithContext(ctx).Create(c).Error; err != nil {
		tb.Fatalf("seed concept: %v", err)
	}
	return c
}

func SeedAtc7(tb testing.TB, ctx context.Context, tx *gorm.DB, conceptID int64, codes ...string) {
	tb.Helper()
	row := &vocab.ConceptAtc7{ConceptID: conceptID, Atc7Codes: vocab.CodeSet(codes)}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		tb.Fatalf("seed concept_atc7: %v", err)
	}
}

func SeedRelationship(tb testing.TB, ctx context.Context, tx *gorm.DB, from, to int64, relationshipID string) {
	tb.Helper()
	row := &vocab.ConceptRelationship{
		ConceptID1:     from,
		ConceptID2:     to,
		RelationshipID: relationshipID,
		ValidStartDate: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidEndDate:   time.Date(2099, 12, 31, 0, 0, 0, 0, time.UTC),
	}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		tb.Fatalf("seed concept_relationship: %v", err)
	}
}

func SeedAncestor(tb testing.TB, ctx context.Context, tx *gorm.DB, ancestorID, descendantID int64) {
	tb.Helper()
	row := &vocab.ConceptAncestor{AncestorConceptID: ancestorID, DescendantConceptID: descendantID, MinLevelsOfSeparation: 1, MaxLevelsOfSeparation: 1}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		tb.Fatalf("seed concept_ancestor: %v", err)
	}
}

func SeedSourceConcept(tb testing.TB, ctx context.Context, tx *gorm.DB, value, name, vocabularyID string, freq int) *mapping.SourceConcept {
	tb.Helper()
	s := &mapping.SourceConcept{
		SourceID:           NextID(),
		SourceValue:        value,
		SourceConceptName:  name,
		SourceVocabularyID: vocabularyID,
		Freq:               freq,
	}
	if err := tx.WithContext(ctx).Create(s).Error; err != nil {
		tb.Fatalf("seed source concept: %v", err)
	}
	return s
}
