package mapping

import (
	"time"

	"github.com/yungbote/omop-automapper/internal/domain/vocab"
)

// ConceptType tags which side of the mapping a vector or row belongs to.
type ConceptType string

const (
	ConceptTypeStandard ConceptType = "standard"
	ConceptTypeSource   ConceptType = "source"
)

func (t ConceptType) Valid() bool {
	return t == ConceptTypeStandard || t == ConceptTypeSource
}

type Method string

const (
	MethodAutoDrug     Method = "auto_drug"
	MethodAutoStandard Method = "auto_standard"
	MethodManual       Method = "manual"
)

func (m Method) Valid() bool {
	switch m {
	case MethodAutoDrug, MethodAutoStandard, MethodManual:
		return true
	default:
		return false
	}
}

// SourceConcept is a locally coded term awaiting a standard mapping.
type SourceConcept struct {
	SourceID           int64  `gorm:"column:source_id;primaryKey;autoIncrement" json:"source_id"`
	SourceValue        string `gorm:"column:source_value;not null" json:"source_value"`
	SourceConceptName  string `gorm:"column:source_concept_name" json:"source_concept_name"`
	SourceVocabularyID string `gorm:"column:source_vocabulary_id;not null;index" json:"source_vocabulary_id"`
	Freq               int    `gorm:"column:freq;not null;default:0" json:"freq"`
	Mapped             bool   `gorm:"column:mapped;not null;default:false;index" json:"mapped"`
}

func (SourceConcept) TableName() string { return "source_concepts" }

// Text is the string that represents the source concept to the embedder and the reranker.
func (s SourceConcept) Text() string {
	if s.SourceConceptName != "" {
		return s.SourceConceptName
	}
	return s.SourceValue
}

// SourceStandardMap is one committed mapping. At most one row per source_id
// has Active=true; superseded rows are kept as history.
type SourceStandardMap struct {
	MapID        int64      `gorm:"column:map_id;primaryKey;autoIncrement" json:"map_id"`
	SourceID     int64      `gorm:"column:source_id;not null;index" json:"source_id"`
	ConceptID    int64      `gorm:"column:concept_id;not null;index" json:"concept_id"`
	Active       bool       `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	SupersededAt *time.Time `gorm:"column:superseded_at" json:"superseded_at,omitempty"`
}

func (SourceStandardMap) TableName() string { return "source_standard_map" }

// AutoMappingAudit is append-only; one row per successful commit.
type AutoMappingAudit struct {
	AuditID         int64         `gorm:"column:audit_id;primaryKey;autoIncrement" json:"audit_id"`
	SourceID        int64         `gorm:"column:source_id;not null;index" json:"source_id"`
	ConceptID       int64         `gorm:"column:concept_id;not null" json:"concept_id"`
	ConfidenceScore float64       `gorm:"column:confidence_score;not null" json:"confidence_score"`
	MappingMethod   Method        `gorm:"column:mapping_method;not null;index" json:"mapping_method"`
	TargetDomains   vocab.CodeSet `gorm:"column:target_domains" json:"target_domains"`
	CreatedAt       time.Time     `gorm:"column:created_at;not null" json:"created_at"`
}

func (AutoMappingAudit) TableName() string { return "auto_mapping_audit" }

// EmbeddedConcept records that a concept's vector exists in CollectionName.
type EmbeddedConcept struct {
	ConceptID          int64       `gorm:"column:concept_id;primaryKey;autoIncrement:false" json:"concept_id"`
	CollectionName     string      `gorm:"column:collection_name;primaryKey" json:"collection_name"`
	ConceptType        ConceptType `gorm:"column:concept_type;primaryKey" json:"concept_type"`
	EmbeddingModel     string      `gorm:"column:embedding_model;not null" json:"embedding_model"`
	EmbeddedAt         time.Time   `gorm:"column:embedded_at;not null" json:"embedded_at"`
	SourceVocabularyID *string     `gorm:"column:source_vocabulary_id" json:"source_vocabulary_id,omitempty"`
}

func (EmbeddedConcept) TableName() string { return "embedded_concepts" }

type AppConfig struct {
	Key       string    `gorm:"column:key;primaryKey" json:"key"`
	Value     string    `gorm:"column:value;not null" json:"value"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (AppConfig) TableName() string { return "app_config" }
