package vocab

import "time"

const (
	StandardFlag = "S"
	DomainDrug   = "Drug"
)

// Concept is an OMOP vocabulary concept. Rows are loaded by vocabulary
// ingestion and never written by the mapper.
type Concept struct {
	ConceptID       int64     `gorm:"column:concept_id;primaryKey;autoIncrement:false" json:"concept_id"`
	ConceptName     string    `gorm:"column:concept_name;not null" json:"concept_name"`
	DomainID        string    `gorm:"column:domain_id;not null;index" json:"domain_id"`
	VocabularyID    string    `gorm:"column:vocabulary_id;not null;index" json:"vocabulary_id"`
	ConceptClassID  string    `gorm:"column:concept_class_id;not null" json:"concept_class_id"`
	StandardConcept *string   `gorm:"column:standard_concept;size:1;index" json:"standard_concept,omitempty"`
	ConceptCode     string    `gorm:"column:concept_code;not null" json:"concept_code"`
	ValidStartDate  time.Time `gorm:"column:valid_start_date;type:date" json:"valid_start_date"`
	ValidEndDate    time.Time `gorm:"column:valid_end_date;type:date" json:"valid_end_date"`
	InvalidReason   *string   `gorm:"column:invalid_reason;size:1" json:"invalid_reason,omitempty"`
}

func (Concept) TableName() string { return "concept" }

func (c Concept) IsStandard() bool {
	return c.StandardConcept != nil && *c.StandardConcept == StandardFlag
}

type ConceptRelationship struct {
	ConceptID1     int64     `gorm:"column:concept_id_1;primaryKey;autoIncrement:false" json:"concept_id_1"`
	ConceptID2     int64     `gorm:"column:concept_id_2;primaryKey;autoIncrement:false;index" json:"concept_id_2"`
	RelationshipID string    `gorm:"column:relationship_id;primaryKey" json:"relationship_id"`
	ValidStartDate time.Time `gorm:"column:valid_start_date;type:date" json:"valid_start_date"`
	ValidEndDate   time.Time `gorm:"column:valid_end_date;type:date" json:"valid_end_date"`
	InvalidReason  *string   `gorm:"column:invalid_reason;size:1" json:"invalid_reason,omitempty"`
}

func (ConceptRelationship) TableName() string { return "concept_relationship" }

type ConceptAncestor struct {
	AncestorConceptID     int64 `gorm:"column:ancestor_concept_id;primaryKey;autoIncrement:false" json:"ancestor_concept_id"`
	DescendantConceptID   int64 `gorm:"column:descendant_concept_id;primaryKey;autoIncrement:false;index" json:"descendant_concept_id"`
	MinLevelsOfSeparation int   `gorm:"column:min_levels_of_separation" json:"min_levels_of_separation"`
	MaxLevelsOfSeparation int   `gorm:"column:max_levels_of_separation" json:"max_levels_of_separation"`
}

func (ConceptAncestor) TableName() string { return "concept_ancestor" }

// ConceptAtc7 lists the ATC level-5 codes of a standard drug concept.
type ConceptAtc7 struct {
	ConceptID int64   `gorm:"column:concept_id;primaryKey;autoIncrement:false" json:"concept_id"`
	Atc7Codes CodeSet `gorm:"column:atc7_codes" json:"atc7_codes"`
}

func (ConceptAtc7) TableName() string { return "concept_atc7" }
