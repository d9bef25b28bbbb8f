package vocab

import (
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/omop-automapper/internal/domain/vocab"
	"github.com/yungbote/omop-automapper/internal/pkg/dbctx"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

// EmbeddableQuery selects standard concepts that still need a vector in Collection.
type EmbeddableQuery struct {
	Collection string
	DomainID   string
	AfterID    int64
	Limit      int
}

type ConceptRepo interface {
	GetByID(dbc dbctx.Context, conceptID int64) (*vocab.Concept, error)
	GetByIDs(dbc dbctx.Context, conceptIDs []int64) (map[int64]*vocab.Concept, error)
	Atc7ByConceptIDs(dbc dbctx.Context, conceptIDs []int64) (map[int64]vocab.CodeSet, error)
	ListEmbeddable(dbc dbctx.Context, q EmbeddableQuery) ([]*vocab.Concept, error)
	CountEligible(dbc dbctx.Context, domainID string) (int64, error)
	// DeriveAtc7 rebuilds concept_atc7 from relationships and ancestry and
	// returns the number of drug concepts with at least one code.
	DeriveAtc7(dbc dbctx.Context) (int, error)
}

type conceptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConceptRepo(db *gorm.DB, baseLog *logger.Logger) ConceptRepo {
	return &conceptRepo{
		db:  db,
		log: baseLog.With("repo", "ConceptRepo"),
	}
}

// Pack and brand level classes duplicate their clinical drug and are left out of the index.
const eligibleStandardClause = "standard_concept = 'S' AND LOWER(concept_class_id) NOT LIKE '%box%' AND LOWER(concept_class_id) NOT LIKE '%marketed%'"

func (r *conceptRepo) GetByID(dbc dbctx.Context, conceptID int64) (*vocab.Concept, error) {
	if conceptID <= 0 {
		return nil, nil
	}
	var row vocab.Concept
	err := dbc.Conn(r.db).
		Where("concept_id = ?", conceptID).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ConceptID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *conceptRepo) GetByIDs(dbc dbctx.Context, conceptIDs []int64) (map[int64]*vocab.Concept, error) {
	out := map[int64]*vocab.Concept{}
	if len(conceptIDs) == 0 {
		return out, nil
	}
	var rows []*vocab.Concept
	if err := dbc.Conn(r.db).Where("concept_id IN ?", conceptIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ConceptID] = row
	}
	return out, nil
}

func (r *conceptRepo) Atc7ByConceptIDs(dbc dbctx.Context, conceptIDs []int64) (map[int64]vocab.CodeSet, error) {
	out := map[int64]vocab.CodeSet{}
	if len(conceptIDs) == 0 {
		return out, nil
	}
	var rows []vocab.ConceptAtc7
	if err := dbc.Conn(r.db).Where("concept_id IN ?", conceptIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ConceptID] = row.Atc7Codes
	}
	return out, nil
}

func (r *conceptRepo) ListEmbeddable(dbc dbctx.Context, q EmbeddableQuery) ([]*vocab.Concept, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	tx := dbc.Conn(r.db).
		Model(&vocab.Concept{}).
		Where(eligibleStandardClause).
		Where("concept_id > ?", q.AfterID).
		Where("NOT EXISTS (SELECT 1 FROM embedded_concepts ec WHERE ec.concept_id = concept.concept_id AND ec.collection_name = ? AND ec.concept_type = 'standard')", q.Collection)
	if q.DomainID != "" {
		tx = tx.Where("domain_id = ?", q.DomainID)
	}
	var rows []*vocab.Concept
	if err := tx.Order("concept_id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *conceptRepo) CountEligible(dbc dbctx.Context, domainID string) (int64, error) {
	tx := dbc.Conn(r.db).Model(&vocab.Concept{}).Where(eligibleStandardClause)
	if domainID != "" {
		tx = tx.Where("domain_id = ?", domainID)
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

type drugAtcPair struct {
	DrugConceptID int64  `gorm:"column:drug_concept_id"`
	AtcCode       string `gorm:"column:atc_code"`
}

const atcPairsQuery = `
SELECT c1.concept_id AS drug_concept_id, c2.concept_code AS atc_code
FROM concept c1
JOIN concept_relationship cr ON c1.concept_id = cr.concept_id_1
JOIN concept c2 ON cr.concept_id_2 = c2.concept_id
WHERE c1.domain_id = 'Drug' AND c1.standard_concept = 'S'
  AND c2.vocabulary_id = 'ATC'
  AND cr.relationship_id IN ('Maps to', 'RxNorm has ing', 'Mapped from')
  AND cr.invalid_reason IS NULL
UNION
SELECT c1.concept_id AS drug_concept_id, c2.concept_code AS atc_code
FROM concept c1
JOIN concept_ancestor ca ON c1.concept_id = ca.descendant_concept_id
JOIN concept c2 ON ca.ancestor_concept_id = c2.concept_id
WHERE c1.domain_id = 'Drug' AND c1.standard_concept = 'S'
  AND c2.vocabulary_id = 'ATC'`

func (r *conceptRepo) DeriveAtc7(dbc dbctx.Context) (int, error) {
	var pairs []drugAtcPair
	if err := dbc.Conn(r.db).Raw(atcPairsQuery).Scan(&pairs).Error; err != nil {
		return 0, err
	}
	raw := map[int64][]string{}
	for _, p := range pairs {
		raw[p.DrugConceptID] = append(raw[p.DrugConceptID], p.AtcCode)
	}
	ids := make([]int64, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows := make([]vocab.ConceptAtc7, 0, len(ids))
	for _, id := range ids {
		codes := vocab.NormalizeAtc7(raw[id])
		if len(codes) == 0 {
			continue
		}
		rows = append(rows, vocab.ConceptAtc7{ConceptID: id, Atc7Codes: codes})
	}

	err := dbc.Conn(r.db).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&vocab.ConceptAtc7{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "concept_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"atc7_codes"}),
		}).CreateInBatches(rows, 500).Error
	})
	if err != nil {
		return 0, err
	}
	r.log.Info("concept_atc7 derived", "concepts", len(rows), "pairs", len(pairs))
	return len(rows), nil
}
