package mapping

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/pkg/dbctx"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

type UnmappedQuery struct {
	VocabularyID string
	Limit        int
}

type SourceConceptRepo interface {
	Create(dbc dbctx.Context, rows ...*mapping.SourceConcept) error
	GetByID(dbc dbctx.Context, sourceID int64) (*mapping.SourceConcept, error)
	// LockByID reads the row with FOR UPDATE when the dialect supports it.
	LockByID(dbc dbctx.Context, sourceID int64) (*mapping.SourceConcept, error)
	SetMapped(dbc dbctx.Context, sourceID int64, mapped bool) error
	ListUnmapped(dbc dbctx.Context, q UnmappedQuery) ([]*mapping.SourceConcept, error)
	ListEmbeddable(dbc dbctx.Context, collection, vocabularyID string, afterID int64, limit int) ([]*mapping.SourceConcept, error)
	CountUnmapped(dbc dbctx.Context, vocabularyID string) (int64, error)
}

type sourceConceptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSourceConceptRepo(db *gorm.DB, baseLog *logger.Logger) SourceConceptRepo {
	return &sourceConceptRepo{
		db:  db,
		log: baseLog.With("repo", "SourceConceptRepo"),
	}
}

func (r *sourceConceptRepo) Create(dbc dbctx.Context, rows ...*mapping.SourceConcept) error {
	if len(rows) == 0 {
		return nil
	}
	return dbc.Conn(r.db).Create(rows).Error
}

func (r *sourceConceptRepo) GetByID(dbc dbctx.Context, sourceID int64) (*mapping.SourceConcept, error) {
	return r.get(dbc.Conn(r.db), sourceID)
}

func (r *sourceConceptRepo) LockByID(dbc dbctx.Context, sourceID int64) (*mapping.SourceConcept, error) {
	conn := dbc.Conn(r.db)
	if conn.Dialector.Name() == "postgres" {
		conn = conn.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return r.get(conn, sourceID)
}

func (r *sourceConceptRepo) get(conn *gorm.DB, sourceID int64) (*mapping.SourceConcept, error) {
	if sourceID <= 0 {
		return nil, nil
	}
	var row mapping.SourceConcept
	err := conn.
		Where("source_id = ?", sourceID).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.SourceID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *sourceConceptRepo) SetMapped(dbc dbctx.Context, sourceID int64, mapped bool) error {
	return dbc.Conn(r.db).
		Model(&mapping.SourceConcept{}).
		Where("source_id = ?", sourceID).
		Update("mapped", mapped).Error
}

func (r *sourceConceptRepo) ListUnmapped(dbc dbctx.Context, q UnmappedQuery) ([]*mapping.SourceConcept, error) {
	tx := dbc.Conn(r.db).Where("mapped = ?", false)
	if q.VocabularyID != "" {
		tx = tx.Where("source_vocabulary_id = ?", q.VocabularyID)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var rows []*mapping.SourceConcept
	if err := tx.Order("freq DESC").Order("source_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *sourceConceptRepo) ListEmbeddable(dbc dbctx.Context, collection, vocabularyID string, afterID int64, limit int) ([]*mapping.SourceConcept, error) {
	if limit <= 0 {
		limit = 500
	}
	tx := dbc.Conn(r.db).
		Where("mapped = ?", false).
		Where("source_id > ?", afterID).
		Where("NOT EXISTS (SELECT 1 FROM embedded_concepts ec WHERE ec.concept_id = source_concepts.source_id AND ec.collection_name = ? AND ec.concept_type = 'source')", collection)
	if vocabularyID != "" {
		tx = tx.Where("source_vocabulary_id = ?", vocabularyID)
	}
	var rows []*mapping.SourceConcept
	if err := tx.Order("source_id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *sourceConceptRepo) CountUnmapped(dbc dbctx.Context, vocabularyID string) (int64, error) {
	tx := dbc.Conn(r.db).Model(&mapping.SourceConcept{}).Where("mapped = ?", false)
	if vocabularyID != "" {
		tx = tx.Where("source_vocabulary_id = ?", vocabularyID)
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}
