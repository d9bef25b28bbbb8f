package mapping

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/pkg/dbctx"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

type EmbeddedConceptRepo interface {
	Get(dbc dbctx.Context, conceptID int64, collection string, conceptType mapping.ConceptType) (*mapping.EmbeddedConcept, error)
	// InsertIgnore writes rows and skips keys that already exist.
	InsertIgnore(dbc dbctx.Context, rows []*mapping.EmbeddedConcept) error
	Count(dbc dbctx.Context, collection string, conceptType mapping.ConceptType) (int64, error)
	ListByConcept(dbc dbctx.Context, conceptID int64, conceptType mapping.ConceptType) ([]*mapping.EmbeddedConcept, error)
}

type embeddedConceptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEmbeddedConceptRepo(db *gorm.DB, baseLog *logger.Logger) EmbeddedConceptRepo {
	return &embeddedConceptRepo{
		db:  db,
		log: baseLog.With("repo", "EmbeddedConceptRepo"),
	}
}

func (r *embeddedConceptRepo) Get(dbc dbctx.Context, conceptID int64, collection string, conceptType mapping.ConceptType) (*mapping.EmbeddedConcept, error) {
	var row mapping.EmbeddedConcept
	err := dbc.Conn(r.db).
		Where("concept_id = ? AND collection_name = ? AND concept_type = ?", conceptID, collection, conceptType).
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

func (r *embeddedConceptRepo) InsertIgnore(dbc dbctx.Context, rows []*mapping.EmbeddedConcept) error {
	if len(rows) == 0 {
		return nil
	}
	return dbc.Conn(r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "concept_id"}, {Name: "collection_name"}, {Name: "concept_type"}},
			DoNothing: true,
		}).
		CreateInBatches(rows, 500).Error
}

func (r *embeddedConceptRepo) Count(dbc dbctx.Context, collection string, conceptType mapping.ConceptType) (int64, error) {
	var n int64
	err := dbc.Conn(r.db).
		Model(&mapping.EmbeddedConcept{}).
		Where("collection_name = ? AND concept_type = ?", collection, conceptType).
		Count(&n).Error
	return n, err
}

func (r *embeddedConceptRepo) ListByConcept(dbc dbctx.Context, conceptID int64, conceptType mapping.ConceptType) ([]*mapping.EmbeddedConcept, error) {
	var rows []*mapping.EmbeddedConcept
	err := dbc.Conn(r.db).
		Where("concept_id = ? AND concept_type = ?", conceptID, conceptType).
		Order("embedded_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
