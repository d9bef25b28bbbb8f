package mapping

import (
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/pkg/dbctx"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

type SourceStandardMapRepo interface {
	Insert(dbc dbctx.Context, row *mapping.SourceStandardMap) error
	// ListActive returns every active row of sourceID. More than one row is an invariant breach.
	ListActive(dbc dbctx.Context, sourceID int64) ([]*mapping.SourceStandardMap, error)
	GetActive(dbc dbctx.Context, sourceID int64) (*mapping.SourceStandardMap, error)
	Deactivate(dbc dbctx.Context, mapID int64, at time.Time) (int64, error)
	History(dbc dbctx.Context, sourceID int64) ([]*mapping.SourceStandardMap, error)
}

type sourceStandardMapRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSourceStandardMapRepo(db *gorm.DB, baseLog *logger.Logger) SourceStandardMapRepo {
	return &sourceStandardMapRepo{
		db:  db,
		log: baseLog.With("repo", "SourceStandardMapRepo"),
	}
}

func (r *sourceStandardMapRepo) Insert(dbc dbctx.Context, row *mapping.SourceStandardMap) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	row.Active = true
	return dbc.Conn(r.db).Create(row).Error
}

func (r *sourceStandardMapRepo) ListActive(dbc dbctx.Context, sourceID int64) ([]*mapping.SourceStandardMap, error) {
	var rows []*mapping.SourceStandardMap
	err := dbc.Conn(r.db).
		Where("source_id = ? AND active = ?", sourceID, true).
		Order("map_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *sourceStandardMapRepo) GetActive(dbc dbctx.Context, sourceID int64) (*mapping.SourceStandardMap, error) {
	var row mapping.SourceStandardMap
	err := dbc.Conn(r.db).
		Where("source_id = ? AND active = ?", sourceID, true).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.MapID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *sourceStandardMapRepo) Deactivate(dbc dbctx.Context, mapID int64, at time.Time) (int64, error) {
	res := dbc.Conn(r.db).
		Model(&mapping.SourceStandardMap{}).
		Where("map_id = ? AND active = ?", mapID, true).
		Updates(map[string]any{"active": false, "superseded_at": at})
	return res.RowsAffected, res.Error
}

func (r *sourceStandardMapRepo) History(dbc dbctx.Context, sourceID int64) ([]*mapping.SourceStandardMap, error) {
	var rows []*mapping.SourceStandardMap
	if err := dbc.Conn(r.db).Where("source_id = ?", sourceID).Order("map_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
