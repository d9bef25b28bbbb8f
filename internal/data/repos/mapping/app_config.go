package mapping

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/pkg/dbctx"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

type AppConfigRepo interface {
	All(dbc dbctx.Context) (map[string]string, error)
	Set(dbc dbctx.Context, values map[string]string) error
	// SeedDefaults inserts keys that are missing and leaves existing values alone.
	SeedDefaults(dbc dbctx.Context, defaults map[string]string) error
}

type appConfigRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAppConfigRepo(db *gorm.DB, baseLog *logger.Logger) AppConfigRepo {
	return &appConfigRepo{
		db:  db,
		log: baseLog.With("repo", "AppConfigRepo"),
	}
}

func (r *appConfigRepo) All(dbc dbctx.Context) (map[string]string, error) {
	var rows []mapping.AppConfig
	if err := dbc.Conn(r.db).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

func (r *appConfigRepo) Set(dbc dbctx.Context, values map[string]string) error {
	rows := toRows(values)
	if len(rows) == 0 {
		return nil
	}
	return dbc.Conn(r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&rows).Error
}

func (r *appConfigRepo) SeedDefaults(dbc dbctx.Context, defaults map[string]string) error {
	rows := toRows(defaults)
	if len(rows) == 0 {
		return nil
	}
	return dbc.Conn(r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).
		Create(&rows).Error
}

func toRows(values map[string]string) []mapping.AppConfig {
	now := time.Now().UTC()
	rows := make([]mapping.AppConfig, 0, len(values))
	for k, v := range values {
		rows = append(rows, mapping.AppConfig{Key: k, Value: v, UpdatedAt: now})
	}
	return rows
}
