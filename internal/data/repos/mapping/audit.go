package mapping

import (
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/pkg/dbctx"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

// MethodStats summarizes audit rows for one mapping method.
type MethodStats struct {
	MappingMethod string  `gorm:"column:mapping_method" json:"mapping_method"`
	Count         int64   `gorm:"column:count" json:"count"`
	AvgConfidence float64 `gorm:"column:avg_confidence" json:"avg_confidence"`
	MinConfidence float64 `gorm:"column:min_confidence" json:"min_confidence"`
	MaxConfidence float64 `gorm:"column:max_confidence" json:"max_confidence"`
}

type AuditRepo interface {
	Insert(dbc dbctx.Context, row *mapping.AutoMappingAudit) error
	CountBySource(dbc dbctx.Context, sourceID int64) (int64, error)
	ListBySource(dbc dbctx.Context, sourceID int64) ([]*mapping.AutoMappingAudit, error)
	Recent(dbc dbctx.Context, limit int) ([]*mapping.AutoMappingAudit, error)
	Stats(dbc dbctx.Context, vocabularyID string) ([]MethodStats, error)
}

type auditRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAuditRepo(db *gorm.DB, baseLog *logger.Logger) AuditRepo {
	return &auditRepo{
		db:  db,
		log: baseLog.With("repo", "AuditRepo"),
	}
}

func (r *auditRepo) Insert(dbc dbctx.Context, row *mapping.AutoMappingAudit) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	return dbc.Conn(r.db).Create(row).Error
}

func (r *auditRepo) CountBySource(dbc dbctx.Context, sourceID int64) (int64, error) {
	var n int64
	err := dbc.Conn(r.db).Model(&mapping.AutoMappingAudit{}).Where("source_id = ?", sourceID).Count(&n).Error
	return n, err
}

func (r *auditRepo) ListBySource(dbc dbctx.Context, sourceID int64) ([]*mapping.AutoMappingAudit, error) {
	var rows []*mapping.AutoMappingAudit
	if err := dbc.Conn(r.db).Where("source_id = ?", sourceID).Order("audit_id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *auditRepo) Recent(dbc dbctx.Context, limit int) ([]*mapping.AutoMappingAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []*mapping.AutoMappingAudit
	if err := dbc.Conn(r.db).Order("audit_id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *auditRepo) Stats(dbc dbctx.Context, vocabularyID string) ([]MethodStats, error) {
	tx := dbc.Conn(r.db).
		Table("auto_mapping_audit AS a").
		Select(`a.mapping_method AS mapping_method,
			COUNT(*) AS count,
			AVG(a.confidence_score) AS avg_confidence,
			MIN(a.confidence_score) AS min_confidence,
			MAX(a.confidence_score) AS max_confidence`)
	if vocabularyID != "" {
		tx = tx.Joins("JOIN source_concepts s ON s.source_id = a.source_id").
			Where("s.source_vocabulary_id = ?", vocabularyID)
	}
	var out []MethodStats
	if err := tx.Group("a.mapping_method").Order("a.mapping_method ASC").Scan(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
