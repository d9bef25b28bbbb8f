package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/domain/vocab"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(

		// =========================
		// Standard vocabulary (read-only to the mapper)
		// =========================
		&vocab.Concept{},
		&vocab.ConceptRelationship{},
		&vocab.ConceptAncestor{},
		&vocab.ConceptAtc7{},

		// =========================
		// Source side + committed mappings
		// =========================
		&mapping.SourceConcept{},
		&mapping.SourceStandardMap{},
		&mapping.AutoMappingAudit{},

		// =========================
		// Vector bookkeeping + config
		// =========================
		&mapping.EmbeddedConcept{},
		&mapping.AppConfig{},
	); err != nil {
		return err
	}
	return ensureActiveMappingIndex(db)
}

// ensureActiveMappingIndex makes "one active row per source_id" a storage
// guarantee. Postgres and SQLite both support partial unique indexes.
func ensureActiveMappingIndex(db *gorm.DB) error {
	stmt := `CREATE UNIQUE INDEX IF NOT EXISTS ux_source_standard_map_active
		ON source_standard_map (source_id) WHERE active`
	if db.Dialector.Name() == "sqlite" {
		stmt = `CREATE UNIQUE INDEX IF NOT EXISTS ux_source_standard_map_active
		ON source_standard_map (source_id) WHERE active = 1`
	}
	if err := db.Exec(stmt).Error; err != nil {
		return fmt.Errorf("create active mapping index: %w", err)
	}
	return nil
}
