package app

import (
	"gorm.io/gorm"

	maprepo "github.com/yungbote/omop-automapper/internal/data/repos/mapping"
	vocabrepo "github.com/yungbote/omop-automapper/internal/data/repos/vocab"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

type Repos struct {
	Concepts  vocabrepo.ConceptRepo
	Sources   maprepo.SourceConceptRepo
	Maps      maprepo.SourceStandardMapRepo
	Audits    maprepo.AuditRepo
	Embedded  maprepo.EmbeddedConceptRepo
	AppConfig maprepo.AppConfigRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Concepts:  vocabrepo.NewConceptRepo(db, log),
		Sources:   maprepo.NewSourceConceptRepo(db, log),
		Maps:      maprepo.NewSourceStandardMapRepo(db, log),
		Audits:    maprepo.NewAuditRepo(db, log),
		Embedded:  maprepo.NewEmbeddedConceptRepo(db, log),
		AppConfig: maprepo.NewAppConfigRepo(db, log),
	}
}
