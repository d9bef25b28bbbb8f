package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	maprepo "github.com/yungbote/omop-automapper/internal/data/repos/mapping"
	domainagg "github.com/yungbote/omop-automapper/internal/domain/aggregates"
	dommapping "github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/http/response"
	"github.com/yungbote/omop-automapper/internal/mapping"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

type MappingService interface {
	Recommend(ctx context.Context, sourceID int64, domains ...string) (*mapping.Recommendation, error)
	Commit(ctx context.Context, in mapping.CommitInput) (domainagg.CommitMappingResult, error)
	Unmap(ctx context.Context, sourceID int64) (domainagg.UnmapResult, error)
	State(ctx context.Context, sourceID int64) (*mapping.MappingState, error)
	Stats(ctx context.Context, vocabularyID string) ([]maprepo.MethodStats, error)
	RecentAudits(ctx context.Context, limit int) ([]*dommapping.AutoMappingAudit, error)
}

type MappingHandlerDeps struct {
	Log     *logger.Logger
	Mapping MappingService
}

type MappingHandler struct {
	log     *logger.Logger
	mapping MappingService
}

func NewMappingHandler(deps MappingHandlerDeps) *MappingHandler {
	return &MappingHandler{log: deps.Log, mapping: deps.Mapping}
}

// GET /api/v1/source-concepts/:id/recommendation?domain=D
func (h *MappingHandler) Recommend(c *gin.Context) {
	sourceID, err := int64Param(c, "id")
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_source_id", err)
		return
	}
	rec, err := h.mapping.Recommend(c.Request.Context(), sourceID, listQuery(c, "domain")...)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"recommendation": rec})
}

type commitMappingRequest struct {
	SourceID        int64             `json:"source_id"`
	ConceptID       int64             `json:"concept_id"`
	ConfidenceScore *float64          `json:"confidence_score"`
	MappingMethod   dommapping.Method `json:"mapping_method"`
	TargetDomains   []string          `json:"target_domains"`
}

// POST /api/v1/mappings
//
// A request without mapping_method is a reviewer decision: it is recorded as
// manual with confidence 1 unless a score is given.
func (h *MappingHandler) Commit(c *gin.Context) {
	var req commitMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	in := mapping.CommitInput{
		SourceID:        req.SourceID,
		ConceptID:       req.ConceptID,
		ConfidenceScore: 1,
		MappingMethod:   dommapping.Method(strings.TrimSpace(string(req.MappingMethod))),
		TargetDomains:   req.TargetDomains,
	}
	if in.MappingMethod == "" {
		in.MappingMethod = dommapping.MethodManual
	}
	if req.ConfidenceScore != nil {
		in.ConfidenceScore = *req.ConfidenceScore
	}
	res, err := h.mapping.Commit(c.Request.Context(), in)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"mapping":    res.Map,
		"audit_id":   res.AuditID,
		"superseded": res.Superseded,
	})
}

// DELETE /api/v1/mappings/:source_id
func (h *MappingHandler) Unmap(c *gin.Context) {
	sourceID, err := int64Param(c, "source_id")
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_source_id", err)
		return
	}
	res, err := h.mapping.Unmap(c.Request.Context(), sourceID)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"unmapped": res})
}

// GET /api/v1/mappings/:source_id
func (h *MappingHandler) Get(c *gin.Context) {
	sourceID, err := int64Param(c, "source_id")
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_source_id", err)
		return
	}
	st, err := h.mapping.State(c.Request.Context(), sourceID)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, st)
}

// GET /api/v1/audits/stats?vocabulary=V
func (h *MappingHandler) Stats(c *gin.Context) {
	stats, err := h.mapping.Stats(c.Request.Context(), strings.TrimSpace(c.Query("vocabulary")))
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"stats": stats})
}

// GET /api/v1/audits?limit=N
func (h *MappingHandler) RecentAudits(c *gin.Context) {
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_limit", err)
		return
	}
	rows, err := h.mapping.RecentAudits(c.Request.Context(), limit)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"audits": rows})
}
