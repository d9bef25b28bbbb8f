package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	dommapping "github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/http/response"
	"github.com/yungbote/omop-automapper/internal/mapping"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

type EmbeddingService interface {
	EnsureEmbedded(ctx context.Context, conceptID int64, conceptType dommapping.ConceptType) (*dommapping.EmbeddedConcept, error)
	Status(ctx context.Context) (mapping.EmbeddingStatus, error)
}

type EmbeddingHandlerDeps struct {
	Log        *logger.Logger
	Embeddings EmbeddingService
}

type EmbeddingHandler struct {
	log        *logger.Logger
	embeddings EmbeddingService
}

func NewEmbeddingHandler(deps EmbeddingHandlerDeps) *EmbeddingHandler {
	return &EmbeddingHandler{log: deps.Log, embeddings: deps.Embeddings}
}

type ensureEmbeddedRequest struct {
	ConceptID   int64                  `json:"concept_id"`
	ConceptType dommapping.ConceptType `json:"concept_type"`
}

// POST /api/v1/embeddings/ensure
func (h *EmbeddingHandler) Ensure(c *gin.Context) {
	var req ensureEmbeddedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.ConceptType == "" {
		req.ConceptType = dommapping.ConceptTypeStandard
	}
	row, err := h.embeddings.EnsureEmbedded(c.Request.Context(), req.ConceptID, req.ConceptType)
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"embedded_concept": row})
}

// GET /api/v1/embeddings/status
func (h *EmbeddingHandler) Status(c *gin.Context) {
	st, err := h.embeddings.Status(c.Request.Context())
	if err != nil {
		response.RespondDomainError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": st})
}
