package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	domainagg "github.com/yungbote/omop-automapper/internal/domain/aggregates"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondDomainError picks the status from the pipeline error code carried by
// err. Errors without a code are internal.
func RespondDomainError(c *gin.Context, err error) {
	code := domainagg.CodeOf(err)
	if code == "" {
		code = domainagg.CodeInternal
	}
	RespondError(c, StatusFor(code), string(code), err)
}

func StatusFor(code domainagg.ErrorCode) int {
	switch code {
	case domainagg.CodeValidation:
		return http.StatusBadRequest
	case domainagg.CodeNotFound:
		return http.StatusNotFound
	case domainagg.CodeCommitConflict, domainagg.CodeInvariantViolation:
		return http.StatusConflict
	case domainagg.CodeRetrievalEmpty:
		return http.StatusUnprocessableEntity
	case domainagg.CodeEmbeddingFailure, domainagg.CodeRerankFailure:
		return http.StatusBadGateway
	case domainagg.CodeRetryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
