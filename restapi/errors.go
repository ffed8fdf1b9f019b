package restapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sharedcode/dtx"
)

var errTransactionNotFound = errors.New("transaction not found")

// statusOf maps a coordinator error to an HTTP status.
// Indeterminate commits are accepted: cleanup decides their final state.
func statusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case dtx.OutcomeOf(err) == dtx.Indeterminate:
		return http.StatusAccepted
	case errors.Is(err, errTransactionNotFound),
		errors.Is(err, dtx.ErrDocumentNotFound),
		errors.Is(err, dtx.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, dtx.ErrConflict),
		errors.Is(err, dtx.ErrCASMismatch),
		errors.Is(err, dtx.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, dtx.ErrDurabilityImpossible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dtx.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, dtx.ErrSystemicStorage):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// abortWithError writes err with its mapped status and outcome.
func abortWithError(c *gin.Context, err error, extra gin.H) {
	h := gin.H{"message": err.Error(), "outcome": dtx.OutcomeOf(err).String()}
	for k, v := range extra {
		h[k] = v
	}
	c.AbortWithStatusJSON(statusOf(err), h)
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
}
