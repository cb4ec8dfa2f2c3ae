package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tckz/go-pageview-counter/internal/tracking"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func respondError(c *gin.Context, status int, code string, err error) {
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

// respondTrackingError maps engine failures to a response.
// Store details are not leaked to clients; they go to the request log.
func respondTrackingError(c *gin.Context, err error) {
	_ = c.Error(err)

	kind := tracking.KindOf(err)
	switch kind {
	case tracking.KindInvalidInput:
		var te *tracking.Error
		msg := err
		if errors.As(err, &te) && te.Err != nil {
			msg = te.Err
		}
		respondError(c, http.StatusBadRequest, kind.String(), msg)
	case tracking.KindContention, tracking.KindUnavailable:
		c.Header("Retry-After", "1")
		respondError(c, http.StatusServiceUnavailable, kind.String(), errors.New("service unavailable, retry later"))
	default:
		respondError(c, http.StatusInternalServerError, tracking.KindFatal.String(), errors.New("internal server error"))
	}
}
