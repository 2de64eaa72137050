package progressserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mmcdole/shelvd/internal/domain"
)

// apiError is an error with the HTTP status it is reported with
type apiError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

func (e *apiError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *apiError) Unwrap() error { return e.Err }

func badRequest(err error) *apiError {
	return &apiError{Status: http.StatusBadRequest, Message: "invalid request", Err: err}
}

func unprocessable(msg string) *apiError {
	return &apiError{Status: http.StatusUnprocessableEntity, Message: msg}
}

// errorHandler reports the last handler error as JSON
func errorHandler(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		var apiErr *apiError
		switch {
		case errors.As(err, &apiErr):
		case errors.Is(err, domain.ErrNotFound):
			apiErr = &apiError{Status: http.StatusNotFound, Message: "not found", Err: err}
		case errors.Is(err, domain.ErrAuthFailed):
			apiErr = &apiError{Status: http.StatusUnauthorized, Message: "unauthorized", Err: err}
		default:
			apiErr = &apiError{Status: http.StatusInternalServerError, Message: "internal server error", Err: err}
		}

		if apiErr.Status >= 500 {
			logger.Error("request failed", "error", apiErr, "path", c.FullPath())
		} else {
			logger.Debug("request rejected", "error", apiErr, "status", apiErr.Status, "path", c.FullPath())
		}
		c.AbortWithStatusJSON(apiErr.Status, apiErr)
	}
}
