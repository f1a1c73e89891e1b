package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/petrijr/flowgrid/pkg/api"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// errorCodes maps sentinels to status codes and wire codes. Order matters:
// the first match wins.
var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{api.ErrDefinitionInvalid, http.StatusBadRequest, "definition_invalid"},
	{api.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{api.ErrDefinitionNotFound, http.StatusNotFound, "definition_not_found"},
	{api.ErrInstanceNotFound, http.StatusNotFound, "instance_not_found"},
	{api.ErrTaskNotFound, http.StatusNotFound, "task_not_found"},
	{api.ErrLockNotFound, http.StatusNotFound, "lock_not_found"},
	{api.ErrTaskExists, http.StatusConflict, "task_exists"},
	{api.ErrConcurrencyConflict, http.StatusConflict, "concurrency_conflict"},
	{api.ErrLeaseExpired, http.StatusConflict, "lease_expired"},
	{api.ErrNotHolder, http.StatusConflict, "not_holder"},
	{api.ErrAlreadyHeld, http.StatusConflict, "already_held"},
	{api.ErrStaleToken, http.StatusConflict, "stale_token"},
	{api.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{api.ErrRetryExhausted, http.StatusConflict, "retry_exhausted"},
	{api.ErrDeadlineExceeded, http.StatusConflict, "deadline_exceeded"},
	{api.ErrNodeUnavailable, http.StatusServiceUnavailable, "node_unavailable"},
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		body.Error = fmt.Sprint(he.Message)
	} else {
		for _, ec := range errorCodes {
			if errors.Is(err, ec.err) {
				status, body.Code = ec.status, ec.code
				break
			}
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request().Context(), "http_request_failed",
			slog.String("path", c.Path()),
			slog.Any("error", err),
		)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.logger.ErrorContext(c.Request().Context(), "http_error_write_failed", slog.Any("error", err))
	}
}

// decodeError rebuilds an error returned by the server.
func decodeError(status int, body errorBody) error {
	for _, ec := range errorCodes {
		if ec.code != "" && ec.code == body.Code {
			return fmt.Errorf("%w: %s", ec.err, body.Error)
		}
	}
	if body.Error == "" {
		body.Error = http.StatusText(status)
	}
	return fmt.Errorf("http %d: %s", status, body.Error)
}
