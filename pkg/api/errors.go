package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/forgeline/forgeline/pkg/session"
	"github.com/forgeline/forgeline/pkg/store"
)

// mapStoreError maps store and session errors to HTTP error responses.
func mapStoreError(err error) *echo.HTTPError {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	// Cycle before generic invalid input: cycles are a conflict with the
	// existing dependency graph, not a malformed request.
	if errors.Is(err, store.ErrDependencyCycle) {
		return echo.NewHTTPError(http.StatusConflict, "dependency cycle detected")
	}
	if errors.Is(err, store.ErrInvalidInput) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, store.ErrAlreadyClaimed) {
		return echo.NewHTTPError(http.StatusConflict, "feature is already claimed")
	}
	if errors.Is(err, store.ErrInvalidTransition) {
		return echo.NewHTTPError(http.StatusConflict, "invalid status transition")
	}
	if errors.Is(err, session.ErrNoSession) {
		return echo.NewHTTPError(http.StatusNotFound, "no active work session")
	}

	// Unexpected error
	slog.Error("Unexpected store error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
