// Package api implements the versioned HTTP surface. Handlers are thin:
// they bind and validate input, call repositories or services with the
// caller's tenant from the resolved identity, and map errors onto the
// uniform {"detail": ...} body. No handler ever accepts a tenant id from
// the request.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/auth"
	"github.com/minirag/minirag/internal/middleware"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/repository"
)

// detail writes the uniform error body.
func detail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"detail": msg})
}

// bindJSON binds the request body and reports failures as 422. Field
// validation errors are flattened into one message so a client sees
// every failing field at once instead of fixing them one by one.
func bindJSON(c *gin.Context, target interface{}) bool {
	err := c.ShouldBindJSON(target)
	if err == nil {
		return true
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fieldMessage(fe))
		}
		detail(c, http.StatusUnprocessableEntity, strings.Join(msgs, "; "))
		return false
	}
	detail(c, http.StatusUnprocessableEntity, err.Error())
	return false
}

// fieldMessage renders one validator failure without exposing Go struct
// internals to the client.
func fieldMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email address"
	case "min":
		return field + " must be at least " + fe.Param() + " characters"
	case "max":
		return field + " must be at most " + fe.Param() + " characters"
	case "gte":
		return field + " must be >= " + fe.Param()
	case "lte":
		return field + " must be <= " + fe.Param()
	default:
		return field + " is invalid"
	}
}

// requireIdentity returns the identity stored by the auth middleware.
// Reaching a protected handler without one is a wiring bug, but it is
// still reported as 401 rather than a panic.
func requireIdentity(c *gin.Context) (*auth.AuthContext, bool) {
	identity, ok := middleware.Identity(c)
	if !ok {
		detail(c, http.StatusUnauthorized, "Not authenticated")
	}
	return identity, ok
}

// pathUUID parses a path parameter as a UUID, reporting 422 on garbage
// so malformed ids are distinguishable from missing rows.
func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		detail(c, http.StatusUnprocessableEntity, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// queryUUID parses an optional UUID query parameter. The bool reports
// whether handling may continue.
func queryUUID(c *gin.Context, name string) (*uuid.UUID, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		detail(c, http.StatusUnprocessableEntity, "Invalid "+name)
		return nil, false
	}
	return &id, true
}

// queryInt parses an optional integer query parameter, falling back to
// def when absent. The bool reports whether handling may continue.
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		detail(c, http.StatusUnprocessableEntity, "Invalid "+name)
		return 0, false
	}
	return v, true
}

// respondStoreError maps a repository error onto a response. notFound is
// the 404 detail; conflict the 409 detail, empty when the operation has
// no unique constraint to violate. Everything else is logged and hidden
// behind a generic 500.
func respondStoreError(c *gin.Context, log observability.Logger, err error, notFound, conflict string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		detail(c, http.StatusNotFound, notFound)
	case conflict != "" && errors.Is(err, repository.ErrDuplicate):
		detail(c, http.StatusConflict, conflict)
	default:
		log.Error("Request failed", map[string]interface{}{
			"path":  c.FullPath(),
			"error": err.Error(),
		})
		detail(c, http.StatusInternalServerError, "Internal server error")
	}
}
