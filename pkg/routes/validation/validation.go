// Package validation binds and validates request input for the route packages.
package validation

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var validate = validator.New()

// Bind decodes the request body into T and validates its struct tags.
func Bind[T any](c echo.Context) (T, error) {
	var req T
	if err := c.Bind(&req); err != nil {
		return req, httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := Struct(req); err != nil {
		return req, err
	}
	return req, nil
}

// Struct validates value and renders failures as a 400.
func Struct(value any) error {
	if err := validate.Struct(value); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, message(err))
	}
	return nil
}

// UUIDParam parses the named path parameter.
func UUIDParam(c echo.Context, name string) (uuid.UUID, error) {
	return parseUUID(name, c.Param(name))
}

// UUIDQuery parses the named query parameter.
func UUIDQuery(c echo.Context, name string) (uuid.UUID, error) {
	return parseUUID(name, c.QueryParam(name))
}

func parseUUID(name, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s is required", name))
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s must be a uuid", name))
	}
	return id, nil
}

func message(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
