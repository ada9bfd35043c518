package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"storyboard/pkg/schema"
	"storyboard/pkg/store"
	"storyboard/pkg/utils"
)

func (s *Server) handleGetRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"service": "Storyboard API",
		"status":  "ok",
		"clients": s.Hub.Clients(),
	})
}

// errStatus maps service errors to a response. Authorization and quota errors are reported as
// such so the UI can tell the user to fix their account instead of retrying.
func errStatus(c echo.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c.JSON(http.StatusNotFound, utils.ErrJSON(err.Error()))
	case errors.Is(err, schema.ErrUnauthorized):
		return c.JSON(http.StatusUnauthorized, utils.ErrJSON(err.Error()))
	case errors.Is(err, schema.ErrInsufficientBalance):
		return c.JSON(http.StatusPaymentRequired, utils.ErrJSON(err.Error()))
	default:
		return c.JSON(http.StatusInternalServerError, utils.ErrJSON(err.Error()))
	}
}
