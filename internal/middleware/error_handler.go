package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// CustomErrorHandler creates a custom error handler for Echo that renders
// all errors as JSON with a stable shape.
func CustomErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	message := "Something went wrong. Please try again later."

	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if msg, ok := he.Message.(string); ok && msg != "" {
			message = msg
		}
	}

	c.Logger().Error(err)

	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]interface{}{
		"error":   http.StatusText(code),
		"message": message,
	})
}
