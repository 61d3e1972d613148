package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bitten-ci/bitten/pkg/log"
)

// ErrorHandler renders every error as a text/plain body.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := http.StatusText(code)

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
		if he.Internal != nil && code >= http.StatusInternalServerError {
			log.Error("request failed", "method", c.Request().Method, "uri", c.Request().RequestURI, "error", he.Internal)
		}
	} else {
		log.Error("request failed", "method", c.Request().Method, "uri", c.Request().RequestURI, "error", err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.String(code, msg)
	}
	if err != nil {
		log.Warn("failed to write error response", "error", err)
	}
}
