package build

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/bitten-ci/bitten/internal/master"
	"github.com/bitten-ci/bitten/pkg/protocol"
)

const maxBody = 256 << 20

// Controller serves the slave protocol.
type Controller struct {
	master *master.Master
}

// New returns a Controller over m.
func New(m *master.Master) *Controller {
	return &Controller{master: m}
}

// Create handles POST /builds: a slave asks for work.
func (ctl *Controller) Create(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return err
	}

	a, err := ctl.master.CreateBuild(c.Request().Context(), body, peer(c))
	if err != nil {
		return translate(err)
	}
	if a == nil {
		return c.NoContent(http.StatusNoContent)
	}

	c.SetCookie(&http.Cookie{
		Name:     protocol.SessionCookie,
		Value:    a.Token,
		Path:     "/",
		HttpOnly: true,
	})
	c.Response().Header().Set(echo.HeaderLocation, location(c, a.Build.ID))
	return c.String(http.StatusCreated, "Build pending")
}

// Get handles GET /builds/:id: the slave downloads the recipe.
func (ctl *Controller) Get(c echo.Context) error {
	id, err := buildID(c)
	if err != nil {
		return err
	}

	doc, err := ctl.master.Recipe(c.Request().Context(), id, peer(c))
	if err != nil {
		return translate(err)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, "attachment; filename="+doc.Filename)
	return c.Blob(http.StatusOK, protocol.ContentType, doc.Body)
}

// Delete handles DELETE /builds/:id: the slave aborts the build.
func (ctl *Controller) Delete(c echo.Context) error {
	id, err := buildID(c)
	if err != nil {
		return err
	}
	if err := ctl.master.Cancel(c.Request().Context(), id); err != nil {
		return translate(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Keepalive handles POST /builds/:id/keepalive.
func (ctl *Controller) Keepalive(c echo.Context) error {
	id, err := buildID(c)
	if err != nil {
		return err
	}
	if err := ctl.master.Keepalive(c.Request().Context(), id, peer(c)); err != nil {
		return translate(err)
	}
	return c.NoContent(http.StatusOK)
}

// Snapshot handles GET /builds/:id/snapshot.
func (ctl *Controller) Snapshot(c echo.Context) error {
	id, err := buildID(c)
	if err != nil {
		return err
	}
	path, err := ctl.master.Snapshot(c.Request().Context(), id, peer(c))
	if err != nil {
		return translate(err)
	}
	return c.Attachment(path, filepath.Base(path))
}

// PostStep handles POST /builds/:id/steps/: the slave reports a step.
func (ctl *Controller) PostStep(c echo.Context) error {
	id, err := buildID(c)
	if err != nil {
		return err
	}
	body, err := readBody(c)
	if err != nil {
		return err
	}

	step, err := ctl.master.SubmitStep(c.Request().Context(), id, body, peer(c))
	if err != nil {
		return translate(err)
	}

	c.Response().Header().Set(echo.HeaderLocation,
		fmt.Sprintf("%s/steps/%s", location(c, id), url.PathEscape(step.Name)))
	return c.String(http.StatusCreated, "Build step added")
}

func buildID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("No such build (%s)", c.Param("id")))
	}
	return id, nil
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBody))
	if err != nil {
		return nil, &echo.HTTPError{Code: http.StatusBadRequest, Message: "Failed to read request body", Internal: err}
	}
	return body, nil
}

func peer(c echo.Context) master.Peer {
	p := master.Peer{Addr: c.RealIP()}
	if cookie, err := c.Cookie(protocol.SessionCookie); err == nil {
		p.Token = cookie.Value
	}
	return p
}

func location(c echo.Context, id int64) string {
	return fmt.Sprintf("%s://%s/builds/%d", c.Scheme(), c.Request().Host, id)
}

// translate maps protocol errors to their HTTP status. Anything else is
// an internal error.
func translate(err error) error {
	var perr *master.Error
	if errors.As(err, &perr) {
		return echo.NewHTTPError(perr.Code, perr.Message)
	}
	return &echo.HTTPError{
		Code:     http.StatusInternalServerError,
		Message:  http.StatusText(http.StatusInternalServerError),
		Internal: err,
	}
}
