package slave

import (
	"context"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/bitten-ci/bitten/pkg/protocol"
)

const UserAgent = "Bitten Slave"

// client talks to masters. Cookies, including the session token, persist
// across requests in the resty cookie jar.
type client struct {
	*resty.Client

	auth     Authenticator
	loggedIn map[string]bool
}

func newClient(auth Authenticator, timeout time.Duration) *client {
	r := resty.New().
		SetHeader("User-Agent", UserAgent).
		SetHeader("Accept", protocol.ContentType)
	if timeout > 0 {
		r.SetTimeout(timeout)
	}
	return &client{Client: r, auth: auth, loggedIn: map[string]bool{}}
}

// login runs the authenticator once per master.
func (c *client) login(ctx context.Context, master string) error {
	if c.auth == nil || c.loggedIn[master] {
		return nil
	}
	if err := c.auth.Login(ctx, c.Client, master); err != nil {
		return err
	}
	c.loggedIn[master] = true
	return nil
}

// request sends body with the protocol content type, retrying once
// after an answered authentication challenge.
func (c *client) request(ctx context.Context, method, url string, body []byte) (*resty.Response, error) {
	send := func() (*resty.Response, error) {
		r := c.R().SetContext(ctx)
		if body != nil {
			r.SetHeader("Content-Type", protocol.ContentType).SetBody(body)
		}
		return r.Execute(method, url)
	}

	resp, err := send()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusUnauthorized && c.auth != nil && c.auth.Challenge(c.Client, resp) {
		return send()
	}
	return resp, nil
}

// download streams url into dir and returns the file path. The name is
// taken from Content-Disposition. A 404 yields an empty path.
func (c *client) download(ctx context.Context, url, dir string) (string, error) {
	resp, err := c.R().SetContext(ctx).SetDoNotParseResponse(true).Get(url)
	if err != nil {
		return "", err
	}
	body := resp.RawBody()
	defer body.Close()

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(body, 4096))
		return "", exitf(ExitProtocol, "snapshot download failed: %s %s", resp.Status(), strings.TrimSpace(string(msg)))
	}

	name := "snapshot.tar.gz"
	if _, params, err := mime.ParseMediaType(resp.Header().Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = filepath.Base(params["filename"])
	}

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return "", err
	}
	return path, f.Close()
}
