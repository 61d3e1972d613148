package slave

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-resty/resty/v2"
)

// Authenticator establishes a session with a master.
type Authenticator interface {
	// Login runs once per master before the first request.
	Login(ctx context.Context, client *resty.Client, master string) error
	// Challenge is called with a 401 response and reports whether the
	// request should be retried.
	Challenge(client *resty.Client, resp *resty.Response) bool
}

// HTTPAuth answers Basic and Digest challenges.
type HTTPAuth struct {
	Username string
	Password string

	scheme string
}

func (a *HTTPAuth) Login(context.Context, *resty.Client, string) error {
	return nil
}

func (a *HTTPAuth) Challenge(client *resty.Client, resp *resty.Response) bool {
	header := resp.Header().Get("WWW-Authenticate")
	scheme, _, _ := strings.Cut(strings.TrimSpace(header), " ")
	scheme = strings.ToLower(scheme)
	if scheme == a.scheme {
		return false
	}

	switch scheme {
	case "digest":
		client.SetDigestAuth(a.Username, a.Password)
	case "basic":
		client.SetBasicAuth(a.Username, a.Password)
	default:
		return false
	}
	a.scheme = scheme
	return true
}

var formToken = regexp.MustCompile(`__FORM_TOKEN" value="(.*?)"`)

// FormAuth logs in through an HTML form protected by a CSRF token. The
// session cookie ends up in the client's cookie jar.
type FormAuth struct {
	Username string
	Password string
}

func (a *FormAuth) Login(ctx context.Context, client *resty.Client, master string) error {
	login := loginURL(master)

	resp, err := client.R().SetContext(ctx).Get(login)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return exitf(ExitNoPerm, "failed to fetch login page %s: %s", login, resp.Status())
	}

	match := formToken.FindSubmatch(resp.Body())
	if match == nil {
		return exitf(ExitNoPerm, "no form token found on login page %s", login)
	}

	resp, err = client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"user":         a.Username,
			"password":     a.Password,
			"__FORM_TOKEN": string(match[1]),
			"referer":      master,
		}).
		Post(login)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return exitf(ExitNoPerm, "login to %s failed: %s", login, resp.Status())
	}
	return nil
}

func (a *FormAuth) Challenge(*resty.Client, *resty.Response) bool {
	return false
}

func loginURL(master string) string {
	base := strings.TrimSuffix(strings.TrimRight(master, "/"), "/builds")
	return base + "/login"
}
