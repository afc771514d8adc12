package caldav

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-webdav"
	"golang.org/x/oauth2"

	"github.com/djwarf/calsync/pkg/providers"
)

// statusClient turns HTTP error statuses into *providers.Error so callers
// can classify failures reported through go-webdav.
type statusClient struct {
	inner webdav.HTTPClient
}

func (c *statusClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.inner.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp, nil
}

// responseError reads a short excerpt of the body into the error message.
func responseError(resp *http.Response) *providers.Error {
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(excerpt))
	if msg == "" || strings.HasPrefix(msg, "<") {
		msg = resp.Status
	}
	return providers.StatusError(resp.StatusCode, msg)
}

// NewHTTPClient builds the authenticated transport for a set of
// credentials: bearer tokens when a TokenSource is present, basic auth
// otherwise.
func NewHTTPClient(creds *providers.Credentials, timeout time.Duration) webdav.HTTPClient {
	base := &http.Client{Timeout: timeout}
	if creds.TokenSource != nil {
		return &http.Client{
			Timeout: timeout,
			Transport: &oauth2.Transport{
				Source: oauth2.ReuseTokenSource(nil, creds.TokenSource),
				Base:   http.DefaultTransport,
			},
		}
	}
	if creds.Username == "" && creds.Password == "" {
		return base
	}
	return webdav.HTTPClientWithBasicAuth(base, creds.Username, creds.Password)
}
