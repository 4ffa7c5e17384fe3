// Package b2 implements the upload backend on top of the Backblaze B2 native API.
package b2

import (
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultAuthorizeURL is the account authorization endpoint of the B2 API.
const DefaultAuthorizeURL = "https://api.backblazeb2.com/b2api/v2/b2_authorize_account"

// Credentials are the application key pair used for authorization.
type Credentials struct {
	AccountID      string
	ApplicationKey string
}

// Params ...
type Params struct {
	Credentials Credentials
	// AuthorizeURL overrides DefaultAuthorizeURL.
	AuthorizeURL string
	// HTTPClient is the underlying client. If nil, NewHTTPClient is used.
	HTTPClient *http.Client
}

// NewHTTPClient creates an HTTP client tuned for many concurrent part uploads.
func NewHTTPClient() *http.Client {
	return &http.Client{
		// No timeout, a request is bounded by its context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// newRetryableClient returns a client that makes exactly one attempt per call.
// Retrying is done one level up, where a failed part is hashed and sent again.
func newRetryableClient(httpClient *http.Client, logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.RetryMax = 0
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	client.HTTPClient = httpClient
	return client
}
