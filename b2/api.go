package b2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

type authorizeResponse struct {
	AccountID           string `json:"accountId"`
	APIURL              string `json:"apiUrl"`
	AuthorizationToken  string `json:"authorizationToken"`
	RecommendedPartSize int64  `json:"recommendedPartSize"`
}

type startLargeFileRequest struct {
	FileName    string `json:"fileName"`
	BucketID    string `json:"bucketId"`
	ContentType string `json:"contentType"`
}

type fileResponse struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
}

type getUploadPartURLRequest struct {
	FileID string `json:"fileId"`
}

type getUploadURLRequest struct {
	BucketID string `json:"bucketId"`
}

type uploadURLResponse struct {
	UploadURL          string `json:"uploadUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

type finishLargeFileRequest struct {
	FileID        string   `json:"fileId"`
	PartSha1Array []string `json:"partSha1Array"`
}

type cancelLargeFileRequest struct {
	FileID string `json:"fileId"`
}

type apiClient struct {
	httpClient *retryablehttp.Client
	logger     log.Logger
}

func (c apiClient) authorize(ctx context.Context, authorizeURL string, credentials Credentials) (authorizeResponse, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, authorizeURL, nil)
	if err != nil {
		return authorizeResponse{}, err
	}
	req.SetBasicAuth(credentials.AccountID, credentials.ApplicationKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return authorizeResponse{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return authorizeResponse{}, unwrapError(resp)
	}

	var response authorizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return authorizeResponse{}, fmt.Errorf("decode authorization: %w", err)
	}
	return response, nil
}

// call posts a JSON request to an API operation and decodes the JSON response into response, if not nil.
func (c apiClient) call(ctx context.Context, apiURL, token, operation string, request, response interface{}) error {
	body, err := json.Marshal(request)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/b2api/v2/%s", apiURL, operation), body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-type", "application/json")

	dump, err := dumpRequest(req.Request, true)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("%s request dump: %s", operation, dump)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}

	if response == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

// send transmits data to an upload URL.
func (c apiClient) send(ctx context.Context, uploadURL uploadURLResponse, headers map[string]string, data []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, uploadURL.UploadURL, data)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", uploadURL.AuthorizationToken)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	// Add Content-Length header manually because retryablehttp doesn't do it automatically
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))
	req.ContentLength = int64(len(data))

	dump, err := dumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Upload request dump: %s", dump)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}
	return nil
}

func (c apiClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

// encodeFileName percent-encodes a file name for the X-Bz-File-Name header, keeping the path separators.
func encodeFileName(name string) string {
	return strings.ReplaceAll(url.PathEscape(name), "%2F", "/")
}

// dumpRequest renders req for debug logs with the Authorization header masked.
func dumpRequest(req *http.Request, body bool) (string, error) {
	redacted := *req
	redacted.Header = req.Header.Clone()
	if redacted.Header.Get("Authorization") != "" {
		redacted.Header.Set("Authorization", "[redacted]")
	}

	dump, err := httputil.DumpRequest(&redacted, body)
	// DumpRequest replaces a consumed body with an unread copy
	req.Body = redacted.Body
	return string(dump), err
}
