package b2

import (
	"context"
	"strconv"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/samber/lo"

	"github.com/bitrise-io/b2pipe/upload"
)

// Backend uploads to B2 large files and single files.
type Backend struct {
	client       apiClient
	authorizeURL string
	credentials  Credentials
	logger       log.Logger
}

var _ upload.Backend = (*Backend)(nil)

// NewBackend ...
func NewBackend(params Params, logger log.Logger) *Backend {
	authorizeURL := params.AuthorizeURL
	if authorizeURL == "" {
		authorizeURL = DefaultAuthorizeURL
	}

	return &Backend{
		client: apiClient{
			httpClient: newRetryableClient(params.HTTPClient, logger),
			logger:     logger,
		},
		authorizeURL: authorizeURL,
		credentials:  params.Credentials,
		logger:       logger,
	}
}

// Authorize calls b2_authorize_account.
func (b *Backend) Authorize(ctx context.Context) (upload.Account, error) {
	response, err := b.client.authorize(ctx, b.authorizeURL, b.credentials)
	if err != nil {
		return upload.Account{}, classify(err)
	}

	b.logger.Debugf("Authorized account %s, recommended part size: %d", response.AccountID, response.RecommendedPartSize)
	return upload.Account{
		APIURL:             response.APIURL,
		AuthorizationToken: response.AuthorizationToken,
	}, nil
}

// StartMultipart calls b2_start_large_file.
func (b *Backend) StartMultipart(ctx context.Context, account upload.Account, target upload.Target) (string, error) {
	var response fileResponse
	err := b.client.call(ctx, account.APIURL, account.AuthorizationToken, "b2_start_large_file", startLargeFileRequest{
		FileName:    target.Path,
		BucketID:    target.Bucket,
		ContentType: target.ContentType,
	}, &response)
	if err != nil {
		return "", classify(err)
	}
	return response.FileID, nil
}

// UploadPart gets a fresh part upload URL and sends the part to it.
// Every failure is retriable here: upload URLs may go stale or busy at any time.
func (b *Backend) UploadPart(ctx context.Context, account upload.Account, fileID string, part upload.Part) (string, error) {
	var uploadURL uploadURLResponse
	err := b.client.call(ctx, account.APIURL, account.AuthorizationToken, "b2_get_upload_part_url", getUploadPartURLRequest{
		FileID: fileID,
	}, &uploadURL)
	if err != nil {
		return "", err
	}

	return "", b.client.send(ctx, uploadURL, map[string]string{
		"X-Bz-Part-Number":  strconv.Itoa(part.Index),
		"X-Bz-Content-Sha1": part.SHA1,
	}, part.Body)
}

// FinishMultipart calls b2_finish_large_file with the part hashes in index order.
func (b *Backend) FinishMultipart(ctx context.Context, account upload.Account, fileID string, target upload.Target, parts []upload.PartResult) error {
	err := b.client.call(ctx, account.APIURL, account.AuthorizationToken, "b2_finish_large_file", finishLargeFileRequest{
		FileID: fileID,
		PartSha1Array: lo.Map(parts, func(p upload.PartResult, _ int) string {
			return p.SHA1
		}),
	}, nil)
	return classify(err)
}

// CancelMultipart calls b2_cancel_large_file.
func (b *Backend) CancelMultipart(ctx context.Context, account upload.Account, fileID string, target upload.Target) error {
	err := b.client.call(ctx, account.APIURL, account.AuthorizationToken, "b2_cancel_large_file", cancelLargeFileRequest{
		FileID: fileID,
	}, nil)
	return classify(err)
}

// UploadSimple gets an upload URL for the bucket and sends the whole file to it.
func (b *Backend) UploadSimple(ctx context.Context, account upload.Account, target upload.Target, part upload.Part) error {
	var uploadURL uploadURLResponse
	err := b.client.call(ctx, account.APIURL, account.AuthorizationToken, "b2_get_upload_url", getUploadURLRequest{
		BucketID: target.Bucket,
	}, &uploadURL)
	if err != nil {
		return classify(err)
	}

	return b.client.send(ctx, uploadURL, map[string]string{
		"X-Bz-File-Name":    encodeFileName(target.Path),
		"Content-Type":      target.ContentType,
		"X-Bz-Content-Sha1": part.SHA1,
	}, part.Body)
}
