// Package s3compat implements the upload backend for S3 compatible storage,
// such as the S3 endpoint of a B2 bucket.
package s3compat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/samber/lo"

	"github.com/bitrise-io/b2pipe/retry"
	"github.com/bitrise-io/b2pipe/upload"
)

// MinPartSize is the smallest part S3 accepts, apart from the last one.
const MinPartSize = 5 * 1024 * 1024

// Params ...
type Params struct {
	// Endpoint is the base URL of the S3 API. Empty means AWS.
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	HTTPClient      *http.Client
}

type s3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Backend uploads through the S3 multipart API.
type Backend struct {
	client   s3API
	endpoint string
	bucket   string
	logger   log.Logger

	mu sync.Mutex
	// targets maps started upload IDs to their objects, UploadPart is only given the ID.
	targets map[string]upload.Target
}

var _ upload.Backend = (*Backend)(nil)

// New creates a Backend with credentials from params, falling back to the default AWS credential chain.
func New(ctx context.Context, params Params, logger log.Logger) (*Backend, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		// every Backend call is a single attempt, retries belong to the upload
		o.Retryer = aws.NopRetryer{}
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newBackend(client, params.Endpoint, params.Bucket, logger), nil
}

func newBackend(client s3API, endpoint, bucket string, logger log.Logger) *Backend {
	return &Backend{
		client:   client,
		endpoint: endpoint,
		bucket:   bucket,
		logger:   logger,
		targets:  map[string]upload.Target{},
	}
}

func loadAWSCredentials(ctx context.Context, params Params, logger log.Logger) (*aws.Config, error) {
	if params.Region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(params.Region),
	}

	if params.AccessKeyID != "" && params.SecretAccessKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, "")))
	}
	if params.HTTPClient != nil {
		opts = append(opts, config.WithHTTPClient(params.HTTPClient))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

// Authorize checks that the bucket is reachable with the configured credentials.
func (b *Backend) Authorize(ctx context.Context) (upload.Account, error) {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return upload.Account{}, classify(fmt.Errorf("head bucket: %w", err))
	}
	return upload.Account{APIURL: b.endpoint}, nil
}

// StartMultipart ...
func (b *Backend) StartMultipart(ctx context.Context, account upload.Account, target upload.Target) (string, error) {
	output, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:            aws.String(target.Bucket),
		Key:               aws.String(target.Path),
		ContentType:       aws.String(target.ContentType),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha1,
	})
	if err != nil {
		return "", classify(fmt.Errorf("create multipart upload: %w", err))
	}
	if output.UploadId == nil {
		return "", fmt.Errorf("create multipart upload: no upload id in response")
	}

	b.mu.Lock()
	b.targets[*output.UploadId] = target
	b.mu.Unlock()
	return *output.UploadId, nil
}

// UploadPart sends one part and returns its ETag. Failures are always retriable.
func (b *Backend) UploadPart(ctx context.Context, account upload.Account, fileID string, part upload.Part) (string, error) {
	b.mu.Lock()
	target, ok := b.targets[fileID]
	b.mu.Unlock()
	if !ok {
		return "", retry.Permanent(fmt.Errorf("upload part %d: unknown upload id %s", part.Index, fileID))
	}

	checksum, err := base64SHA1(part.SHA1)
	if err != nil {
		return "", retry.Permanent(err)
	}

	output, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:            aws.String(target.Bucket),
		Key:               aws.String(target.Path),
		UploadId:          aws.String(fileID),
		PartNumber:        aws.Int32(int32(part.Index)),
		Body:              bytes.NewReader(part.Body),
		ContentLength:     aws.Int64(int64(len(part.Body))),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha1,
		ChecksumSHA1:      aws.String(checksum),
	})
	if err != nil {
		return "", fmt.Errorf("upload part %d: %w", part.Index, err)
	}
	return aws.ToString(output.ETag), nil
}

// FinishMultipart ...
func (b *Backend) FinishMultipart(ctx context.Context, account upload.Account, fileID string, target upload.Target, parts []upload.PartResult) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		checksum, err := base64SHA1(p.SHA1)
		if err != nil {
			return retry.Permanent(err)
		}
		completed = append(completed, types.CompletedPart{
			ETag:         aws.String(p.ETag),
			PartNumber:   aws.Int32(int32(p.Index)),
			ChecksumSHA1: aws.String(checksum),
		})
	}

	_, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(target.Bucket),
		Key:      aws.String(target.Path),
		UploadId: aws.String(fileID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return classify(fmt.Errorf("complete multipart upload: %w", err))
	}

	b.logger.Debugf("Completed multipart upload with parts %v", lo.Map(parts, func(p upload.PartResult, _ int) int {
		return p.Index
	}))
	return nil
}

// CancelMultipart ...
func (b *Backend) CancelMultipart(ctx context.Context, account upload.Account, fileID string, target upload.Target) error {
	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(target.Bucket),
		Key:      aws.String(target.Path),
		UploadId: aws.String(fileID),
	})
	if err != nil {
		return classify(fmt.Errorf("abort multipart upload: %w", err))
	}
	return nil
}

// UploadSimple stores the object with a single PutObject.
func (b *Backend) UploadSimple(ctx context.Context, account upload.Account, target upload.Target, part upload.Part) error {
	checksum, err := base64SHA1(part.SHA1)
	if err != nil {
		return retry.Permanent(err)
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(target.Bucket),
		Key:               aws.String(target.Path),
		Body:              bytes.NewReader(part.Body),
		ContentType:       aws.String(target.ContentType),
		ContentLength:     aws.Int64(int64(len(part.Body))),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha1,
		ChecksumSHA1:      aws.String(checksum),
	})
	if err != nil {
		return classify(fmt.Errorf("put object: %w", err))
	}
	return nil
}

// base64SHA1 converts a hex SHA-1 to the base64 form used by S3 checksum fields.
func base64SHA1(hexSum string) (string, error) {
	sum, err := hex.DecodeString(hexSum)
	if err != nil {
		return "", fmt.Errorf("invalid sha1 %q: %w", hexSum, err)
	}
	return base64.StdEncoding.EncodeToString(sum), nil
}

var permanentCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"NoSuchBucket":          true,
	"NotFound":              true,
	"NoSuchUpload":          true,
	"InvalidBucketName":     true,
	"Forbidden":             true,
}

// classify marks authorization and missing resource failures as permanent.
// Bodiless responses (HEAD) carry no error code, so the status is checked too.
func classify(err error) error {
	var apiError smithy.APIError
	if errors.As(err, &apiError) && permanentCodes[apiError.ErrorCode()] {
		return retry.Permanent(err)
	}
	var responseError *awshttp.ResponseError
	if errors.As(err, &responseError) {
		switch responseError.HTTPStatusCode() {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return retry.Permanent(err)
		}
	}
	return err
}
