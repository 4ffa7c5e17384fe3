// Package source opens the input stream of an upload: standard input, a local file or an HTTP URL.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/mattn/go-isatty"
)

// Stdin is the location of standard input.
const Stdin = "-"

// ErrTerminalInput is returned when standard input is an interactive terminal instead of a pipe.
var ErrTerminalInput = errors.New("standard input is a terminal, pipe the data to upload into it")

// Opener ...
type Opener struct {
	stdin      io.Reader
	isTerminal func() bool
	httpClient *retryablehttp.Client
	logger     log.Logger
}

// NewOpener creates an Opener reading os.Stdin.
func NewOpener(logger log.Logger) *Opener {
	return &Opener{
		stdin: os.Stdin,
		isTerminal: func() bool {
			fd := os.Stdin.Fd()
			return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
		},
		httpClient: retryhttp.NewClient(logger),
		logger:     logger,
	}
}

// Open returns the stream at location. An empty location or "-" is standard input,
// http:// and https:// URLs are downloaded, anything else is a local path, optionally with a file:// prefix.
func (o *Opener) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	switch {
	case location == "" || location == Stdin:
		if o.isTerminal() {
			return nil, ErrTerminalInput
		}
		o.logger.Debugf("Reading standard input")
		return io.NopCloser(o.stdin), nil
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return o.download(ctx, location)
	default:
		path := strings.TrimPrefix(location, "file://")
		o.logger.Debugf("Reading %s", path)
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		return file, nil
	}
}

// download only retries until the response starts, the body is read once.
func (o *Opener) download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	o.logger.Debugf("Downloading %s", url)
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download input: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func(body io.ReadCloser) {
			err := body.Close()
			if err != nil {
				o.logger.Printf(err.Error())
			}
		}(resp.Body)
		return nil, unwrapError(resp)
	}

	return resp.Body, nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("download input: HTTP %d: %s", resp.StatusCode, errorResp)
}
