package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/hachimi/hachimi-core/internal/errors"
)

const (
	chunkSize = 8 * 1024
	// maxPrealloc bounds the buffer grown from an advertised Content-Length
	maxPrealloc = 256 * 1024 * 1024
)

// ProgressFunc receives the completed fraction of a transfer, in [0,1]
type ProgressFunc func(fraction float64)

// TransferOptions tunes a Transfer
type TransferOptions struct {
	UserAgent string
	// AlwaysProbe issues a HEAD request for the size even when the GET
	// response advertises a Content-Length
	AlwaysProbe bool
}

// Transfer downloads whole resources into memory
type Transfer struct {
	client *http.Client
	opts   TransferOptions
}

// NewTransfer creates a Transfer over client. A nil client uses the default one.
func NewTransfer(client *http.Client, opts TransferOptions) *Transfer {
	if client == nil {
		client = GetDefaultClient()
	}
	return &Transfer{client: client, opts: opts}
}

// ProbeSize returns the Content-Length reported by a HEAD request, or -1
// when the server does not report one.
func (t *Transfer) ProbeSize(ctx context.Context, url string) (int64, error) {
	req, err := t.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return -1, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return -1, apperrors.NewNetworkError("HEAD request failed", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return -1, err
	}

	if resp.ContentLength <= 0 {
		return -1, nil
	}
	return resp.ContentLength, nil
}

// Download fetches url and reports progress after every chunk. Progress is
// only reported when the total size is known, from the response or from a
// HEAD probe, and never decreases.
func (t *Transfer) Download(ctx context.Context, url string, onProgress ProgressFunc) ([]byte, error) {
	req, err := t.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, apperrors.NewNetworkError("download request failed", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return nil, err
	}

	total := resp.ContentLength
	if total <= 0 || t.opts.AlwaysProbe {
		if probed, err := t.ProbeSize(ctx, url); err == nil && probed > 0 {
			total = probed
		} else if apperrors.IsCancellation(err) {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if total > 0 && total <= maxPrealloc {
		buf.Grow(int(total))
	}

	chunk := make([]byte, chunkSize)
	var count int64
	reported := 0.0
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			count += int64(n)

			if total > 0 && onProgress != nil {
				fraction := clamp(float64(count) / float64(total))
				if fraction > reported {
					reported = fraction
				}
				onProgress(reported)
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, apperrors.NewNetworkError("error reading response", readErr)
		}
	}

	if total > 0 && count < total {
		return nil, apperrors.NewNetworkError(fmt.Sprintf("download incomplete: %d of %d bytes", count, total), nil)
	}

	return buf.Bytes(), nil
}

// DownloadBytes fetches url without progress reporting
func (t *Transfer) DownloadBytes(ctx context.Context, url string) ([]byte, error) {
	return t.Download(ctx, url, nil)
}

func (t *Transfer) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid url %q: %v", url, err))
	}
	if t.opts.UserAgent != "" {
		req.Header.Set("User-Agent", t.opts.UserAgent)
	}
	return req, nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.NewNotFoundError(fmt.Sprintf("resource not found: %s", resp.Request.URL))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperrors.NewNetworkError(fmt.Sprintf("server returned status %d", resp.StatusCode), nil)
	default:
		return &apperrors.AppError{
			Type:    apperrors.ErrTypeNetwork,
			Message: fmt.Sprintf("server returned status %d", resp.StatusCode),
		}
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
