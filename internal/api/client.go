package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/hachimi/hachimi-core/internal/errors"
	"github.com/hachimi/hachimi-core/internal/monitoring"
	"github.com/hachimi/hachimi-core/internal/network"
)

const (
	pathSongByID       = "/song/detail_by_id"
	pathSongByJMID     = "/song/detail"
	pathTouch          = "/play_history/touch"
	pathTouchAnonymous = "/play_history/touch_anonymous"
	pathUserProfile    = "/user/profile"
)

// ClientOptions configures a Client
type ClientOptions struct {
	BaseURL           string
	UserAgent         string
	AccessToken       string
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

// Client talks to the remote content source
type Client struct {
	baseURL     string
	userAgent   string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	retry       apperrors.RetryConfig
	logger      *zap.Logger

	mu          sync.RWMutex
	accessToken string
}

// NewClient creates a rate limited API client
func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = network.GetDefaultClient()
	}

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}

	retry := apperrors.DefaultRetryConfig()
	retry.MaxAttempts = opts.MaxRetries + 1
	retry.InitialBackoff = 500 * time.Millisecond
	retry.MaxBackoff = 5 * time.Second

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		userAgent:   opts.UserAgent,
		httpClient:  httpClient,
		rateLimiter: rate.NewLimiter(rate.Limit(rps), burst),
		retry:       retry,
		logger:      monitoring.Component(opts.Logger, "api"),
		accessToken: opts.AccessToken,
	}
}

// SetAccessToken replaces the bearer token. An empty token means anonymous.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// IsAuthenticated returns whether requests carry a user token
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken != ""
}

// GetSongMetadata fetches metadata by canonical numeric id
func (c *Client) GetSongMetadata(ctx context.Context, id uint64) (*SongMetadata, error) {
	var song SongMetadata
	query := url.Values{"id": {strconv.FormatUint(id, 10)}}
	if err := c.get(ctx, "song_detail_by_id", pathSongByID, query, &song); err != nil {
		return nil, fmt.Errorf("failed to get song %d: %w", id, err)
	}
	return &song, nil
}

// GetSongMetadataByDisplayID fetches metadata by the human-facing display id
func (c *Client) GetSongMetadataByDisplayID(ctx context.Context, displayID string) (*SongMetadata, error) {
	if displayID == "" {
		return nil, apperrors.NewValidationError("display id cannot be empty")
	}
	var song SongMetadata
	if err := c.get(ctx, "song_detail", pathSongByJMID, url.Values{"id": {displayID}}, &song); err != nil {
		return nil, fmt.Errorf("failed to get song %s: %w", displayID, err)
	}
	return &song, nil
}

// TouchPlayHistory records a play, anonymously when no user is signed in
func (c *Client) TouchPlayHistory(ctx context.Context, songID uint64) error {
	path, endpoint := pathTouchAnonymous, "play_history_touch_anonymous"
	if c.IsAuthenticated() {
		path, endpoint = pathTouch, "play_history_touch"
	}
	return c.post(ctx, endpoint, path, songIDReq{SongID: songID}, nil)
}

// GetPublicProfile fetches an uploader's public profile
func (c *Client) GetPublicProfile(ctx context.Context, uid uint64) (*PublicUserProfile, error) {
	var profile PublicUserProfile
	query := url.Values{"uid": {strconv.FormatUint(uid, 10)}}
	if err := c.get(ctx, "user_profile", pathUserProfile, query, &profile); err != nil {
		return nil, fmt.Errorf("failed to get profile %d: %w", uid, err)
	}
	return &profile, nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, query url.Values, out interface{}) error {
	return c.do(ctx, endpoint, http.MethodGet, path, query, nil, out)
}

func (c *Client) post(ctx context.Context, endpoint, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.do(ctx, endpoint, http.MethodPost, path, nil, payload, out)
}

// do sends one logical request, retrying transport failures and 5xx answers
func (c *Client) do(ctx context.Context, endpoint, method, path string, query url.Values, payload []byte, out interface{}) error {
	return apperrors.RetryWithBackoffAndJitter(ctx, c.retry, func() error {
		start := time.Now()
		err := c.doOnce(ctx, method, path, query, payload, out)

		status := "success"
		if err != nil {
			status = "error"
			if !apperrors.IsCancellation(err) {
				c.logger.Debug("api request failed",
					zap.String("endpoint", endpoint),
					zap.Error(err))
			}
		}
		monitoring.RecordAPIRequest(endpoint, status, time.Since(start))
		return err
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, payload []byte, out interface{}) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return apperrors.NewValidationError(fmt.Sprintf("invalid request: %v", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	c.mu.RLock()
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NewNetworkError("request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.NewNotFoundError(fmt.Sprintf("%s not found", path))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperrors.NewNetworkError(fmt.Sprintf("server returned status %d", resp.StatusCode), nil)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewNetworkError("failed to read response", err)
	}

	var envelope response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &apperrors.AppError{
			Type:    apperrors.ErrTypeFetch,
			Message: fmt.Sprintf("malformed response (status %d)", resp.StatusCode),
			Cause:   err,
		}
	}

	if !envelope.OK {
		var e errorData
		_ = json.Unmarshal(envelope.Data, &e)
		msg := e.Msg
		if msg == "" {
			msg = fmt.Sprintf("request rejected with status %d", resp.StatusCode)
		}
		return &apperrors.AppError{Type: apperrors.ErrTypeFetch, Message: msg}
	}

	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &apperrors.AppError{
			Type:    apperrors.ErrTypeFetch,
			Message: "failed to decode response data",
			Cause:   err,
		}
	}
	return nil
}
