// Package session is a small client for the backend's ASR session API. A
// started session returns the ws_url the result stream connects to.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// APIError is a non-2xx response from the session API.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("session api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("session api: status %d: %s", e.StatusCode, e.Detail)
}

// IsConflict reports whether err is the 409 the backend returns when the
// device already has an active session.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 409
}

// StartRequest is the body of POST /asr/devices/{id}/session/start.
type StartRequest struct {
	Language   string `json:"language"`
	VADEnabled bool   `json:"vad_enabled"`
}

// StartResponse describes a newly created session.
type StartResponse struct {
	SessionID  string `json:"session_id"`
	DeviceID   int    `json:"device_id"`
	DeviceName string `json:"device_name"`
	WSURL      string `json:"ws_url"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

type stopRequest struct {
	SessionID string `json:"session_id"`
}

// StopResponse summarises a stopped session.
type StopResponse struct {
	SessionID     string `json:"session_id"`
	DeviceID      int    `json:"device_id"`
	Status        string `json:"status"`
	SegmentsCount int    `json:"segments_count"`
}

// Info is the live state of one session.
type Info struct {
	SessionID     string  `json:"session_id"`
	IsActive      bool    `json:"is_active"`
	IsProcessing  bool    `json:"is_processing"`
	SegmentsCount int     `json:"segments_count"`
	LastResult    *string `json:"last_result"`
	CreatedAt     string  `json:"created_at"`
}

// StatusResponse reports whether a device has an active session.
type StatusResponse struct {
	DeviceID         int    `json:"device_id"`
	DeviceName       string `json:"device_name"`
	HasActiveSession bool   `json:"has_active_session"`
	Session          *Info  `json:"session"`
}

type errorBody struct {
	Detail string `json:"detail"`
}

// DefaultRetryCount is used when Options.RetryCount is zero.
const DefaultRetryCount = 3

// Options configures a Client.
type Options struct {
	BaseURL     string
	TokenSource func() string
	Timeout     time.Duration
	// RetryCount retries transport errors and 5xx responses. Zero means
	// DefaultRetryCount; a negative value disables retries.
	RetryCount int
	RetryWait  time.Duration
}

// Client calls the session API.
type Client struct {
	http  *resty.Client
	token func() string
}

// New returns a Client for the API rooted at opts.BaseURL, e.g.
// http://localhost:8000/api.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	switch {
	case opts.RetryCount == 0:
		opts.RetryCount = DefaultRetryCount
	case opts.RetryCount < 0:
		opts.RetryCount = 0
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}
	hc := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(retryable).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{http: hc, token: opts.TokenSource}
}

// retryable retries transport failures and server errors; 4xx answers are
// final.
func retryable(resp *resty.Response, err error) bool {
	return err != nil || (resp != nil && resp.StatusCode() >= 500)
}

func (c *Client) request(ctx context.Context) *resty.Request {
	r := c.http.R().SetContext(ctx).SetError(&errorBody{})
	if c.token != nil {
		if tok := c.token(); tok != "" {
			r.SetAuthToken(tok)
		}
	}
	return r
}

// Start asks the backend to open an ASR session for deviceID.
func (c *Client) Start(ctx context.Context, deviceID int, req StartRequest) (*StartResponse, error) {
	var out StartResponse
	resp, err := c.request(ctx).
		SetBody(req).
		SetResult(&out).
		Post(fmt.Sprintf("/asr/devices/%d/session/start", deviceID))
	if err := check(resp, err, "start"); err != nil {
		return nil, err
	}
	slog.Info("session: started", "device_id", deviceID, "session_id", out.SessionID)
	return &out, nil
}

// Stop ends sessionID on deviceID.
func (c *Client) Stop(ctx context.Context, deviceID int, sessionID string) (*StopResponse, error) {
	var out StopResponse
	resp, err := c.request(ctx).
		SetBody(stopRequest{SessionID: sessionID}).
		SetResult(&out).
		Post(fmt.Sprintf("/asr/devices/%d/session/stop", deviceID))
	if err := check(resp, err, "stop"); err != nil {
		return nil, err
	}
	slog.Info("session: stopped", "device_id", deviceID, "session_id", sessionID, "segments", out.SegmentsCount)
	return &out, nil
}

// Status returns the device's current session, if any.
func (c *Client) Status(ctx context.Context, deviceID int) (*StatusResponse, error) {
	var out StatusResponse
	resp, err := c.request(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/asr/devices/%d/session/status", deviceID))
	if err := check(resp, err, "status"); err != nil {
		return nil, err
	}
	return &out, nil
}

func check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("session: %s: %w", op, err)
	}
	if resp.IsError() {
		apiErr := &APIError{StatusCode: resp.StatusCode()}
		if body, ok := resp.Error().(*errorBody); ok && body != nil {
			apiErr.Detail = body.Detail
		}
		slog.Warn("session: request rejected", "op", op, "status", apiErr.StatusCode, "detail", apiErr.Detail)
		return fmt.Errorf("session: %s: %w", op, apiErr)
	}
	return nil
}
