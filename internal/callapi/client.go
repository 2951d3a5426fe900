// Package callapi is the REST client for the scheduling and transcript
// persistence collaborator.
package callapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/LastBotInc/coralie-interview-session/internal/models"
)

var (
	// ErrNotFound is returned when the collaborator has no such record.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when the caller may not access the record.
	ErrUnauthorized = errors.New("unauthorized")
)

// APIError is a non-success response from the collaborator.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("call api http %d", e.Status)
	}
	return fmt.Sprintf("call api http %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	}
	return nil
}

// Client talks to the call collaborator. It is safe for concurrent use;
// a nil HTTP uses a shared client with a 15 second timeout.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

var defaultHTTPClient = &http.Client{Timeout: 15 * time.Second}

// NewClient creates a client with its own HTTP client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// GetCall fetches a call record.
func (c *Client) GetCall(ctx context.Context, callID string) (*models.CallSession, error) {
	var call models.CallSession
	if err := c.do(ctx, http.MethodGet, callPath(callID, ""), nil, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// JoinCall marks the caller as an active participant. The collaborator sets
// started_at only for the first joiner.
func (c *Client) JoinCall(ctx context.Context, callID string) (*models.CallSession, error) {
	var call models.CallSession
	if err := c.do(ctx, http.MethodPost, callPath(callID, "/join"), struct{}{}, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// EndCall marks the call ended.
func (c *Client) EndCall(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodPost, callPath(callID, "/end"), struct{}{}, nil)
}

// RecordConsent persists the caller's consent decision.
func (c *Client) RecordConsent(ctx context.Context, callID string, consented bool) (*models.ConsentRecord, error) {
	body := struct {
		Consented bool `json:"consented"`
	}{Consented: consented}

	var rec models.ConsentRecord
	if err := c.do(ctx, http.MethodPost, callPath(callID, "/consent"), body, &rec); err != nil {
		return nil, err
	}
	if rec.ConsentedAt.IsZero() {
		rec.ConsentedAt = time.Now().UTC()
	}
	rec.Consented = consented
	return &rec, nil
}

// GetTranscript loads the stored segments of a call. A call without a
// transcript yields ErrNotFound.
func (c *Client) GetTranscript(ctx context.Context, callID string) ([]models.Segment, error) {
	var resp struct {
		Segments []models.Segment `json:"segments"`
	}
	if err := c.do(ctx, http.MethodGet, callPath(callID, "/transcript"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Segments, nil
}

// SaveSegment persists one segment.
func (c *Client) SaveSegment(ctx context.Context, callID string, seg models.Segment) error {
	return c.do(ctx, http.MethodPost, callPath(callID, "/transcript/segments"), seg, nil)
}

// TranscriptDownloadURL asks the collaborator for a pre-rendered export.
func (c *Client) TranscriptDownloadURL(ctx context.Context, callID string, format models.ExportFormat) (string, error) {
	var resp struct {
		DownloadURL string `json:"download_url"`
	}
	path := callPath(callID, "/transcript/download") + "?format=" + url.QueryEscape(string(format))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	if resp.DownloadURL == "" {
		return "", fmt.Errorf("missing download_url")
	}
	return resp.DownloadURL, nil
}

func callPath(callID, suffix string) string {
	return "/video-calls/" + url.PathEscape(callID) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = defaultHTTPClient
	}
	if c.BaseURL == "" {
		return fmt.Errorf("missing call api base url")
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		var payload struct {
			Detail string `json:"detail"`
			Error  string `json:"error"`
		}
		msg := string(bytes.TrimSpace(b))
		if json.Unmarshal(b, &payload) == nil {
			if payload.Detail != "" {
				msg = payload.Detail
			} else if payload.Error != "" {
				msg = payload.Error
			}
		}
		return &APIError{Status: res.StatusCode, Message: msg}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
