package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"location-share-client/internal/models"
)

// ErrNotFound is returned when the server has no such resource
var ErrNotFound = errors.New("not found")

// RequestError describes a non-successful response from the session API
type RequestError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Is lets errors.Is match ErrNotFound on 404 responses
func (e *RequestError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// errorResponse mirrors the server's JSON error body
type errorResponse struct {
	Error string `json:"error"`
}

type startSessionResponse struct {
	Session *models.Session `json:"session"`
}

// SessionRepository talks to the location sharing REST endpoints
type SessionRepository struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewSessionRepository creates a repository for the given API base URL
func NewSessionRepository(baseURL, token string, timeout time.Duration) *SessionRepository {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SessionRepository{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// StartSession creates or resumes the conversation's session and raises the caller's flag
func (r *SessionRepository) StartSession(ctx context.Context, conversationID string) (*models.Session, error) {
	var resp startSessionResponse
	if err := r.do(ctx, "start session", http.MethodPost, r.sessionPath(conversationID), &resp); err != nil {
		return nil, err
	}
	if resp.Session == nil {
		return nil, fmt.Errorf("start session: response has no session")
	}
	return resp.Session, nil
}

// StopSession lowers the caller's sharing flag
func (r *SessionRepository) StopSession(ctx context.Context, conversationID string) error {
	return r.do(ctx, "stop session", http.MethodDelete, r.sessionPath(conversationID), nil)
}

// FetchSnapshot reads the full session state. A missing session yields a
// response with a nil Session rather than an error.
func (r *SessionRepository) FetchSnapshot(ctx context.Context, conversationID string) (*models.SnapshotResponse, error) {
	var resp models.SnapshotResponse
	err := r.do(ctx, "fetch snapshot", http.MethodGet, r.sessionPath(conversationID), &resp)
	if errors.Is(err, ErrNotFound) {
		return &models.SnapshotResponse{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *SessionRepository) sessionPath(conversationID string) string {
	return "/api/v1/conversations/" + url.PathEscape(conversationID) + "/location-sharing"
}

func (r *SessionRepository) do(ctx context.Context, op, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: failed to send request: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reqErr := &RequestError{Op: op, StatusCode: resp.StatusCode}
		var e errorResponse
		if json.Unmarshal(body, &e) == nil {
			reqErr.Message = e.Error
		}
		return reqErr
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}
