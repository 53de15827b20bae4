// Package collaborators is the HTTP client for the REST services the call
// cycle depends on: interests, transcripts, topics, rosters, reviews and
// admission tokens.
package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"barkingtalk/internal/models"
	"barkingtalk/internal/utils"
)

// Error is a non-2xx collaborator response or a transport failure.
type Error struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed (status %d): %s", e.Op, e.Status, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	logger    *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithAuthToken sets the opaque account bearer token sent on every call.
func WithAuthToken(token string) Option { return func(c *Client) { c.authToken = token } }

func New(baseURL string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  utils.OrNop(logger).Named("collaborators"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends in (when non-nil) as JSON and decodes the response into out (when non-nil).
func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Err: fmt.Errorf("failed to marshal request: %w", err)}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("Collaborator call failed",
			zap.String("op", op), zap.Int("status", resp.StatusCode))
		return &Error{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	return nil
}

func (c *Client) GetTopInterests(ctx context.Context) ([]string, error) {
	var out models.TopInterestsResp
	if err := c.do(ctx, "GetTopInterests", http.MethodGet, "/api/interests/top", nil, &out); err != nil {
		return nil, err
	}
	return out.TopInterests, nil
}

// EndCall reports the participant's departure and returns the session summary.
func (c *Client) EndCall(ctx context.Context, participantID string) (*models.EndCallResp, error) {
	var out models.EndCallResp
	err := c.do(ctx, "EndCall", http.MethodPost, "/api/calls/end", models.EndCallReq{ParticipantID: participantID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReceiveTranscript(ctx context.Context, participantID, text string) error {
	return c.do(ctx, "ReceiveTranscript", http.MethodPost, "/api/transcripts",
		models.TranscriptReq{ParticipantID: participantID, Text: text}, nil)
}

func (c *Client) RecommendTopics(ctx context.Context) ([]string, error) {
	var out models.TopicsResp
	if err := c.do(ctx, "RecommendTopics", http.MethodGet, "/api/topics/recommend", nil, &out); err != nil {
		return nil, err
	}
	return out.Topics, nil
}

// GetSessionData returns the roster of a session.
func (c *Client) GetSessionData(ctx context.Context, sessionID string) ([]models.RosterEntry, error) {
	var out []models.RosterEntry
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/participants"
	if err := c.do(ctx, "GetSessionData", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetCallUserInfo(ctx context.Context, participantIDs []string) ([]models.CallUserInfo, error) {
	var out []models.CallUserInfo
	err := c.do(ctx, "GetCallUserInfo", http.MethodPost, "/api/users/call-info",
		models.CallUserInfoReq{ParticipantIDs: participantIDs}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SubmitReview(ctx context.Context, req models.SubmitReviewReq) error {
	return c.do(ctx, "SubmitReview", http.MethodPost, "/api/reviews", req, nil)
}

func (c *Client) Report(ctx context.Context, req models.ReportReq) error {
	return c.do(ctx, "Report", http.MethodPost, "/api/reports", req, nil)
}

// IssueToken requests a media admission token for participantID.
func (c *Client) IssueToken(ctx context.Context, sessionID, participantID string) (string, error) {
	var out models.TokenResp
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/token"
	if err := c.do(ctx, "IssueToken", http.MethodPost, path, models.TokenReq{ParticipantID: participantID}, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &Error{Op: "IssueToken", Status: http.StatusOK, Body: "empty token"}
	}
	return out.Token, nil
}
