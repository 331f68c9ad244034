// Package remote talks to the REST backend that owns the authoritative copy
// of messages and matches.
package remote

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

	"github.com/matheus3301/matchsync/internal/auth"
	"github.com/matheus3301/matchsync/internal/conversation"
	"github.com/matheus3301/matchsync/internal/wire"
	appErrors "github.com/matheus3301/matchsync/pkg/errors"
	"go.uber.org/zap"
)

// Match is one entry of the user's match list.
type Match struct {
	ID    string   `json:"_id"`
	Users []string `json:"users"`
}

// UnmarshalJSON accepts users as plain ids or as populated user documents
// ({"_id": ...}), which is what the backend returns for the match list.
func (m *Match) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID    string            `json:"_id"`
		Users []json.RawMessage `json:"users"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	users := make([]string, 0, len(raw.Users))
	for _, u := range raw.Users {
		id, err := userRef(u)
		if err != nil {
			return fmt.Errorf("match %s: %w", raw.ID, err)
		}
		users = append(users, id)
	}
	m.ID, m.Users = raw.ID, users
	return nil
}

func userRef(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return id, nil
	}
	var doc struct {
		ID    string `json:"_id"`
		AltID string `json:"id"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("decode match user: %w", err)
	}
	if doc.ID == "" {
		return doc.AltID, nil
	}
	return doc.ID, nil
}

// Client is the subset of the backend API the sync engine consumes.
type Client interface {
	FetchMessages(ctx context.Context, conversationID string) ([]conversation.Message, error)
	FetchMatches(ctx context.Context, userID string) ([]Match, error)
	PostMessage(ctx context.Context, msg wire.PrivateMessage) (conversation.Message, error)
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

const maxErrorBody = 4 << 10

// HTTPClient implements Client over JSON/HTTP with a bearer token.
type HTTPClient struct {
	baseURL string
	tokens  auth.TokenSource
	http    *http.Client
	logger  *zap.Logger
}

func NewHTTPClient(baseURL string, tokens auth.TokenSource, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

func (c *HTTPClient) FetchMessages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	if conversationID == "" {
		return nil, appErrors.InvalidArg("conversation id is required")
	}
	var payload []wire.PrivateMessage
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(conversationID), nil, &payload); err != nil {
		return nil, err
	}
	out := make([]conversation.Message, 0, len(payload))
	for _, pm := range payload {
		m := conversation.FromWire(pm)
		m.ConversationID = conversationID
		out = append(out, m)
	}
	return out, nil
}

func (c *HTTPClient) FetchMatches(ctx context.Context, userID string) ([]Match, error) {
	if userID == "" {
		return nil, appErrors.InvalidArg("user id is required")
	}
	var matches []Match
	if err := c.do(ctx, http.MethodGet, "/matches/"+url.PathEscape(userID), nil, &matches); err != nil {
		return nil, err
	}
	return matches, nil
}

// PostMessage persists a message and returns the server's copy, which carries
// the assigned id and authoritative timestamp.
func (c *HTTPClient) PostMessage(ctx context.Context, msg wire.PrivateMessage) (conversation.Message, error) {
	msg.ID = ""
	var created wire.PrivateMessage
	if err := c.do(ctx, http.MethodPost, "/messages", msg, &created); err != nil {
		return conversation.Message{}, err
	}
	if created.ID == "" {
		return conversation.Message{}, appErrors.New(appErrors.CodeSendFailed, "server response carries no message id")
	}
	return conversation.FromWire(created), nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tokens.GetToken()
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	if token == "" {
		return appErrors.ErrNoToken
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return appErrors.Transport(method+" "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("remote call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		return appErrors.Wrap(codeForStatus(resp.StatusCode), "remote request failed", serr)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return appErrors.Transport("decode "+path, err)
	}
	return nil
}

func codeForStatus(status int) appErrors.Code {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return appErrors.CodeUnauthenticated
	case status == http.StatusNotFound:
		return appErrors.CodeNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return appErrors.CodeInvalidArgument
	default:
		return appErrors.CodeTransport
	}
}
