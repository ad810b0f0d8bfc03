// Package server exposes the session service as JSON RPCs over HTTP and
// provides a client for them. Every RPC is a POST; tail streams events as
// newline-delimited JSON until the session is finalized.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/amonks/workcell/session"
)

// Client calls session RPCs.
type Client struct {
	baseURL string
	client  *http.Client
}

// StatusError is a non-200 response from the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("workcell error: %s", e.Message)
}

// ExitCode maps the response status to a process exit code.
func (e *StatusError) ExitCode() int {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return 4
	case e.StatusCode == http.StatusTooManyRequests:
		return 3
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return 2
	default:
		return 1
	}
}

// ListRequest filters a session listing.
type ListRequest struct {
	UserID string
	Status string
	// All includes finished sessions.
	All bool
}

// NewClient creates a client for the given address or URL.
func NewClient(addr string) *Client {
	baseURL := strings.TrimRight(addr, "/")
	if strings.HasPrefix(baseURL, ":") {
		baseURL = "127.0.0.1" + baseURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &Client{baseURL: baseURL, client: &http.Client{}}
}

// Create admits a session and starts driving it.
func (c *Client) Create(ctx context.Context, req session.CreateRequest) (session.Session, error) {
	var response sessionResponse
	err := c.post(ctx, "/sessions/create", createRequest{
		UserID:       req.UserID,
		RepositoryID: req.RepositoryID,
		Task:         req.Task,
		Branch:       req.Branch,
		Mode:         string(req.Mode),
	}, &response)
	return response.Session, err
}

// Cancel stops a session. id may be a unique prefix.
func (c *Client) Cancel(ctx context.Context, id string) (session.Session, error) {
	var response sessionResponse
	err := c.post(ctx, "/sessions/cancel", sessionRequest{SessionID: id}, &response)
	return response.Session, err
}

// Show returns a session. id may be a unique prefix.
func (c *Client) Show(ctx context.Context, id string) (session.Session, error) {
	var response sessionResponse
	err := c.post(ctx, "/sessions/show", sessionRequest{SessionID: id}, &response)
	return response.Session, err
}

// List returns sessions, oldest first.
func (c *Client) List(ctx context.Context, req ListRequest) ([]session.Session, error) {
	var response listResponse
	if err := c.post(ctx, "/sessions/list", listRequest{UserID: req.UserID, Status: req.Status, All: req.All}, &response); err != nil {
		return nil, err
	}
	return response.Sessions, nil
}

// Events returns the persisted events of a session after the cursor. A
// negative cursor returns every event.
func (c *Client) Events(ctx context.Context, id string, after int64) ([]session.Event, error) {
	var response eventsResponse
	if err := c.post(ctx, "/sessions/events", newEventsRequest(id, after), &response); err != nil {
		return nil, err
	}
	return response.Events, nil
}

// Tail streams the events of a session after the cursor. The event channel
// closes when the session is finalized, ctx ends, or the stream fails; the
// error channel then yields one value.
func (c *Client) Tail(ctx context.Context, id string, after int64) (<-chan session.Event, <-chan error) {
	events := make(chan session.Event, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(events)
		resp, err := c.send(ctx, "/sessions/tail", newEventsRequest(id, after))
		if err != nil {
			errCh <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			errCh <- readErrorResponse(resp)
			return
		}
		decoder := json.NewDecoder(resp.Body)
		for {
			var event session.Event
			if err := decoder.Decode(&event); err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					errCh <- nil
					return
				}
				errCh <- err
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				errCh <- nil
				return
			}
		}
	}()

	return events, errCh
}

// Sweep destroys expired containers now.
func (c *Client) Sweep(ctx context.Context) (SweepResult, error) {
	var response SweepResult
	err := c.post(ctx, "/sweep", emptyResponse{}, &response)
	return response, err
}

// Usage reports a user's plan and consumption.
func (c *Client) Usage(ctx context.Context, userID string) (Usage, error) {
	var response Usage
	err := c.post(ctx, "/usage", usageRequest{UserID: userID}, &response)
	return response, err
}

// SetTier changes a user's plan and returns the updated usage.
func (c *Client) SetTier(ctx context.Context, userID, tier string) (Usage, error) {
	var response Usage
	err := c.post(ctx, "/usage/tier", setTierRequest{UserID: userID, Tier: tier}, &response)
	return response, err
}

func newEventsRequest(id string, after int64) eventsRequest {
	req := eventsRequest{SessionID: id}
	if after >= 0 {
		req.After = &after
	}
	return req
}

func (c *Client) send(ctx context.Context, path string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.client.Do(req)
}

func (c *Client) post(ctx context.Context, path string, payload any, dest any) error {
	resp, err := c.send(ctx, path, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readErrorResponse(resp)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

func readErrorResponse(resp *http.Response) error {
	var payload errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return &StatusError{StatusCode: resp.StatusCode, Message: payload.Error}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: resp.Status}
}
