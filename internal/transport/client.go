// Package transport is the JSON-over-HTTP client for the peer protocol. Every
// call is addressed by a peer's sync URL; sibling endpoints are derived from it.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sheetpub/sheetpub/internal/config"
	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/discovery"
	"github.com/sheetpub/sheetpub/internal/events"
	"github.com/sheetpub/sheetpub/internal/lock"
	"github.com/sheetpub/sheetpub/internal/logging"
	"github.com/sheetpub/sheetpub/internal/metrics"
	"github.com/sheetpub/sheetpub/internal/models"
	"github.com/sheetpub/sheetpub/internal/utils"
)

const maxResponseBytes = 4 << 20

// StatusError is returned for any non-2xx response. Code, Message and Reason
// come from the peer's error body when it has one.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
	Reason     string
	Details    map[string]interface{}
}

func (e *StatusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("peer returned %d %s: %s (%s)", e.StatusCode, e.Code, e.Message, e.Reason)
	}
	if e.Code != "" {
		return fmt.Sprintf("peer returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("peer returned %d", e.StatusCode)
}

// ReasonOf extracts the policy reason from an error returned by the client
func ReasonOf(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ""
}

// Client talks to peers
type Client struct {
	hc      *http.Client
	apiKey  string
	metrics *metrics.Metrics

	healthTimeout    time.Duration
	heartbeatTimeout time.Duration
	requestTimeout   time.Duration
}

// NewClient creates a peer client. Timeouts left at zero use the package defaults.
func NewClient(cfg config.TransportConfig, m *metrics.Metrics) *Client {
	c := &Client{
		hc:               &http.Client{},
		apiKey:           cfg.APIKey,
		metrics:          m,
		healthTimeout:    cfg.HealthTimeout,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		requestTimeout:   cfg.RequestTimeout,
	}
	if c.healthTimeout <= 0 {
		c.healthTimeout = utils.HealthCheckTimeout
	}
	if c.heartbeatTimeout <= 0 {
		c.heartbeatTimeout = utils.HeartbeatRequestTimeout
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = utils.PeerRequestTimeout
	}
	return c
}

// SendHeartbeat announces liveness to one peer
func (c *Client) SendHeartbeat(ctx context.Context, peerURL string, hb models.HeartbeatRequest) error {
	_, err := c.do(ctx, c.heartbeatTimeout, http.MethodPost, discovery.EndpointHeartbeat, peerURL, "", hb, nil)
	return err
}

// Info fetches a peer's self description. It doubles as the election health probe.
func (c *Client) Info(ctx context.Context, peerURL string) (models.InfoResponse, error) {
	var out models.InfoResponse
	_, err := c.do(ctx, c.healthTimeout, http.MethodGet, discovery.EndpointInfo, peerURL, "", nil, &out)
	return out, err
}

// ServerTime reads the peer clock from the info response header
func (c *Client) ServerTime(ctx context.Context, peerURL string) (int64, error) {
	var out models.InfoResponse
	h, err := c.do(ctx, c.healthTimeout, http.MethodGet, discovery.EndpointInfo, peerURL, "", nil, &out)
	if err != nil {
		return 0, err
	}
	raw := h.Get(utils.HeaderServerTime)
	if raw == "" {
		return 0, fmt.Errorf("peer did not send %s", utils.HeaderServerTime)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s header %q: %w", utils.HeaderServerTime, raw, err)
	}
	return ms, nil
}

// SendEvents relays events to a peer's sync endpoint
func (c *Client) SendEvents(ctx context.Context, peerURL string, evs []events.Event) (models.SyncResponse, error) {
	var out models.SyncResponse
	_, err := c.do(ctx, c.requestTimeout, http.MethodPost, discovery.EndpointSync, peerURL, "", models.SyncRequest{Events: evs}, &out)
	return out, err
}

// SendVote delivers a vote straight to the proposer
func (c *Client) SendVote(ctx context.Context, peerURL string, req models.VoteRequest) (models.VoteResponse, error) {
	var out models.VoteResponse
	_, err := c.do(ctx, c.requestTimeout, http.MethodPost, discovery.EndpointVote, peerURL, "", req, &out)
	return out, err
}

// Quorum reads the quorum an instance currently computes
func (c *Client) Quorum(ctx context.Context, peerURL string) (coordinator.Quorum, error) {
	var out coordinator.Quorum
	_, err := c.do(ctx, c.requestTimeout, http.MethodGet, discovery.EndpointQuorum, peerURL, "", nil, &out)
	return out, err
}

// ProposeSnapshot asks an instance to propose a snapshot
func (c *Client) ProposeSnapshot(ctx context.Context, peerURL string, req models.ProposeSnapshotRequest) (models.ProposeResponse, error) {
	var out models.ProposeResponse
	_, err := c.do(ctx, c.requestTimeout, http.MethodPost, discovery.EndpointProposeSnapshot, peerURL, "", req, &out)
	return out, err
}

// ProposeDiff asks an instance to propose a diff
func (c *Client) ProposeDiff(ctx context.Context, peerURL string, req models.ProposeDiffRequest) (models.ProposeResponse, error) {
	var out models.ProposeResponse
	_, err := c.do(ctx, c.requestTimeout, http.MethodPost, discovery.EndpointProposeDiff, peerURL, "", req, &out)
	return out, err
}

// Leader reads an instance's view of the leader
func (c *Client) Leader(ctx context.Context, peerURL string) (models.LeaderResponse, error) {
	var out models.LeaderResponse
	_, err := c.do(ctx, c.requestTimeout, http.MethodGet, discovery.EndpointLeader, peerURL, "", nil, &out)
	return out, err
}

// Journal reads an instance's redacted journal
func (c *Client) Journal(ctx context.Context, peerURL string) (models.JournalResponse, error) {
	var out models.JournalResponse
	_, err := c.do(ctx, c.requestTimeout, http.MethodGet, discovery.EndpointJournal, peerURL, "", nil, &out)
	return out, err
}

// Drift reads an instance's clock drift estimate
func (c *Client) Drift(ctx context.Context, peerURL string) (models.DriftResponse, error) {
	var out models.DriftResponse
	_, err := c.do(ctx, c.requestTimeout, http.MethodGet, discovery.EndpointDrift, peerURL, "", nil, &out)
	return out, err
}

// AcquireLock asks an instance to take a lock. Only the leader grants locks.
func (c *Client) AcquireLock(ctx context.Context, peerURL, resource string, ttl time.Duration) (lock.Lock, error) {
	var out lock.Lock
	body := models.LockRequest{TTLMs: ttl.Milliseconds()}
	_, err := c.do(ctx, c.requestTimeout, http.MethodPost, discovery.EndpointLocks, peerURL, url.PathEscape(resource), body, &out)
	return out, err
}

// ReleaseLock asks an instance to drop a lock it holds
func (c *Client) ReleaseLock(ctx context.Context, peerURL, resource string) error {
	_, err := c.do(ctx, c.requestTimeout, http.MethodDelete, discovery.EndpointLocks, peerURL, url.PathEscape(resource), nil, nil)
	return err
}

func (c *Client) do(
	ctx context.Context,
	timeout time.Duration,
	method, endpoint, peerURL, suffix string,
	body, out interface{},
) (http.Header, error) {
	start := time.Now()
	h, err := c.roundTrip(ctx, timeout, method, endpoint, peerURL, suffix, body, out)
	c.metrics.PeerRequest(endpoint, err, time.Since(start))
	return h, err
}

func (c *Client) roundTrip(
	ctx context.Context,
	timeout time.Duration,
	method, endpoint, peerURL, suffix string,
	body, out interface{},
) (http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := discovery.Endpoint(peerURL, endpoint)
	if suffix != "" {
		target += "/" + suffix
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", endpoint, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if traceID := logging.TraceIDFromContext(ctx); traceID != "" {
		req.Header.Set(utils.HeaderTraceID, traceID)
	}
	if c.apiKey != "" {
		req.Header.Set(utils.HeaderAPIKey, c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.Header, fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.Header, decodeError(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.Header, fmt.Errorf("failed to decode %s response: %w", endpoint, err)
		}
	}
	return resp.Header, nil
}

func decodeError(status int, data []byte) error {
	se := &StatusError{StatusCode: status}

	var body models.ErrorResponse
	if len(data) > 0 && json.Unmarshal(data, &body) == nil {
		se.Code = body.Error.Code
		se.Message = body.Error.Message
		se.Details = body.Error.Details
		if r, ok := body.Error.Details["reason"].(string); ok {
			se.Reason = r
		}
	}
	return se
}
