// Package chronograph is the Go client for the graph memory service.
// It speaks the REST surface only; the model-context protocol and the
// websocket stream have their own clients.
package chronograph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// APIError is a non-2xx reply, carrying the service's error message.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Client talks to one service instance.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// ClientConfig configures the client. AuthToken is sent as a bearer
// header for deployments that front the service with an authenticating
// proxy; the service itself does not check it.
type ClientConfig struct {
	BaseURL   string
	Timeout   time.Duration
	AuthToken string
}

// NewClient builds a client with a 30 second default timeout.
func NewClient(config ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    config.BaseURL,
		token:      config.AuthToken,
	}
}

// AddMessages queues conversational messages for ingestion. The
// returned task ids identify the queued work, not graph rows; the
// write lands asynchronously.
func (c *Client) AddMessages(ctx context.Context, req *AddMessagesRequest) (*QueuedResponse, error) {
	var resp QueuedResponse
	if err := c.do(ctx, http.MethodPost, "/messages", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddEntityNode submits one entity directly, skipping extraction.
func (c *Client) AddEntityNode(ctx context.Context, req *AddEntityNodeRequest) (*QueuedResponse, error) {
	var resp QueuedResponse
	if err := c.do(ctx, http.MethodPost, "/entity-node", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteGroup removes every node, edge, and episode of one group.
func (c *Client) DeleteGroup(ctx context.Context, groupID string) (*Result, error) {
	var resp Result
	if err := c.do(ctx, http.MethodDelete, "/group/"+url.PathEscape(groupID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteEpisode removes one episode by uuid.
func (c *Client) DeleteEpisode(ctx context.Context, uuid string) (*Result, error) {
	var resp Result
	if err := c.do(ctx, http.MethodDelete, "/episode/"+url.PathEscape(uuid), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetEntityEdge fetches one fact edge by uuid.
func (c *Client) GetEntityEdge(ctx context.Context, uuid string) (*Fact, error) {
	var resp Fact
	if err := c.do(ctx, http.MethodGet, "/entity-edge/"+url.PathEscape(uuid), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetEdgesByNode fetches every fact incident to one node, grouped by
// direction.
func (c *Client) GetEdgesByNode(ctx context.Context, uuid string) (*NodeEdges, error) {
	var resp NodeEdges
	if err := c.do(ctx, http.MethodGet, "/edges/by-node/"+url.PathEscape(uuid), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetEpisodes fetches the lastN most recent episodes of a group.
// lastN <= 0 uses the server default.
func (c *Client) GetEpisodes(ctx context.Context, groupID string, lastN int) ([]Episode, error) {
	path := "/episodes/" + url.PathEscape(groupID)
	if lastN > 0 {
		path += "?last_n=" + strconv.Itoa(lastN)
	}
	var resp episodesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Episodes, nil
}

// GetMemory returns the facts most relevant to a conversation.
func (c *Client) GetMemory(ctx context.Context, req *GetMemoryRequest) ([]Fact, error) {
	var resp getMemoryResponse
	if err := c.do(ctx, http.MethodPost, "/get-memory", req, &resp); err != nil {
		return nil, err
	}
	return resp.Facts, nil
}

// UpdateNodeSummary replaces one node's summary and returns the
// updated node.
func (c *Client) UpdateNodeSummary(ctx context.Context, uuid, summary string) (*Node, error) {
	var resp Node
	path := "/nodes/" + url.PathEscape(uuid) + "/summary"
	if err := c.do(ctx, http.MethodPatch, path, updateNodeSummaryRequest{Summary: summary}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitRelevanceFeedback reports how useful retrieved memories were,
// feeding the service's relevance weighting.
func (c *Client) SubmitRelevanceFeedback(ctx context.Context, fb *RelevanceFeedback) (*FeedbackResult, error) {
	var resp FeedbackResult
	if err := c.do(ctx, http.MethodPost, "/feedback/relevance", fb, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Healthcheck reports whether the service answers at all.
func (c *Client) Healthcheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthcheck", nil, nil)
}

// WebhookMetrics returns the event dispatcher's counters.
func (c *Client) WebhookMetrics(ctx context.Context) (map[string]interface{}, error) {
	return c.metrics(ctx, "/metrics/webhooks")
}

// WorkerMetrics returns the ingestion worker's counters.
func (c *Client) WorkerMetrics(ctx context.Context) (map[string]interface{}, error) {
	return c.metrics(ctx, "/metrics/worker")
}

// QueueMetrics returns queue depth and proxy counters.
func (c *Client) QueueMetrics(ctx context.Context) (map[string]interface{}, error) {
	return c.metrics(ctx, "/metrics/queue")
}

func (c *Client) metrics(ctx context.Context, path string) (map[string]interface{}, error) {
	var resp map[string]interface{}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// do runs one request. Non-2xx replies decode the service's uniform
// error envelope into an *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, resp interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
		var envelope errorResponse
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != "" {
			return &APIError{StatusCode: httpResp.StatusCode, Message: envelope.Error}
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: string(data)}
	}

	if resp != nil {
		return json.NewDecoder(httpResp.Body).Decode(resp)
	}
	return nil
}
