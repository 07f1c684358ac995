package client

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

	"github.com/cuemby/snops/pkg/types"
)

// Client is a thin REST wrapper over the control plane's /api/v1 surface,
// the operator CLI's only way to reach an environment: no core logic
// lives here, every method is a direct request/response pair.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a Client against addr (e.g. "http://localhost:8080").
// token is sent as a bearer credential when non-empty; the control plane
// does not yet require it on the operator surface, but callers that front
// the API with their own auth proxy can still set it.
func NewClient(addr string, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + "/api/v1" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Type  string `json:"type"`
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return &APIError{Status: resp.StatusCode, Type: apiErr.Type, Message: apiErr.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: resp.Status}
	}
	if out == nil {
		return nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError wraps a non-2xx REST response, surfacing the {type, error}
// envelope every route writes on failure.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: %s (%d)", e.Type, e.Message, e.Status)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// ListEnvironments returns every live environment.
func (c *Client) ListEnvironments(ctx context.Context) ([]*types.Environment, error) {
	var out []*types.Environment
	err := c.do(ctx, http.MethodGet, "/env/list", nil, nil, &out)
	return out, err
}

// GetEnvironment fetches a single environment by id.
func (c *Client) GetEnvironment(ctx context.Context, envID string) (*types.Environment, error) {
	var out types.Environment
	err := c.do(ctx, http.MethodGet, "/env/"+envID, nil, nil, &out)
	return &out, err
}

// ApplyOptions configures an Apply call's query parameters.
type ApplyOptions struct {
	Network   types.NetworkID // defaults to testnet server-side when empty
	StorageID string
}

// Apply streams a YAML spec document to envID, returning the resulting
// environment.
func (c *Client) Apply(ctx context.Context, envID string, spec io.Reader, opts ApplyOptions) (*types.Environment, error) {
	q := url.Values{}
	if opts.Network != "" {
		q.Set("network", string(opts.Network))
	}
	if opts.StorageID != "" {
		q.Set("storage_id", opts.StorageID)
	}

	u := c.baseURL + "/api/v1/env/" + envID + "/apply"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, spec)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/yaml")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apply env %s: %w", envID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		var body struct {
			Type  string `json:"type"`
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		apiErr = APIError{Status: resp.StatusCode, Type: body.Type, Message: body.Error}
		return nil, &apiErr
	}

	var env types.Environment
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &env, nil
}

// Delete removes envID and releases its delegated agents.
func (c *Client) Delete(ctx context.Context, envID string) error {
	return c.do(ctx, http.MethodDelete, "/env/"+envID, nil, nil, nil)
}

// pairedAgent mirrors the unexported type server.go's handleListAgents
// encodes; duplicated here rather than exported from pkg/api to keep the
// client free of a pkg/api import.
type pairedAgent struct {
	NodeKey string       `json:"node_key"`
	Agent   *types.Agent `json:"agent,omitempty"`
}

// ListAgents returns every internal node of envID paired with its delegated
// agent.
func (c *Client) ListAgents(ctx context.Context, envID string) ([]pairedAgent, error) {
	var out []pairedAgent
	err := c.do(ctx, http.MethodGet, "/env/"+envID+"/agents", nil, nil, &out)
	return out, err
}

// GetAgent fetches the agent delegated to nodeKey within envID.
func (c *Client) GetAgent(ctx context.Context, envID, nodeKey string) (*types.Agent, error) {
	var out types.Agent
	err := c.do(ctx, http.MethodGet, "/env/"+envID+"/agents/"+nodeKey, nil, nil, &out)
	return &out, err
}

// Topology returns envID's raw node map.
func (c *Client) Topology(ctx context.Context, envID string) (*types.NodeMap, error) {
	var out types.NodeMap
	err := c.do(ctx, http.MethodGet, "/env/"+envID+"/topology", nil, nil, &out)
	return &out, err
}

// Storage returns envID's attached storage, if any.
func (c *Client) Storage(ctx context.Context, envID string) (*types.LoadedStorage, error) {
	var out types.LoadedStorage
	err := c.do(ctx, http.MethodGet, "/env/"+envID+"/storage", nil, nil, &out)
	return &out, err
}

// SubmitAuth submits a pre-built authorization through cannonID, optionally
// blocking for its terminal status.
func (c *Client) SubmitAuth(ctx context.Context, envID, cannonID, authorizationJSON string, async bool) (map[string]any, error) {
	q := url.Values{}
	if async {
		q.Set("async", "true")
	}
	body := struct {
		Authorization string `json:"authorization"`
	}{Authorization: authorizationJSON}

	var out map[string]any
	err := c.do(ctx, http.MethodPost, "/env/"+envID+"/cannons/"+cannonID+"/auth", q, body, &out)
	return out, err
}

// SetOnline toggles NodeState.Online for every node in envID matching
// targets (node_key glob patterns).
func (c *Client) SetOnline(ctx context.Context, envID string, targets []string, online bool) ([]TargetedNode, error) {
	action := "offline"
	if online {
		action = "online"
	}
	body := struct {
		Targets []string `json:"targets"`
	}{Targets: targets}

	var out []TargetedNode
	err := c.do(ctx, http.MethodPost, "/env/"+envID+"/action/"+action, nil, body, &out)
	return out, err
}

// TargetedNode mirrors environment.TargetedNode, the {node_key, agent_id}
// pair bulk node actions return.
type TargetedNode struct {
	NodeKey string `json:"NodeKey"`
	AgentID string `json:"AgentID"`
}
