package enforcement

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

	"tierctl-backend/services/controller/internal/dsl"
)

var ErrEnforcementFailure = errors.New("enforcement call failed")

// StatusError is returned when the controller answers with a non-2xx status.
type StatusError struct {
	Verb   dsl.Verb
	Target string
	Filter string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s on %s: status %d: %s", e.Verb, e.Filter, e.Target, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrEnforcementFailure
}

// Request describes one deploy or undeploy of a filter on a target.
type Request struct {
	Target     string
	Filter     string
	Params     map[string]string
	Qualifiers *dsl.Qualifiers
}

type payload struct {
	ObjectType string            `json:"object_type"`
	ObjectSize []any             `json:"object_size"`
	ObjectTag  string            `json:"object_tag"`
	Params     map[string]string `json:"params"`
}

// Client talks to the filter-deployment controller.
type Client struct {
	BaseURL string
	Client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{BaseURL: baseURL, Client: &http.Client{Timeout: timeout}}
}

func (c *Client) Deploy(ctx context.Context, token string, req Request) error {
	return c.put(ctx, token, dsl.VerbSet, "deploy", req)
}

func (c *Client) Undeploy(ctx context.Context, token string, req Request) error {
	return c.put(ctx, token, dsl.VerbDelete, "undeploy", req)
}

// Apply runs the call matching verb: SET deploys, DELETE undeploys.
func (c *Client) Apply(ctx context.Context, token string, verb dsl.Verb, req Request) error {
	if verb == dsl.VerbDelete {
		return c.Undeploy(ctx, token, req)
	}
	return c.Deploy(ctx, token, req)
}

func (c *Client) put(ctx context.Context, token string, verb dsl.Verb, op string, req Request) error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("controller url not configured")
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	body := payload{Params: req.Params}
	if body.Params == nil {
		body.Params = map[string]string{}
	}
	if q := req.Qualifiers; q != nil {
		body.ObjectType = q.ObjectType
		body.ObjectTag = q.ObjectTag
		if q.ObjectSize != nil {
			body.ObjectSize = []any{string(q.ObjectSize.Op), q.ObjectSize.Bytes}
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode enforcement payload: %w", err)
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + "/filters/" + url.PathEscape(req.Target) + "/" + op + "/" + url.PathEscape(req.Filter)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEnforcementFailure, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Verb: verb, Target: req.Target, Filter: req.Filter, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
