package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rmax-ai/ciexplorer/pkg/model"
)

// DefaultRelationsPath is the relationship-query endpoint of the CMDB REST service.
const DefaultRelationsPath = "/rest/objects/relations/ci_explorer"

// Fetcher performs one retrieval stage against the relationship service.
type Fetcher interface {
	Fetch(ctx context.Context, req model.FetchRequest) (model.Fragment, error)
}

// Client is the Graph Fetch Client. It holds no state between calls.
type Client struct {
	endpoint      string
	relationsPath string
	token         string
	headers       map[string]string
	http          *http.Client
	maxRetries    int
	backoff       BackoffStrategy
	logger        *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHeader adds a static header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// WithRelationsPath overrides DefaultRelationsPath.
func WithRelationsPath(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.relationsPath = "/" + strings.TrimLeft(path, "/")
		}
	}
}

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRetries sets how many times a transport failure is retried.
func WithRetries(n int, strategy BackoffStrategy) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
		if strategy != nil {
			c.backoff = strategy
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a fetch client for the CMDB at endpoint.
// endpoint defaults to "http://127.0.0.1:4000" if empty.
func NewClient(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:4000"
	}
	c := &Client{
		endpoint:      strings.TrimRight(endpoint, "/"),
		relationsPath: DefaultRelationsPath,
		headers:       make(map[string]string),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxRetries: 2,
		backoff:    DefaultBackoff(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadWithRoot fetches the root CI with one hop of parents and children.
func (c *Client) LoadWithRoot(ctx context.Context, targetID int64) (*model.RootResponse, error) {
	frag, err := c.Fetch(ctx, model.FetchRequest{TargetID: targetID, Mode: model.ModeRoot})
	if err != nil {
		return nil, err
	}
	return frag.Root, nil
}

// ExpandChildren fetches the next hop of children of targetID.
func (c *Client) ExpandChildren(ctx context.Context, targetID int64) (*model.ChildrenResponse, error) {
	frag, err := c.Fetch(ctx, model.FetchRequest{TargetID: targetID, Mode: model.ModeChildren})
	if err != nil {
		return nil, err
	}
	return frag.Children, nil
}

// ExpandParents fetches the next hop of parents of targetID.
func (c *Client) ExpandParents(ctx context.Context, targetID int64) (*model.ParentsResponse, error) {
	frag, err := c.Fetch(ctx, model.FetchRequest{TargetID: targetID, Mode: model.ModeParents})
	if err != nil {
		return nil, err
	}
	return frag.Parents, nil
}

// Fetch performs the request, retrying transport failures with backoff.
func (c *Client) Fetch(ctx context.Context, req model.FetchRequest) (model.Fragment, error) {
	if req.TargetID <= 0 {
		return model.Fragment{}, fmt.Errorf("invalid target id %d", req.TargetID)
	}
	if !req.Mode.Valid() {
		return model.Fragment{}, fmt.Errorf("invalid fetch mode %q", req.Mode)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff.Next(attempt - 1)
			c.logger.Debug("fetch_retry",
				zap.String("request", req.String()),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(lastErr))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return model.Fragment{}, &TransportError{Op: "fetch " + req.String(), Err: ctx.Err()}
			}
		}

		frag, err := c.do(ctx, req)
		if err == nil {
			return frag, nil
		}
		lastErr = err

		var te *TransportError
		if !errors.As(err, &te) || !retryable(te) || ctx.Err() != nil {
			return model.Fragment{}, err
		}
	}

	c.logger.Warn("fetch_retries_exhausted", zap.String("request", req.String()), zap.Error(lastErr))
	return model.Fragment{}, lastErr
}

func (c *Client) do(ctx context.Context, req model.FetchRequest) (model.Fragment, error) {
	op := "fetch " + req.String()

	q := url.Values{}
	q.Set("target_id", strconv.FormatInt(req.TargetID, 10))
	q.Set("target_type", req.Mode.TargetType())
	q.Set("with_root", strconv.FormatBool(req.Mode.WithRoot()))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+c.relationsPath+"?"+q.Encode(), nil)
	if err != nil {
		return model.Fragment{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return model.Fragment{}, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.Fragment{}, fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return model.Fragment{}, fmt.Errorf("%s: %w", op, ErrForbidden)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.Fragment{}, &TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}

	return decodeFragment(op, req.Mode, resp.Body)
}

func decodeFragment(op string, mode model.Mode, body io.Reader) (model.Fragment, error) {
	var frag model.Fragment
	var target any
	switch mode {
	case model.ModeRoot:
		frag.Root = &model.RootResponse{}
		target = frag.Root
	case model.ModeChildren:
		frag.Children = &model.ChildrenResponse{}
		target = frag.Children
	case model.ModeParents:
		frag.Parents = &model.ParentsResponse{}
		target = frag.Parents
	}
	if err := json.NewDecoder(body).Decode(target); err != nil {
		return model.Fragment{}, &TransportError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err), decode: true}
	}
	return frag, nil
}

func retryable(te *TransportError) bool {
	if te.StatusCode != 0 {
		return te.StatusCode == http.StatusTooManyRequests || te.StatusCode >= 500
	}
	return !te.decode
}
