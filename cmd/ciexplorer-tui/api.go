package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rmax-ai/ciexplorer/pkg/graph"
)

// daemonClient talks to the ciexplorer-d HTTP API.
type daemonClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newDaemonClient(baseURL, token string) *daemonClient {
	return &daemonClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// result mirrors the daemon's explorer response, including the error fields
// it adds on failure.
type result struct {
	Epoch    uint64          `json:"epoch"`
	Warnings []graph.Warning `json:"warnings"`
	Graph    graph.Snapshot  `json:"graph"`
	Error    string          `json:"error"`
	Detail   string          `json:"detail"`
}

func (c *daemonClient) open(rootID int64) (result, error) {
	return c.do(http.MethodPost, "/v1/explorer/open", map[string]int64{"root_id": rootID})
}

func (c *daemonClient) expand(nodeID int64, direction string) (result, error) {
	return c.do(http.MethodPost, "/v1/explorer/expand", map[string]any{"node_id": nodeID, "direction": direction})
}

func (c *daemonClient) graph() (result, error) {
	var res result
	status, err := c.send(http.MethodGet, "/v1/explorer/graph", nil, &res.Graph)
	if err == nil && status != http.StatusOK {
		err = fmt.Errorf("graph: status %d", status)
	}
	return res, err
}

func (c *daemonClient) close() error {
	status, err := c.send(http.MethodDelete, "/v1/explorer", nil, nil)
	if err == nil && status != http.StatusNoContent {
		err = fmt.Errorf("close: status %d", status)
	}
	return err
}

func (c *daemonClient) do(method, path string, body any) (result, error) {
	var res result
	status, err := c.send(method, path, body, &res)
	switch {
	case err != nil:
	case res.Error != "" && res.Detail != "":
		err = fmt.Errorf("%s: %s", res.Error, res.Detail)
	case status != http.StatusOK:
		err = fmt.Errorf("%s %s: status %d %s", method, path, status, res.Error)
	}
	return res, err
}

func (c *daemonClient) send(method, path string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}
