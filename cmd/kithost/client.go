package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// APIClient talks to the control API of a running kithost.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a client for baseURL.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// NewSocketClient creates a client that dials the unix socket at path.
func NewSocketClient(path string, timeout time.Duration) *APIClient {
	c := NewAPIClient("http://kithost", timeout)
	c.client.Transport = &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	return c
}

// IsReachable checks if the host is running and reachable.
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/healthz")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

type runRequest struct {
	Script  string   `json:"script"`
	Args    []string `json:"args,omitempty"`
	Type    string   `json:"type,omitempty"`
	Wait    bool     `json:"wait,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

func (c *APIClient) Run(f RunFlags, script string, args []string) (any, error) {
	req := runRequest{Script: script, Args: args, Type: f.Type, Wait: f.Wait}
	if f.Wait && f.Timeout > 0 {
		req.Timeout = f.Timeout.String()
	}
	return c.fetch(http.MethodPost, "/run", req)
}

// Relaunch forwards the argv of a second instance.
func (c *APIClient) Relaunch(argv []string) error {
	return c.do(http.MethodPost, "/relaunch", map[string][]string{"argv": argv}, nil)
}

func (c *APIClient) OpenURL(url string) (any, error) {
	return c.fetch(http.MethodPost, "/open-url", map[string]string{"url": url})
}

func (c *APIClient) Processes(usage bool) (any, error) {
	path := "/processes"
	if usage {
		path += "?usage=1"
	}
	return c.fetch(http.MethodGet, path, nil)
}

func (c *APIClient) Remove(pid int) error {
	return c.do(http.MethodDelete, "/processes/"+strconv.Itoa(pid), nil, nil)
}

func (c *APIClient) Background() (any, error) {
	return c.fetch(http.MethodGet, "/background", nil)
}

func (c *APIClient) ToggleBackground(filePath string) error {
	return c.do(http.MethodPost, "/background/toggle", map[string]string{"filePath": filePath}, nil)
}

func (c *APIClient) Schedule() (any, error) {
	return c.fetch(http.MethodGet, "/schedule", nil)
}

// fetch decodes the response body into a generic value for printing.
func (c *APIClient) fetch(method, path string, body any) (any, error) {
	var out any
	if err := c.do(method, path, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) do(method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
			return fmt.Errorf("API error: %s", resp.Status)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
