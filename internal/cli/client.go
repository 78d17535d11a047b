package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("auditor returned %d: %s", e.Status, strings.TrimSpace(e.Body))
}

type client struct {
	opts *options
	http *http.Client
}

func newClient(opts *options) *client {
	return &client{opts: opts, http: &http.Client{Timeout: opts.timeout}}
}

// do sends the request and decodes a JSON response into out. Non-2xx
// responses become an *apiError, except when acceptStatus lists the code.
func (c *client) do(ctx context.Context, method, path string, body []byte, headers map[string]string, out any, acceptStatus ...int) (int, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.opts.baseURL, "/")+path, rdr)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, err
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, s := range acceptStatus {
		if resp.StatusCode == s {
			ok = true
		}
	}
	if !ok {
		return resp.StatusCode, &apiError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *client) bearer() map[string]string {
	if c.opts.adminToken == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.opts.adminToken}
}
