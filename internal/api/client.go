package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/nace/ved/internal/container"
	"github.com/nace/ved/internal/driver"
	"github.com/nace/ved/internal/errs"
	"github.com/nace/ved/internal/registry"
)

// Client talks to a running daemon. Errors returned by the daemon come back
// as *errs.Error with the daemon's Kind and Code.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient connects over the unix socket at socketPath.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{baseURL: "http://ved", http: &http.Client{Transport: transport}}
}

// NewHTTPClient talks to baseURL with hc.
func NewHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: baseURL, http: hc}
}

// CreateDisk creates a container file through the daemon.
func (c *Client) CreateDisk(ctx context.Context, req CreateDiskRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/disks", req, nil)
}

// Mount mounts a container and returns the new session.
func (c *Client) Mount(ctx context.Context, path string, password []byte, letter string) (registry.Record, error) {
	var rec registry.Record
	err := c.do(ctx, http.MethodPost, "/v1/mounts", MountRequest{Path: path, Password: password, Letter: letter}, &rec)
	return rec, err
}

// Unmount unmounts the disk under letter.
func (c *Client) Unmount(ctx context.Context, letter string) error {
	return c.do(ctx, http.MethodDelete, "/v1/mounts/"+url.PathEscape(letter), nil, nil)
}

// MountedDisks lists mounted disks.
func (c *Client) MountedDisks(ctx context.Context) ([]container.VirtualDisk, error) {
	var disks []container.VirtualDisk
	err := c.do(ctx, http.MethodGet, "/v1/mounts", nil, &disks)
	return disks, err
}

// Sessions lists sessions with device paths.
func (c *Client) Sessions(ctx context.Context) ([]registry.Record, error) {
	var sessions []registry.Record
	err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &sessions)
	return sessions, err
}

// Stats returns the IO counters of the disk under letter.
func (c *Client) Stats(ctx context.Context, letter string) (driver.Stats, error) {
	var stats driver.Stats
	err := c.do(ctx, http.MethodGet, "/v1/mounts/"+url.PathEscape(letter)+"/stats", nil, &stats)
	return stats, err
}

// Ready checks the daemon's readiness probe.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/readyz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindIO, errs.IOFailed, err, "could not reach ved daemon")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	var e ErrorResponse
	if err := json.Unmarshal(data, &e); err != nil || e.Kind == "" {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return &errs.Error{Kind: e.Kind, Code: e.Code, Message: e.Error}
}
