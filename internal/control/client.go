package control

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/rpc/v2/json"

	"github.com/javanstorm/rvhost/internal/vm"
)

// Client calls the control server of a running instance.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a client for addr, a host:port or an http URL.
func NewClient(addr string) *Client {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	return &Client{
		url:  strings.TrimSuffix(url, "/") + RPCPath,
		http: &http.Client{Timeout: DefaultTimeout + DefaultTimeout/2},
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	body, err := json.EncodeClientRequest(ServiceName+"."+method, args)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()
	// Service errors arrive in the response body, sometimes with a 4xx status.
	if err := json.DecodeClientResponse(resp.Body, reply); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: %s: %w", method, resp.Status, err)
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// Status returns the machine stats.
func (c *Client) Status(ctx context.Context) (*vm.Stats, error) {
	var reply StatusReply
	if err := c.call(ctx, "Status", &EmptyArgs{}, &reply); err != nil {
		return nil, err
	}
	return &reply.Stats, nil
}

func (c *Client) lifecycle(ctx context.Context, method string) (string, error) {
	var reply StateReply
	if err := c.call(ctx, method, &EmptyArgs{}, &reply); err != nil {
		return "", err
	}
	return reply.State, nil
}

// Pause parks the machine and returns its new state.
func (c *Client) Pause(ctx context.Context) (string, error) { return c.lifecycle(ctx, "Pause") }

// Resume continues the machine and returns its new state.
func (c *Client) Resume(ctx context.Context) (string, error) { return c.lifecycle(ctx, "Resume") }

// Shutdown halts the machine and returns its new state.
func (c *Client) Shutdown(ctx context.Context) (string, error) { return c.lifecycle(ctx, "Shutdown") }

// Reset reboots the machine and returns its state.
func (c *Client) Reset(ctx context.Context) (string, error) { return c.lifecycle(ctx, "Reset") }

// Snapshot asks the instance to store a snapshot.
func (c *Client) Snapshot(ctx context.Context, name, description string) (*vm.SnapshotEntry, error) {
	var reply SnapshotReply
	if err := c.call(ctx, "Snapshot", &SnapshotArgs{Name: name, Description: description}, &reply); err != nil {
		return nil, err
	}
	return &reply.Snapshot, nil
}

// Restore asks the instance to load a snapshot and returns its state.
func (c *Client) Restore(ctx context.Context, name string) (string, error) {
	var reply StateReply
	if err := c.call(ctx, "Restore", &RestoreArgs{Name: name}, &reply); err != nil {
		return "", err
	}
	return reply.State, nil
}
