// Package client talks to the water-sensor /relay-state endpoint.
// A Client satisfies poller.Source, so a remote controller can be polled
// the same way as an in-process coordinator.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/water-sensor/internal/relay"
)

// maxBody bounds how much of a response is read.
const maxBody = 1 << 20

// Client is an HTTP relay client.
type Client struct {
	base string
	http *http.Client
	now  func() time.Time
}

// New creates a client for baseURL (e.g. "http://pi.local:8080").
// A nil httpClient uses one with a 10s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: httpClient,
		now:  time.Now,
	}
}

// GetSnapshot fetches every relay state.
func (c *Client) GetSnapshot(ctx context.Context) (relay.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/relay-state", nil)
	if err != nil {
		return relay.Snapshot{}, fmt.Errorf("build request: %w", err)
	}
	return c.do(req, "get relay state")
}

// SetState commands relay id. A 400 maps to relay.ErrInvalidChannel and a
// degraded write to relay.ErrPartialSnapshot; any other failure, including
// a transport error, maps to relay.ErrStoreUnavailable.
func (c *Client) SetState(ctx context.Context, id int, on bool) (relay.Snapshot, error) {
	form := url.Values{}
	form.Set("relay", strconv.Itoa(id))
	if on {
		form.Set("state", "1")
	} else {
		form.Set("state", "0")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/relay-state", strings.NewReader(form.Encode()))
	if err != nil {
		return relay.Snapshot{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, fmt.Sprintf("set relay %d", id))
}

func (c *Client) do(req *http.Request, op string) (relay.Snapshot, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return relay.Snapshot{}, fmt.Errorf("%w: %s: %w", relay.ErrStoreUnavailable, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return relay.Snapshot{}, fmt.Errorf("%w: %s: read body: %w", relay.ErrStoreUnavailable, op, err)
	}

	var out relay.ResponseJSON
	decodeErr := json.Unmarshal(body, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || decodeErr != nil || !out.Success {
		msg := out.Error
		if msg == "" && decodeErr != nil {
			msg = decodeErr.Error()
		}
		if msg == "" {
			msg = resp.Status
		}
		if resp.StatusCode == http.StatusBadRequest {
			return relay.Snapshot{}, fmt.Errorf("%w: %s: %s", relay.ErrInvalidChannel, op, msg)
		}
		return relay.Snapshot{}, fmt.Errorf("%w: %s: %s", relay.ErrStoreUnavailable, op, msg)
	}

	snap := relay.ParseStates(out.States)
	snap.Taken = c.now()
	if out.Partial {
		snap.Partial = true
		return snap, fmt.Errorf("%w: %s", relay.ErrPartialSnapshot, op)
	}
	return snap, nil
}
