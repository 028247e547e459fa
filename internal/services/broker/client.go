package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"multiplayersessions/internal/directory"
	"multiplayersessions/internal/services/cluster"
)

var ErrNotLeader = errors.New("broker is not the leader")

// Resolver finds the broker instance to talk to.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
	// Invalidate forgets the current address after it failed.
	Invalidate()
}

// StaticResolver always returns the same address.
type StaticResolver string

func (s StaticResolver) Resolve(context.Context) (string, error) { return string(s), nil }
func (StaticResolver) Invalidate()                               {}

// DiscoveryResolver resolves the broker leader through the service cache.
type DiscoveryResolver struct {
	Cache       *cluster.ServiceCacheActor
	ServiceName string
}

func (d DiscoveryResolver) Resolve(ctx context.Context) (string, error) {
	return d.Cache.Discover(ctx, d.ServiceName)
}

func (d DiscoveryResolver) Invalidate() { d.Cache.Invalidate(d.ServiceName) }

// Client talks to the broker API. It satisfies the subsystem's registry.
type Client struct {
	resolver   Resolver
	httpClient *http.Client
}

func NewClient(resolver Resolver, timeout time.Duration) *Client {
	return &Client{
		resolver:   resolver,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Advertise(ctx context.Context, ad directory.Advertisement) (directory.Entry, error) {
	var e directory.Entry
	err := c.do(ctx, http.MethodPost, "/sessions", ad, &e)
	return e, err
}

func (c *Client) Withdraw(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Search(ctx context.Context, q directory.Query) ([]directory.Entry, error) {
	v := url.Values{}
	if q.MatchTag != "" {
		v.Set("tag", q.MatchTag)
	}
	if q.MaxResults > 0 {
		v.Set("max", strconv.Itoa(q.MaxResults))
	}
	v.Set("lan", strconv.FormatBool(q.LAN))
	v.Set("presence", strconv.FormatBool(q.PresenceOnly))

	var entries []directory.Entry
	err := c.do(ctx, http.MethodGet, "/sessions?"+v.Encode(), nil, &entries)
	return entries, err
}

func (c *Client) Reserve(ctx context.Context, id string) (directory.Entry, error) {
	var e directory.Entry
	err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/join", nil, &e)
	return e, err
}

func (c *Client) Start(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/start", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	addr, err := c.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("session broker unavailable: %w", err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to serialize request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://"+addr+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.resolver.Invalidate()
		return fmt.Errorf("failed to contact session broker at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse broker response: %w", err)
	}
	return nil
}

func (c *Client) decodeError(resp *http.Response) error {
	var er ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&er)

	switch er.Code {
	case codeNotFound:
		return fmt.Errorf("broker: %w", directory.ErrSessionNotFound)
	case codeFull:
		return fmt.Errorf("broker: %w", directory.ErrSessionFull)
	case codeStarted:
		return fmt.Errorf("broker: %w", directory.ErrSessionStarted)
	case codeInvalid:
		return fmt.Errorf("broker: %w", directory.ErrInvalidSession)
	case codeNotLeader:
		c.resolver.Invalidate()
		return ErrNotLeader
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		c.resolver.Invalidate()
	}
	return fmt.Errorf("session broker returned %d: %s", resp.StatusCode, er.Error)
}
