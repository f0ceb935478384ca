package directory

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/ugorji/go/codec"
	"github.com/valyala/fasthttp"
)

const defaultClientTimeout = 2 * time.Second

// Client is a Directory backed by a remote Server.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *fasthttp.Client
	json    *codec.JsonHandle
}

// ClientOption customizes a Client.
type ClientOption func(c *Client)

// WithTimeout bounds every request that carries no earlier context deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithDialer replaces the dialer, e.g. with an in-memory listener.
func WithDialer(dial func(addr string) (net.Conn, error)) ClientOption {
	return func(c *Client) { c.client.Dial = dial }
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("bad directory url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("bad directory url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: defaultClientTimeout,
		client: &fasthttp.Client{
			Name:                "gotracker-directory-client",
			MaxIdleConnDuration: 30 * time.Second,
		},
		json: &codec.JsonHandle{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Register(ctx context.Context, name, addr string) error {
	body := make([]byte, 0, 64)
	if err := codec.NewEncoderBytes(&body, c.json).Encode(Entry{Name: name, Address: addr}); err != nil {
		return err
	}
	status, _, err := c.do(ctx, fasthttp.MethodPut, c.nameURL(name), body)
	if err != nil {
		return err
	}
	return statusError(status, name)
}

func (c *Client) Lookup(ctx context.Context, name string) (string, error) {
	status, body, err := c.do(ctx, fasthttp.MethodGet, c.nameURL(name), nil)
	if err != nil {
		return "", err
	}
	if err := statusError(status, name); err != nil {
		return "", err
	}
	entry := Entry{}
	if err := codec.NewDecoderBytes(body, c.json).Decode(&entry); err != nil {
		return "", fmt.Errorf("decode lookup response: %w", err)
	}
	return entry.Address, nil
}

func (c *Client) List(ctx context.Context, prefix string) (map[string]string, error) {
	u := c.baseURL + namesPath + "?prefix=" + url.QueryEscape(prefix)
	status, body, err := c.do(ctx, fasthttp.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if err := statusError(status, prefix); err != nil {
		return nil, err
	}
	resp := ListResponse{}
	if err := codec.NewDecoderBytes(body, c.json).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	if resp.Entries == nil {
		resp.Entries = map[string]string{}
	}
	return resp.Entries, nil
}

func (c *Client) Remove(ctx context.Context, name string) error {
	status, _, err := c.do(ctx, fasthttp.MethodDelete, c.nameURL(name), nil)
	if err != nil {
		return err
	}
	if status == fasthttp.StatusNotFound {
		return nil
	}
	return statusError(status, name)
}

func (c *Client) nameURL(name string) string {
	return c.baseURL + namesPath + "/" + url.PathEscape(name)
}

// do runs one request bounded by the earlier of ctx's deadline and the client timeout.
func (c *Client) do(ctx context.Context, method, uri string, body []byte) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, fmt.Errorf("directory %s %s: %w", method, uri, err)
	}
	// the body buffer is released with resp
	out := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), out, nil
}

func statusError(status int, name string) error {
	switch {
	case status == fasthttp.StatusNotFound:
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	case status >= 300:
		return fmt.Errorf("directory responded %d for %s", status, name)
	}
	return nil
}
