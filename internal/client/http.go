// Package client talks to the update service over its local API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/embuer/embuer/internal/update"
	"github.com/embuer/embuer/internal/ws"
)

// DefaultAddr is where the service listens unless configured otherwise.
const DefaultAddr = "unix:///run/embuer/embuer.sock"

const (
	requestTimeout = 30 * time.Second
	maxResponse    = 4 << 20
)

// Client is safe for concurrent use. Close cancels every outstanding
// Watch and releases idle connections.
type Client struct {
	baseURL string
	wsURL   string
	http    *http.Client
	dialer  *websocket.Dialer

	closeCtx context.Context
	close    context.CancelFunc
	log      *log.Entry
}

// New connects lazily to addr, which is unix:///path or tcp://host:port.
func New(addr string) (*Client, error) {
	var (
		host string
		dial func(ctx context.Context, network, address string) (net.Conn, error)
	)
	switch {
	case strings.HasPrefix(addr, "unix://"):
		path := strings.TrimPrefix(addr, "unix://")
		if path == "" {
			return nil, &Error{Kind: InvalidArgument, Op: "connect", Err: errors.New("empty socket path")}
		}
		host = "embuer"
		var d net.Dialer
		dial = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return d.DialContext(ctx, "unix", path)
		}
	case strings.HasPrefix(addr, "tcp://"):
		host = strings.TrimPrefix(addr, "tcp://")
		var d net.Dialer
		dial = d.DialContext
	default:
		return nil, &Error{Kind: InvalidArgument, Op: "connect", Err: fmt.Errorf("unsupported address %q", addr)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		baseURL: "http://" + host,
		wsURL:   "ws://" + host + "/ws",
		http: &http.Client{
			Timeout:   requestTimeout,
			Transport: &http.Transport{DialContext: dial},
		},
		dialer: &websocket.Dialer{
			NetDialContext:   dial,
			HandshakeTimeout: requestTimeout,
		},
		closeCtx: ctx,
		close:    cancel,
		log:      log.WithField("component", "client"),
	}, nil
}

func (c *Client) Close() error {
	c.close()
	c.http.CloseIdleConnections()
	return nil
}

// Status fetches the current state.
func (c *Client) Status(ctx context.Context) (update.Status, error) {
	var st update.Status
	err := c.get(ctx, "status", "/api/status", &st)
	return st, err
}

// InstallFromFile asks the service to install the archive at path, which
// is resolved on the service's side.
func (c *Client) InstallFromFile(ctx context.Context, path string) (string, error) {
	var out ws.MessageResponse
	err := c.post(ctx, "install from file", "/api/install/file", ws.InstallFileRequest{Path: path}, &out, path)
	return out.Message, err
}

func (c *Client) InstallFromURL(ctx context.Context, url string) (string, error) {
	var out ws.MessageResponse
	err := c.post(ctx, "install from url", "/api/install/url", ws.InstallURLRequest{URL: url}, &out, url)
	return out.Message, err
}

// PendingUpdate fetches the update awaiting confirmation.
func (c *Client) PendingUpdate(ctx context.Context) (update.PendingUpdate, error) {
	var p update.PendingUpdate
	err := c.get(ctx, "pending update", "/api/pending", &p)
	return p, err
}

// Confirm accepts or rejects the pending update.
func (c *Client) Confirm(ctx context.Context, accept bool) (string, error) {
	var out ws.MessageResponse
	err := c.post(ctx, "confirm", "/api/confirm", ws.ConfirmRequest{Accept: accept}, &out)
	return out.Message, err
}

func (c *Client) BootInfo(ctx context.Context) (ws.BootInfoResponse, error) {
	var info ws.BootInfoResponse
	err := c.get(ctx, "boot info", "/api/boot", &info)
	return info, err
}

func (c *Client) get(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &Error{Kind: Runtime, Op: op, Err: err}
	}
	return c.do(op, req, out)
}

// post sends body after checking that every string in checks is valid UTF-8.
func (c *Client) post(ctx context.Context, op, path string, body, out any, checks ...string) error {
	for _, s := range checks {
		if !utf8.ValidString(s) {
			return &Error{Kind: Encoding, Op: op, Err: errors.New("argument is not valid UTF-8")}
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return &Error{Kind: Encoding, Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return &Error{Kind: Runtime, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return transportError(op, err)
	}
	if !utf8.Valid(data) {
		return &Error{Kind: Encoding, Op: op, Err: errors.New("response is not valid UTF-8")}
	}

	if resp.StatusCode >= 300 {
		var e ws.ErrorResponse
		if json.Unmarshal(data, &e) != nil || e.Code == "" {
			return &Error{Kind: ServiceFault, Op: op, Err: fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))}
		}
		return &Error{Kind: kindForCode(e.Code), Op: op, Err: errors.New(e.Error)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: Encoding, Op: op, Err: err}
	}
	return nil
}
