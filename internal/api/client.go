// Package api is the REST client for the messaging and notification
// backend.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// RequestError is a failed REST call. Message is the human readable text
// the backend returned, or the transport error.
type RequestError struct {
	Op      string
	Status  int // 0 for network failures
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %d %s", e.Op, e.Status, e.Message)
}

func (e *RequestError) Unwrap() error { return e.Err }

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l.Named("api") }
}

func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) { c.http = hc }
}

type Client struct {
	base    string
	http    *fasthttp.Client
	timeout time.Duration
	log     *zap.Logger
}

// New returns a client for the backend at baseURL; the /api prefix is
// added here.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:    strings.TrimRight(baseURL, "/") + "/api",
		http:    &fasthttp.Client{Name: "pelusa-sync"},
		timeout: 10 * time.Second,
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body any) (gjson.Result, error) {
	if err := ctx.Err(); err != nil {
		return gjson.Result{}, &RequestError{Op: op, Message: err.Error(), Err: err}
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}

	uri := c.base + path
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			release()
			return gjson.Result{}, fmt.Errorf("%s: encode body: %w", op, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(b)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- c.http.DoDeadline(req, resp, deadline) }()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		// The call runs on until its deadline; req and resp stay live until then.
		go func() {
			<-done
			release()
		}()
		err = ctx.Err()
		c.log.Debug("request abandoned", zap.String("op", op), zap.Error(err))
		return gjson.Result{}, &RequestError{Op: op, Message: err.Error(), Err: err}
	}
	defer release()
	if err != nil {
		c.log.Debug("request failed", zap.String("op", op), zap.Error(err))
		return gjson.Result{}, &RequestError{Op: op, Message: err.Error(), Err: err}
	}
	status := resp.StatusCode()
	payload := gjson.ParseBytes(resp.Body())
	c.log.Debug("request", zap.String("op", op), zap.Int("status", status), zap.Duration("took", time.Since(start)))
	if status < 200 || status >= 300 {
		msg := payload.Get("message").String()
		if msg == "" {
			msg = fasthttp.StatusMessage(status)
		}
		return gjson.Result{}, &RequestError{Op: op, Status: status, Message: msg}
	}
	return payload, nil
}

// data unwraps the {"data": ...} envelope when present.
func data(r gjson.Result) gjson.Result {
	if d := r.Get("data"); d.Exists() {
		return d
	}
	return r
}

func count(r gjson.Result) int {
	for _, p := range []string{"data.unreadCount", "unreadCount", "data.count", "count"} {
		if v := r.Get(p); v.Exists() {
			if n := int(v.Int()); n > 0 {
				return n
			}
			return 0
		}
	}
	return 0
}

// unsupported reports the statuses a backend answers with when it has no
// such endpoint.
func unsupported(err error) bool {
	var re *RequestError
	if !errors.As(err, &re) {
		return false
	}
	switch re.Status {
	case fasthttp.StatusNotFound, fasthttp.StatusMethodNotAllowed, fasthttp.StatusNotImplemented:
		return true
	}
	return false
}
