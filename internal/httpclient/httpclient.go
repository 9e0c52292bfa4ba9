// Package httpclient wraps github.com/opus-domini/fast-shot's fluent
// builder for every outbound REST call this runtime makes: Twitch token
// validate/refresh, Twitch Helix subscription create/delete, and the
// Rainwave /info poll.
package httpclient

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	fastshot "github.com/opus-domini/fast-shot"
	"github.com/opus-domini/fast-shot/constant/header"
)

// Client is a thin, domain-neutral wrapper around a fast-shot client
// bound to one base URL.
type Client struct {
	methods fastshot.ClientHttpMethods
}

// New builds a Client against baseURL with the given request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		methods: fastshot.NewClient(baseURL).
			Config().SetTimeout(timeout).
			Build(),
	}
}

// Response is the normalized result of a call: status code, raw body,
// and a Retry-After hint in seconds parsed from the response header (0
// when absent), feeding directly into the rate-limit policy.
type Response struct {
	StatusCode int
	Body       []byte
	RetryAfter float64
}

// DecodeJSON unmarshals the response body into v.
func (r *Response) DecodeJSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Get issues a GET with the given headers.
func (c *Client) Get(ctx context.Context, path string, headers map[string]string) (*Response, error) {
	req := c.methods.GET(path).Context().Set(ctx)
	for k, v := range headers {
		req = req.Header().Add(header.Parse(k), v)
	}
	resp, err := req.Send()
	if err != nil {
		return nil, err
	}
	return toResponse(resp)
}

// PostForm issues a POST with an application/x-www-form-urlencoded body.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values, headers map[string]string) (*Response, error) {
	req := c.methods.POST(path).Context().Set(ctx).
		Header().Add(header.ContentType, "application/x-www-form-urlencoded").
		Body().AsString(form.Encode())
	for k, v := range headers {
		req = req.Header().Add(header.Parse(k), v)
	}
	resp, err := req.Send()
	if err != nil {
		return nil, err
	}
	return toResponse(resp)
}

// PostJSON issues a POST with a JSON body.
func (c *Client) PostJSON(ctx context.Context, path string, body any, headers map[string]string) (*Response, error) {
	req := c.methods.POST(path).Context().Set(ctx).Body().AsJSON(body)
	for k, v := range headers {
		req = req.Header().Add(header.Parse(k), v)
	}
	resp, err := req.Send()
	if err != nil {
		return nil, err
	}
	return toResponse(resp)
}

// Delete issues a DELETE with query parameters and headers.
func (c *Client) Delete(ctx context.Context, path string, query url.Values, headers map[string]string) (*Response, error) {
	req := c.methods.DELETE(path).Context().Set(ctx)
	for k, vals := range query {
		for _, v := range vals {
			req = req.Query().AddParam(k, v)
		}
	}
	for k, v := range headers {
		req = req.Header().Add(header.Parse(k), v)
	}
	resp, err := req.Send()
	if err != nil {
		return nil, err
	}
	return toResponse(resp)
}

func toResponse(resp *fastshot.Response) (*Response, error) {
	raw := resp.Raw()
	defer func() {
		if raw != nil && raw.Body != nil {
			_ = raw.Body.Close()
		}
	}()

	body, err := resp.Body().AsString()
	if err != nil {
		return nil, err
	}

	retryAfter := 0.0
	if raw != nil {
		if hint := raw.Header.Get("Retry-After"); hint != "" {
			if secs, perr := time.ParseDuration(hint + "s"); perr == nil {
				retryAfter = secs.Seconds()
			}
		}
	}

	statusCode := 0
	if raw != nil {
		statusCode = raw.StatusCode
	}

	return &Response{
		StatusCode: statusCode,
		Body:       []byte(body),
		RetryAfter: retryAfter,
	}, nil
}
