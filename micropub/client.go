// Package micropub implements the wire side of the publishing service:
// an authenticated JSON-over-HTTP client, the h-entry codec, and the
// error taxonomy shared by the pipelines.
package micropub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Request describes a single call against the service. URL overrides the
// client's configured endpoint (used for the media endpoint); when empty
// the main Micropub endpoint is used.
type Request struct {
	Method      string
	URL         string
	Query       url.Values
	Body        []byte
	ContentType string
}

// Response carries status, headers, and raw body as distinct outcomes.
// A transport failure never produces a Response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Requester is the request primitive the pipelines and reconciler
// consume. Client is the production implementation; tests substitute a
// mock.
//
//go:generate mockgen -source=client.go -destination=mock_client.go -package=micropub
type Requester interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// JSON parses the body, distinguishing a malformed body from a valid but
// empty one. The returned error carries KindSchema: a 2xx status is not
// sufficient to declare success.
func (r *Response) JSON() (gjson.Result, error) {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(r.Body) {
		return gjson.Result{}, NewError(KindSchema, "response body is not valid JSON")
	}
	return gjson.ParseBytes(r.Body), nil
}

// RetryAfterSeconds parses the Retry-After header as either a delay in
// seconds or an HTTP date. Returns 0 when absent or unparseable.
func (r *Response) RetryAfterSeconds() int {
	v := r.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return secs
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return int(d.Seconds() + 0.5)
		}
	}
	return 0
}

// Err maps a non-success status to the taxonomy. Returns nil for 2xx.
// Any error message the server included in the body is surfaced.
func (r *Response) Err() *Error {
	if r.Status >= 200 && r.Status < 300 {
		return nil
	}

	msg := gjson.GetBytes(r.Body, "error_description").Str
	if msg == "" {
		msg = gjson.GetBytes(r.Body, "error").Str
	}

	switch {
	case r.Status == http.StatusUnauthorized || r.Status == http.StatusForbidden:
		if msg == "" {
			msg = "credentials rejected"
		}
		return &Error{Kind: KindAuth, Message: fmt.Sprintf("%s (status %d)", msg, r.Status)}
	case r.Status == http.StatusTooManyRequests:
		if msg == "" {
			msg = "rate limited"
		}
		return &Error{Kind: KindRateLimit, Message: msg, RetryAfter: r.RetryAfterSeconds()}
	default:
		if msg == "" {
			msg = "request failed"
		}
		return &Error{Kind: KindService, Message: fmt.Sprintf("%s (status %d)", msg, r.Status)}
	}
}

// Client talks to a Micropub endpoint with bearer-token auth.
type Client struct {
	httpClient *http.Client
	endpoint   string
	token      string
}

// NewClient creates an API client for the given endpoint. If httpClient
// is nil, http.DefaultClient is used.
func NewClient(httpClient *http.Client, endpoint, token string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   strings.TrimRight(endpoint, "/"),
		token:      token,
	}
}

// Do executes one request. Transport failure returns a KindService
// error; any HTTP response, success or not, returns a Response.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	target := req.URL
	if target == "" {
		target = c.endpoint
	}
	if len(req.Query) > 0 {
		target = target + "?" + req.Query.Encode()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, WrapError(KindService, err, "creating request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Accept", "application/json")
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, WrapError(KindService, err, "sending request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(KindService, err, "reading response body")
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   respBody,
	}, nil
}

// NewConfigRequest builds the q=config query used to discover the media
// endpoint and other server capabilities.
func NewConfigRequest() Request {
	return Request{
		Method: http.MethodGet,
		Query:  url.Values{"q": {"config"}},
	}
}

// NewSectionRequest builds the source query listing one remote section.
// postType is "post" or "page"; postStatus is "published" or "draft".
func NewSectionRequest(postType, postStatus string) Request {
	q := url.Values{
		"q":         {"source"},
		"post-type": {postType},
	}
	if postStatus != "" {
		q.Set("post-status", postStatus)
	}
	return Request{Method: http.MethodGet, Query: q}
}

// NewMediaListRequest builds the query listing previously uploaded media.
func NewMediaListRequest() Request {
	return Request{
		Method: http.MethodGet,
		Query:  url.Values{"q": {"source"}, "post-type": {"media"}},
	}
}

// NewEntryRequest builds the create-entry POST carrying an h-entry JSON
// payload produced by PublishPayload.
func NewEntryRequest(payload []byte) Request {
	return Request{
		Method:      http.MethodPost,
		Body:        payload,
		ContentType: "application/json",
	}
}

// MediaEndpointFromConfig extracts the media endpoint from a q=config
// response body. Empty string when the server advertises none.
func MediaEndpointFromConfig(body []byte) string {
	return gjson.GetBytes(body, "media-endpoint").Str
}
