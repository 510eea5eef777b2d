package pixstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/duh-rpc/duh-go"
	v1 "github.com/duh-rpc/duh-go/proto/v1"
	"github.com/kapetan-io/pixstream/transport"
	"github.com/kapetan-io/tackle/set"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

type ClientOptions struct {
	// Users can provide their own http client with TLS config if needed
	Client *http.Client
	// The address of endpoint in the format `<scheme>://<host>:<port>`
	Endpoint string
}

type Client struct {
	client *http.Client
	opts   ClientOptions
}

// NewClient creates a new instance of the pixstream client
func NewClient(opts ClientOptions) (*Client, error) {
	set.Default(&opts.Client, &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     2_000,
			MaxIdleConns:        2_000,
			MaxIdleConnsPerHost: 2_000,
			IdleConnTimeout:     60 * time.Second,
		},
	})

	if len(opts.Endpoint) == 0 {
		return nil, errors.New("opts.Endpoint is empty; must provide an http endpoint")
	}

	return &Client{
		client: opts.Client,
		opts:   opts,
	}, nil
}

// CloseIdleConnections closes any keep-alive connections held by the underlying http client
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// StreamStart opens a new stream for the ISPB. A response with no messages is not an error;
// the consumer should continue with res.InteractionID.
func (c *Client) StreamStart(ctx context.Context, req *transport.StreamRequest,
	res *transport.StreamResponse) error {
	return c.poll(ctx, fmt.Sprintf("/api/pix/%s/stream/start", url.PathEscape(req.ISPB)), req.Batch, res)
}

// StreamContinue pulls the next messages of the stream identified by req.InteractionID
func (c *Client) StreamContinue(ctx context.Context, req *transport.StreamRequest,
	res *transport.StreamResponse) error {
	return c.poll(ctx, transport.PullNext(url.PathEscape(req.ISPB), url.PathEscape(req.InteractionID)),
		req.Batch, res)
}

// StreamTerminate closes the stream identified by req.InteractionID
func (c *Client) StreamTerminate(ctx context.Context, req *transport.StreamRequest) error {
	r, err := c.newRequest(ctx, http.MethodDelete,
		transport.PullNext(url.PathEscape(req.ISPB), url.PathEscape(req.InteractionID)), nil)
	if err != nil {
		return err
	}
	return c.do(r, nil)
}

func (c *Client) StreamStats(ctx context.Context, ispb string, res *transport.StreamStats) error {
	r, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/api/util/streams/%s", url.PathEscape(ispb)), nil)
	if err != nil {
		return err
	}
	return c.do(r, res)
}

func (c *Client) MessagesProduce(ctx context.Context, req *transport.ProduceRequest) error {
	payload, err := json.Marshal(req.Messages)
	if err != nil {
		return duh.NewClientError("while marshaling request payload: %w", err, nil)
	}

	r, err := c.newRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/pix/%s/messages", url.PathEscape(req.ISPB)), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	r.Header.Set("Content-Type", transport.ContentTypeJSON)
	return c.do(r, nil)
}

func (c *Client) MessagesList(ctx context.Context, req *transport.ListRequest, res *transport.ListResponse) error {
	q := url.Values{}
	if req.Pivot != "" {
		q.Set("pivot", req.Pivot)
	}
	if req.Limit != 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	path := fmt.Sprintf("/api/pix/%s/messages", url.PathEscape(req.ISPB))
	if len(q) != 0 {
		path += "?" + q.Encode()
	}

	r, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(r, res)
}

// Health returns the health of the server. A failing server replies 503 with a body, which
// is returned along with a nil error.
func (c *Client) Health(ctx context.Context, res *transport.HealthResponse) error {
	r, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(r)
	if err != nil {
		return duh.NewClientError("", err, nil)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(res); err != nil {
		return duh.NewClientError("while decoding health response: %w", err, nil)
	}
	return nil
}

func (c *Client) poll(ctx context.Context, path string, batch bool, res *transport.StreamResponse) error {
	r, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	r.Header.Set("Accept", transport.ContentTypeJSON)
	if batch {
		r.Header.Set("Accept", transport.ContentTypeMultipart)
	}

	resp, err := c.client.Do(r)
	if err != nil {
		return duh.NewClientError("", err, nil)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return newStatusError(resp)
	}

	res.InteractionID = interactionID(resp.Header.Get(transport.HeaderPullNext))
	res.Messages = nil
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), transport.ContentTypeMultipart) {
		if err := json.NewDecoder(resp.Body).Decode(&res.Messages); err != nil {
			return duh.NewClientError("while decoding batch response: %w", err, nil)
		}
		return nil
	}

	var msg transport.PixMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return duh.NewClientError("while decoding response: %w", err, nil)
	}
	res.Messages = []*transport.PixMessage{&msg}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	r, err := http.NewRequestWithContext(ctx, method, c.opts.Endpoint+path, body)
	if err != nil {
		return nil, duh.NewClientError("", err, nil)
	}
	return r, nil
}

func (c *Client) do(r *http.Request, out any) error {
	resp, err := c.client.Do(r)
	if err != nil {
		return duh.NewClientError("", err, nil)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return newStatusError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return duh.NewClientError("while decoding response: %w", err, nil)
	}
	return nil
}

// interactionID returns the last segment of a Pull-Next path
func interactionID(pullNext string) string {
	if i := strings.LastIndex(pullNext, "/"); i != -1 {
		id, err := url.PathUnescape(pullNext[i+1:])
		if err == nil {
			return id
		}
		return pullNext[i+1:]
	}
	return pullNext
}

// StatusError is returned when the server replies with an error status
type StatusError struct {
	// Code is the HTTP status code of the reply
	Code int
	// CodeText is the text form of Code
	CodeText string
	// Message is the reason the server gave for the error
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Code, e.CodeText, e.Message)
}

func newStatusError(resp *http.Response) error {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return duh.NewClientError("while reading error response: %w", err, nil)
	}

	var reply v1.Reply
	if strings.HasPrefix(resp.Header.Get("Content-Type"), duh.ContentTypeProtoBuf) {
		err = proto.Unmarshal(b, &reply)
	} else {
		err = protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(b, &reply)
	}

	e := &StatusError{
		CodeText: http.StatusText(resp.StatusCode),
		Code:     resp.StatusCode,
		Message:  strings.TrimSpace(string(b)),
	}
	if err == nil {
		e.Message = reply.Message
		if reply.CodeText != "" {
			e.CodeText = reply.CodeText
		}
	}
	return e
}

// IsCapacityExceeded returns true if the server refused to start a stream because the ISPB
// already has the maximum number of active streams
func IsCapacityExceeded(err error) bool {
	var e *StatusError
	return errors.As(err, &e) && e.Code == http.StatusTooManyRequests
}

// WithNoTLS returns ClientOptions suitable for use with NON-TLS clients
func WithNoTLS(address string) ClientOptions {
	return ClientOptions{
		Endpoint: fmt.Sprintf("http://%s", address),
		Client: &http.Client{
			Transport: &http.Transport{
				MaxConnsPerHost:     2_000,
				MaxIdleConns:        2_000,
				MaxIdleConnsPerHost: 2_000,
				IdleConnTimeout:     60 * time.Second,
			},
		},
	}
}

// WithTLS returns ClientOptions suitable for use with TLS clients
func WithTLS(tls *tls.Config, address string) ClientOptions {
	return ClientOptions{
		Endpoint: fmt.Sprintf("https://%s", address),
		Client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     tls,
				MaxConnsPerHost:     2_000,
				MaxIdleConns:        2_000,
				MaxIdleConnsPerHost: 2_000,
				IdleConnTimeout:     60 * time.Second,
			},
		},
	}
}
