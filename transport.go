package passport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
)

// Request is a single call against the Discord API.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is what came back from a Request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the response has a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// JSON decodes the response body into v.
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// Transport sends requests. Swap it out to talk to something other than
// the real network.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport is a Transport backed by an *http.Client.
type HTTPTransport struct {
	Client *http.Client
}

// Send implements Transport.
func (h HTTPTransport) Send(ctx context.Context, r *Request) (*Response, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequest(r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req = req.WithContext(ctx)

	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", UserAgent)
	}

	cli := h.Client
	if cli == nil {
		cli = http.DefaultClient
	}

	resp, err := cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// UserAgent is sent with every request that doesn't set its own. Discord
// rejects API calls without a DiscordBot style agent.
var UserAgent = genUserAgent()

func genUserAgent() string {
	return fmt.Sprintf("DiscordBot (https://github.com/Xe/passport, dev) %s (%s/%s; %s)", runtime.Version(), runtime.GOOS, runtime.GOARCH, filepath.Base(os.Args[0]))
}

// UserAgentTransport is an http.RoundTripper that stamps UserAgent on
// everything passing through it.
type UserAgentTransport struct {
	RT http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (uat UserAgentTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	rt := uat.RT
	if rt == nil {
		rt = http.DefaultTransport
	}

	r = r.Clone(r.Context())
	r.Header.Set("User-Agent", UserAgent)
	return rt.RoundTrip(r)
}
