package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

type REST struct {
	httpBaseURL string
	httpClient  *http.Client
	botToken    string
	userAgent   string
}

// RESTClient is the part of the Discord HTTP API the gateway needs. Voice
// state changes go over the gateway socket, so only reads are exposed.
type RESTClient interface {
	URL() string
	Get(ctx context.Context, url string, body io.Reader, options *RESTOptions) (*http.Response, error)
}

type RESTOptions struct {
	Headers map[string]string
	// Unauthenticated skips the Authorization header.
	Unauthenticated bool
}

func NewREST(baseURL, botToken string) *REST {
	r := &REST{
		httpBaseURL: baseURL,
		httpClient:  http.DefaultClient,
		botToken:    botToken,
		userAgent:   "DiscordBot (https://github.com/hendrywilliam/siren-gateway, 1.0.0)",
	}
	return r
}

// WithHTTPClient swaps the underlying client, mostly for tests.
func (r *REST) WithHTTPClient(c *http.Client) *REST {
	r.httpClient = c
	return r
}

func (r *REST) applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func (r *REST) makeRequest(ctx context.Context, method string, url string, body io.Reader, options *RESTOptions) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	// Mandatory headers.
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("User-Agent", r.userAgent)
	if options == nil || !options.Unauthenticated {
		req.Header.Set("Authorization", fmt.Sprintf("Bot %s", r.botToken))
	}

	if options != nil {
		// Apply all options in here, including additional headers.
		r.applyHeaders(req, options.Headers)
	}
	return req, nil
}

func (r *REST) do(ctx context.Context, method string, url string, body io.Reader, options *RESTOptions) (*http.Response, error) {
	req, err := r.makeRequest(ctx, method, url, body, options)
	if err != nil {
		return nil, err
	}
	res, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *REST) URL() string {
	return r.httpBaseURL
}

func (r *REST) Get(ctx context.Context, url string, body io.Reader, options *RESTOptions) (*http.Response, error) {
	return r.do(ctx, http.MethodGet, url, body, options)
}
