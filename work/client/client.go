package client

import (
	"net/http"
	"time"
)

// ForwardingClient wraps http.Client with transport settings tuned for
// talking to the media server backend and the storage provider. It carries
// helpers for forwarding the original caller's identity headers so upstream
// services see the real client, not the proxy.
type ForwardingClient struct {
	Client *http.Client
}

// New creates a ForwardingClient with pooled connections. No overall request
// timeout is imposed; only header reads are bounded, matching the behavior
// expected by long proxied transfers.
func New() *ForwardingClient {
	return &ForwardingClient{
		Client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

// Do executes the request on the underlying client.
func (fc *ForwardingClient) Do(req *http.Request) (*http.Response, error) {
	return fc.Client.Do(req)
}

// SetForwardHeaders stamps the original caller's user agent and IP onto an
// outbound request. An empty IP leaves the forwarding headers unset.
func SetForwardHeaders(req *http.Request, ua, ip string) {
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
		req.Header.Set("X-Real-IP", ip)
	}
}
