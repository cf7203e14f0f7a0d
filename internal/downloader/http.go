package downloader

import (
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var sharedTransport = &http.Transport{
	Proxy:               http.ProxyFromEnvironment,
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 15 * time.Second,
	IdleConnTimeout:       90 * time.Second,
}

// CloseIdleConnections releases pooled connections at the end of a run.
func CloseIdleConnections() {
	sharedTransport.CloseIdleConnections()
}

// consistentTransport stamps every request with the same browser-like headers
// plus any user supplied ones (cookies, referer) without touching the caller's request.
type consistentTransport struct {
	base      http.RoundTripper
	userAgent string
	headers   map[string]string
}

func (t *consistentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for name, value := range t.headers {
		clone.Header.Set(name, value)
	}
	if clone.Header.Get("User-Agent") == "" {
		clone.Header.Set("User-Agent", t.userAgent)
	}
	if clone.Header.Get("Accept-Language") == "" {
		clone.Header.Set("Accept-Language", "en-US,en;q=0.9")
	}
	if clone.Header.Get("Accept") == "" {
		clone.Header.Set("Accept", "*/*")
	}
	return t.base.RoundTrip(clone)
}

func newHTTPClient(opts Options) *http.Client {
	return newHTTPClientWithBase(sharedTransport, opts)
}

func newHTTPClientWithBase(base http.RoundTripper, opts Options) *http.Client {
	var transport http.RoundTripper = &consistentTransport{
		base:      base,
		userAgent: opts.UserAgent,
		headers:   opts.Headers,
	}
	transport = newRetryTransport(transport, retryConfig{
		MaxRetries:   opts.Retries,
		InitialDelay: opts.RetryDelay,
		MaxDelay:     defaultRetryConfig.MaxDelay,
	})
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Timeout:   opts.Timeout,
		Jar:       jar,
		Transport: transport,
	}
}

// withoutTransportRetry returns a copy of client that sends each request once.
// Callers that run their own retry loop use it so attempts do not multiply.
func withoutTransportRetry(client *http.Client) *http.Client {
	rt, ok := client.Transport.(*retryTransport)
	if !ok {
		return client
	}
	single := *client
	single.Transport = rt.base
	return &single
}
