package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxErrorBody = 4 << 10

func newHTTPClient(cfg Config) (*http.Client, time.Duration, error) {
	timeout, err := cfg.ConnectTimeout()
	if err != nil {
		return nil, 0, err
	}
	insecure, err := cfg.InsecureSkipVerify()
	if err != nil {
		return nil, 0, err
	}
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: insecure, //nolint:gosec // opt-in per repository, off by default
		},
	}
	return &http.Client{Transport: tr}, timeout, nil
}

func parseEndpoint(cfg Config, key string) (*url.URL, error) {
	raw, err := cfg.Require(key)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, invalidKey(key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &ConfigurationError{Key: key, Reason: "scheme must be http or https"}
	}
	if u.Host == "" {
		return nil, &ConfigurationError{Key: key, Reason: "host is empty"}
	}
	return u, nil
}

// probeHTTP issues a GET bounded by timeout. Any response below 500 counts as
// reachable.
func probeHTTP(ctx context.Context, client *http.Client, target string, timeout time.Duration, auth func(*http.Request)) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	if auth != nil {
		auth(req)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, asConnectionError(req.URL.Host, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return resp.StatusCode, nil
}

// isUnavailable reports gateway and availability statuses that indicate the
// endpoint is temporarily unreachable rather than broken.
func isUnavailable(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}

func basicAuth(cfg Config) func(*http.Request) {
	user := cfg.String(KeyUsername, "")
	pass := cfg.String(KeyPassword, "")
	token := cfg.String(KeyToken, "")
	return func(req *http.Request) {
		switch {
		case token != "":
			req.Header.Set("Authorization", "Bearer "+token)
		case user != "":
			req.SetBasicAuth(user, pass)
		}
	}
}
