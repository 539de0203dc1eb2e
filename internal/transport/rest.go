package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"deposit-orchestrator/internal/domain"
)

const ProtocolREST = "rest"

// REST uploads packages to a repository exposing a plain HTTP API:
// PUT {url}/{package name} answered by {"id","location","status","message"}.
type REST struct{}

func NewREST() *REST {
	return &REST{}
}

func (t *REST) Protocol() string {
	return ProtocolREST
}

type restSession struct {
	client *http.Client
	base   *url.URL
	auth   func(*http.Request)
}

type restResponse struct {
	ID       string `json:"id"`
	Location string `json:"location"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

func (t *REST) Open(ctx context.Context, cfg Config) (Session, error) {
	base, err := parseEndpoint(cfg, KeyURL)
	if err != nil {
		return nil, err
	}
	client, timeout, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	auth := basicAuth(cfg)

	code, err := probeHTTP(ctx, client, base.String(), timeout, auth)
	if err != nil {
		return nil, err
	}
	switch {
	case isUnavailable(code):
		return nil, &ConnectionError{Endpoint: base.Host, Err: fmt.Errorf("repository returned %d", code)}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, &ConfigurationError{Key: KeyToken, Reason: fmt.Sprintf("credentials refused (%d)", code)}
	}
	return &restSession{client: client, base: base, auth: auth}, nil
}

func (s *restSession) Send(ctx context.Context, pkg Package) (Receipt, error) {
	target := s.base.JoinPath(url.PathEscape(pkg.Name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), bytes.NewReader(pkg.Body))
	if err != nil {
		return Receipt{}, err
	}
	req.ContentLength = int64(len(pkg.Body))
	mediaType := pkg.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", mediaType)
	req.Header.Set("Accept", "application/json")
	if pkg.Checksum != "" {
		req.Header.Set("X-Checksum-Sha256", pkg.Checksum)
	}
	s.auth(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, asConnectionError(s.base.Host, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case isUnavailable(resp.StatusCode):
		return Receipt{}, &ConnectionError{Endpoint: s.base.Host, Err: fmt.Errorf("upload returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Receipt{}, &ProtocolRejection{StatusCode: resp.StatusCode, Reason: restErrorReason(resp.Body)}
	default:
		return Receipt{}, fmt.Errorf("rest upload failed with status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	var body restResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAtomBody)).Decode(&body); err != nil && err != io.EOF {
		return Receipt{}, fmt.Errorf("decode rest receipt: %w", err)
	}
	locator := body.Location
	if locator == "" {
		locator = resp.Header.Get("Location")
	}
	if locator == "" {
		locator = target.String()
	}
	status := mapRESTStatus(body.Status)
	if status == domain.DepositStatusRejected {
		return Receipt{}, &ProtocolRejection{StatusCode: resp.StatusCode, Reason: body.Message}
	}
	return Receipt{Locator: locator, Status: status, Message: body.Message}, nil
}

func (s *restSession) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (t *REST) QueryStatus(ctx context.Context, cfg Config, locator string) (domain.DepositStatus, error) {
	client, _, err := newHTTPClient(cfg)
	if err != nil {
		return "", err
	}
	defer client.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	basicAuth(cfg)(req)

	resp, err := client.Do(req)
	if err != nil {
		return "", asConnectionError(req.URL.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get %s: status %d", locator, resp.StatusCode)
	}
	var body restResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAtomBody)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode rest status: %w", err)
	}
	return mapRESTStatus(body.Status), nil
}

func (t *REST) CheckConnectivity(ctx context.Context, cfg Config) bool {
	base, err := parseEndpoint(cfg, KeyURL)
	if err != nil {
		return false
	}
	client, timeout, err := newHTTPClient(cfg)
	if err != nil {
		return false
	}
	defer client.CloseIdleConnections()
	code, err := probeHTTP(ctx, client, base.String(), timeout, basicAuth(cfg))
	return err == nil && code < http.StatusInternalServerError
}

func mapRESTStatus(raw string) domain.DepositStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accepted", "published", "archived", "complete", "completed":
		return domain.DepositStatusAccepted
	case "rejected", "declined", "withdrawn":
		return domain.DepositStatusRejected
	default:
		return domain.DepositStatusSubmitted
	}
}

func restErrorReason(r io.Reader) string {
	raw := readErrorBody(r)
	var body restResponse
	if err := json.Unmarshal([]byte(raw), &body); err == nil && body.Message != "" {
		return body.Message
	}
	return raw
}
