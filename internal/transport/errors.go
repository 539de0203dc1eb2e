package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ConfigurationError reports a missing or invalid configuration key. It is
// never retried.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Key == "" {
		return "transport configuration: " + e.Reason
	}
	return fmt.Sprintf("transport configuration %q: %s", e.Key, e.Reason)
}

// ConnectionError reports an unreachable endpoint or a timeout. The condition
// is presumed transient.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolRejection reports that the repository refused the package.
type ProtocolRejection struct {
	StatusCode int
	Reason     string
}

func (e *ProtocolRejection) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("repository rejected package (%d): %s", e.StatusCode, e.Reason)
	}
	return "repository rejected package: " + e.Reason
}

func missingKey(key string) error {
	return &ConfigurationError{Key: key, Reason: "required"}
}

func invalidKey(key string, err error) error {
	return &ConfigurationError{Key: key, Reason: err.Error()}
}

// IsConnectionError reports whether err, anywhere in its chain, is a
// connectivity failure: a ConnectionError, a network timeout, a dial or DNS
// failure, or a refused/reset connection. TLS verification failures are not
// connectivity failures.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}

func IsProtocolRejection(err error) bool {
	var pr *ProtocolRejection
	return errors.As(err, &pr)
}

func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// asConnectionError wraps err as a ConnectionError when it is a connectivity
// failure and returns it unchanged otherwise.
func asConnectionError(endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	if IsConnectionError(err) {
		return &ConnectionError{Endpoint: endpoint, Err: err}
	}
	return err
}
