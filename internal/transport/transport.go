package transport

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"deposit-orchestrator/internal/domain"
)

const (
	KeyProtocol           = "protocol"
	KeyHost               = "host"
	KeyPort               = "port"
	KeyURL                = "url"
	KeyUsername           = "username"
	KeyPassword           = "password"
	KeyToken              = "token"
	KeyPrivateKeyFile     = "private_key_file"
	KeyKnownHostsFile     = "known_hosts_file"
	KeyBasePath           = "base_path"
	KeyCollectionURL      = "collection_url"
	KeyPackaging          = "packaging"
	KeyOnBehalfOf         = "on_behalf_of"
	KeyBucket             = "bucket"
	KeyRegion             = "region"
	KeyEndpoint           = "endpoint"
	KeyPathStyle          = "path_style"
	KeyMaxAttempts        = "max_attempts"
	KeyConnectTimeout     = "connect_timeout"
	KeyInsecureSkipVerify = "insecure_skip_verify"

	DefaultConnectTimeout = 10 * time.Second
)

// Transport is one wire protocol capable of delivering a package to a
// repository. Implementations are stateless; per-repository settings travel
// in Config.
type Transport interface {
	Protocol() string
	Open(ctx context.Context, cfg Config) (Session, error)
	CheckConnectivity(ctx context.Context, cfg Config) bool
}

type Session interface {
	Send(ctx context.Context, pkg Package) (Receipt, error)
	Close() error
}

// StatusQuerier is implemented by transports that can ask the repository
// about the state of an earlier deposit.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, cfg Config, locator string) (domain.DepositStatus, error)
}

type Package struct {
	Name      string
	MediaType string
	Packaging string
	Checksum  string
	Size      int64
	Body      []byte
}

// Receipt is the repository's answer to a successful transmission. Status is
// SUBMITTED when the repository has not yet decided, ACCEPTED when it has.
type Receipt struct {
	Locator string
	Status  domain.DepositStatus
	Message string
}

// Config is the flat, read-only key/value configuration of one repository.
type Config map[string]string

func (c Config) String(key, fallback string) string {
	if v := strings.TrimSpace(c[key]); v != "" {
		return v
	}
	return fallback
}

func (c Config) Require(key string) (string, error) {
	v := strings.TrimSpace(c[key])
	if v == "" {
		return "", missingKey(key)
	}
	return v, nil
}

func (c Config) Int(key string, fallback int) (int, error) {
	v := strings.TrimSpace(c[key])
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, invalidKey(key, err)
	}
	return n, nil
}

func (c Config) Bool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(c[key])
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, invalidKey(key, err)
	}
	return b, nil
}

// Duration accepts Go duration syntax or a bare number of seconds.
func (c Config) Duration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(c[key])
	if v == "" {
		return fallback, nil
	}
	var d time.Duration
	if n, err := strconv.Atoi(v); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(v); err != nil {
		return 0, invalidKey(key, err)
	}
	if d <= 0 {
		return 0, invalidKey(key, fmt.Errorf("must be positive"))
	}
	return d, nil
}

func (c Config) ConnectTimeout() (time.Duration, error) {
	return c.Duration(KeyConnectTimeout, DefaultConnectTimeout)
}

// InsecureSkipVerify defaults to false; only an explicit true disables
// certificate or host key verification.
func (c Config) InsecureSkipVerify() (bool, error) {
	return c.Bool(KeyInsecureSkipVerify, false)
}

// Redacted returns a copy safe for logging.
func (c Config) Redacted() map[string]string {
	out := make(map[string]string, len(c))
	for k, v := range c {
		switch k {
		case KeyPassword, KeyToken:
			out[k] = "****"
		default:
			out[k] = v
		}
	}
	return out
}

// Registry is the closed set of transports keyed by protocol tag.
type Registry struct {
	transports map[string]Transport
}

func NewRegistry(transports ...Transport) *Registry {
	r := &Registry{transports: make(map[string]Transport, len(transports))}
	for _, t := range transports {
		r.transports[normalizeProtocol(t.Protocol())] = t
	}
	return r
}

func DefaultRegistry() *Registry {
	return NewRegistry(NewSFTP(), NewSWORD(), NewREST(), NewS3())
}

func (r *Registry) Lookup(protocol string) (Transport, error) {
	t, ok := r.transports[normalizeProtocol(protocol)]
	if !ok {
		return nil, &ConfigurationError{Key: KeyProtocol, Reason: fmt.Sprintf("unsupported protocol %q", protocol)}
	}
	return t, nil
}

func (r *Registry) Protocols() []string {
	out := make([]string, 0, len(r.transports))
	for p := range r.transports {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func normalizeProtocol(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
