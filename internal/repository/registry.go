// Package repository loads the set of target repositories from a TOML file
// and serves immutable snapshots of it.
//
// The file lists one [[repository]] table per target:
//
//	[[repository]]
//	id = "dspace-main"
//	name = "Institutional DSpace"
//	protocol = "sword"
//	[repository.config]
//	collection_url = "https://dspace.example.org/swordv2/collection/123"
//	username = "depositor"
//	password = "${DSPACE_PASSWORD}"
//
// Config values may reference environment variables with ${NAME}. A reload
// that fails validation leaves the previous snapshot in place.
package repository

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/transport"
)

var ErrUnknownRepository = errors.New("unknown repository")

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

type fileConfig struct {
	Repositories []repositoryEntry `toml:"repository"`
}

type repositoryEntry struct {
	ID       string         `toml:"id"`
	Name     string         `toml:"name"`
	Protocol string         `toml:"protocol"`
	Config   map[string]any `toml:"config"`
}

type snapshot struct {
	byID map[string]domain.Repository
	ids  []string
}

type Registry struct {
	path       string
	transports *transport.Registry
	lookupEnv  func(string) (string, bool)
	log        zerolog.Logger
	current    atomic.Pointer[snapshot]
}

// Load reads path and returns a registry validated against transports.
func Load(path string, transports *transport.Registry, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{path: path, transports: transports, lookupEnv: os.LookupEnv, log: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStatic returns a registry over a fixed set of repositories.
func NewStatic(repos ...domain.Repository) *Registry {
	r := &Registry{lookupEnv: os.LookupEnv, log: zerolog.Nop()}
	r.current.Store(newSnapshot(repos))
	return r
}

func newSnapshot(repos []domain.Repository) *snapshot {
	s := &snapshot{byID: make(map[string]domain.Repository, len(repos))}
	for _, repo := range repos {
		s.byID[repo.ID] = repo
		s.ids = append(s.ids, repo.ID)
	}
	sort.Strings(s.ids)
	return s
}

func (r *Registry) Path() string {
	return r.path
}

// Reload re-reads the file and swaps the snapshot when it is valid.
func (r *Registry) Reload() error {
	if r.path == "" {
		return fmt.Errorf("repository registry has no file")
	}
	repos, err := r.parseFile(r.path)
	if err != nil {
		return err
	}
	r.current.Store(newSnapshot(repos))
	r.log.Info().Str("path", r.path).Int("repositories", len(repos)).Msg("repository configuration loaded")
	return nil
}

func (r *Registry) parseFile(path string) ([]domain.Repository, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load repositories: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("load repositories: unknown keys %s", strings.Join(keys, ", "))
	}

	seen := make(map[string]bool, len(raw.Repositories))
	repos := make([]domain.Repository, 0, len(raw.Repositories))
	for i, entry := range raw.Repositories {
		repo, err := r.build(entry)
		if err != nil {
			return nil, fmt.Errorf("repository[%d] invalid: %w", i, err)
		}
		if seen[repo.ID] {
			return nil, fmt.Errorf("repository[%d] invalid: duplicate id %q", i, repo.ID)
		}
		seen[repo.ID] = true
		repos = append(repos, repo)
	}
	return repos, nil
}

func (r *Registry) build(entry repositoryEntry) (domain.Repository, error) {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return domain.Repository{}, fmt.Errorf("id is required")
	}
	protocol := strings.ToLower(strings.TrimSpace(entry.Protocol))
	if p, ok := entry.Config[transport.KeyProtocol].(string); ok && protocol == "" {
		protocol = strings.ToLower(strings.TrimSpace(p))
	}
	if r.transports != nil {
		if _, err := r.transports.Lookup(protocol); err != nil {
			return domain.Repository{}, err
		}
	}

	cfg := make(map[string]string, len(entry.Config)+1)
	for k, v := range entry.Config {
		str, ok := v.(string)
		if !ok {
			switch v.(type) {
			case int64, float64, bool:
				str = fmt.Sprint(v)
			default:
				return domain.Repository{}, fmt.Errorf("config %s: unsupported value type %T", k, v)
			}
		}
		expanded, err := r.expand(str)
		if err != nil {
			return domain.Repository{}, fmt.Errorf("config %s: %w", k, err)
		}
		cfg[k] = expanded
	}
	cfg[transport.KeyProtocol] = protocol

	name := strings.TrimSpace(entry.Name)
	if name == "" {
		name = id
	}
	return domain.Repository{ID: id, Name: name, Protocol: protocol, Config: cfg}, nil
}

func (r *Registry) expand(v string) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(v, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		val, ok := r.lookupEnv(name)
		if !ok {
			missing = append(missing, name)
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined environment variable %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func (r *Registry) Get(id string) (domain.Repository, error) {
	repo, ok := r.current.Load().byID[id]
	if !ok {
		return domain.Repository{}, fmt.Errorf("%w: %s", ErrUnknownRepository, id)
	}
	return repo, nil
}

func (r *Registry) List() []domain.Repository {
	s := r.current.Load()
	out := make([]domain.Repository, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.byID[id])
	}
	return out
}
