// Package consumers finds the code in external repositories that calls a
// changed HTTP endpoint.
package consumers

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Repository is one external source tree searched for consumers.
type Repository struct {
	// UID is the immutable identifier assigned when the repository is added
	UID string `toml:"uid" json:"uid"`

	// ID is the human-friendly name reported as source_repository
	ID string `toml:"id" json:"id"`

	// Path is a local checkout, absolute or relative to the checkout root
	Path string `toml:"path,omitempty" json:"path,omitempty"`

	// Remote is the owner/name slug used by remote code search
	Remote string `toml:"remote,omitempty" json:"remote,omitempty"`

	// Tags are optional labels for filtering
	Tags []string `toml:"tags,omitempty" json:"tags,omitempty"`

	AddedAt time.Time `toml:"added_at" json:"added_at"`
}

// Registry is the set of repositories stored in repos.toml.
type Registry struct {
	Repos []Repository `toml:"repos"`
}

// LoadRegistry reads a registry file. A missing file is an empty registry.
func LoadRegistry(path string) (*Registry, error) {
	var reg Registry
	if _, err := toml.DecodeFile(path, &reg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Registry{}, nil
		}
		return nil, fmt.Errorf("failed to parse repository registry: %w", err)
	}
	for i := range reg.Repos {
		if reg.Repos[i].UID == "" {
			reg.Repos[i].UID = uuid.New().String()
		}
	}
	return &reg, nil
}

// Save writes the registry, creating its directory.
func (r *Registry) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create registry file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(r); err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}
	return nil
}

// Add registers a repository. Either path or remote must be set.
func (r *Registry) Add(id, path, remote string, tags []string) (*Repository, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("repository id is required")
	}
	if path == "" && remote == "" {
		return nil, fmt.Errorf("repository %q needs a path or a remote", id)
	}
	for _, repo := range r.Repos {
		if repo.ID == id {
			return nil, fmt.Errorf("repository with ID %q already exists", id)
		}
	}
	repo := Repository{
		UID:     uuid.New().String(),
		ID:      id,
		Path:    path,
		Remote:  remote,
		Tags:    tags,
		AddedAt: time.Now().UTC(),
	}
	r.Repos = append(r.Repos, repo)
	return &r.Repos[len(r.Repos)-1], nil
}

// Get returns a repository by id, or nil.
func (r *Registry) Get(id string) *Repository {
	for i := range r.Repos {
		if r.Repos[i].ID == id {
			return &r.Repos[i]
		}
	}
	return nil
}

// WithTag returns the repositories carrying tag, or all of them when tag is
// empty, sorted by id.
func (r *Registry) WithTag(tag string) []Repository {
	var out []Repository
	for _, repo := range r.Repos {
		if tag == "" || hasTag(repo.Tags, tag) {
			out = append(out, repo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
