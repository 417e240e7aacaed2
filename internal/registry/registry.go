// Package registry stores client connection profiles, one YAML file per
// remote host.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("connection profile not found")

type Registry struct {
	dir      string
	profiles map[string]*Profile
	mu       sync.RWMutex
}

func NewRegistry(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("connections dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	r := &Registry{
		dir:      dir,
		profiles: make(map[string]*Profile),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Get(id string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[id]
	if !ok {
		return nil
	}
	return cloneProfile(p)
}

// List returns profiles ordered by label, then host.
func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		result = append(result, cloneProfile(p))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Label != result[j].Label {
			return result[i].Label < result[j].Label
		}
		if result[i].Host != result[j].Host {
			return result[i].Host < result[j].Host
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (r *Registry) Reload() error {
	loaded, err := loadDir(r.dir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.profiles = loaded
	r.mu.Unlock()
	return nil
}

// Save writes p, assigning an id when it has none.
func (r *Registry) Save(p *Profile) error {
	if p == nil {
		return errors.New("profile is required")
	}
	clean := cloneProfile(p)
	if clean.ID == "" {
		clean.ID = uuid.NewString()
	}
	if err := validate(clean); err != nil {
		return err
	}
	if err := writeProfile(r.dir, clean); err != nil {
		return err
	}

	r.mu.Lock()
	r.profiles[clean.ID] = clean
	r.mu.Unlock()
	p.ID = clean.ID
	return nil
}

// SaveToken records a newly obtained or refreshed token for id.
func (r *Registry) SaveToken(id, token string, acquiredAt, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.profiles[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	next := cloneProfile(cur)
	next.Token = token
	next.TokenAcquiredAt = acquiredAt.UTC()
	next.TokenExpiresAt = expiresAt.UTC()
	if err := writeProfile(r.dir, next); err != nil {
		return err
	}
	r.profiles[id] = next
	return nil
}

func (r *Registry) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	path := filepath.Join(r.dir, id+".yaml")
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return fmt.Errorf("delete profile %q: %w", path, err)
	}

	r.mu.Lock()
	delete(r.profiles, id)
	r.mu.Unlock()
	return nil
}

func writeProfile(dir string, p *Profile) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	path := filepath.Join(dir, p.ID+".yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write profile %q: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write profile %q: %w", path, err)
	}
	return nil
}

func loadDir(dir string) (map[string]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read registry dir: %w", err)
	}

	loaded := make(map[string]*Profile)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		p, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if _, exists := loaded[p.ID]; exists {
			return nil, fmt.Errorf("duplicate profile id %q", p.ID)
		}
		loaded[p.ID] = p
	}
	return loaded, nil
}

func loadFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if err := validate(&p); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &p, nil
}

func validate(p *Profile) error {
	if p == nil {
		return errors.New("profile is required")
	}
	if err := validateID(p.ID); err != nil {
		return err
	}
	p.Host = strings.TrimSpace(p.Host)
	if p.Host == "" {
		return errors.New("host is required")
	}
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d", p.Port)
	}
	return nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("id must be a uuid: %w", err)
	}
	return nil
}

func cloneProfile(p *Profile) *Profile {
	if p == nil {
		return nil
	}
	out := *p
	return &out
}
