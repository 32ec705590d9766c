package process

import (
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/weft/errors"
)

// Repository holds deployed definitions in memory. Definitions are code:
// every node deploys the same set at startup.
type Repository struct {
	mu    sync.RWMutex
	byID  map[string]*Definition
	byKey map[string][]*Definition // ascending by version
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{
		byID:  make(map[string]*Definition),
		byKey: make(map[string][]*Definition),
	}
}

// Deploy registers def. Deploying the same key and version twice fails.
func (r *Repository) Deploy(def *Definition) error {
	if def == nil {
		return errors.Validation("nil process definition")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := def.ID()
	if _, exists := r.byID[id]; exists {
		return errors.Validation("process definition %s is already deployed", id)
	}
	r.byID[id] = def
	versions := append(r.byKey[def.Key], def)
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version.LessThan(versions[j].Version)
	})
	r.byKey[def.Key] = versions
	return nil
}

// Get returns the definition with the given "key:version" id.
func (r *Repository) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.byID[id]; ok {
		return def, nil
	}
	// Accept non-canonical versions such as "invoice:1.2".
	if key, v, err := ParseID(id); err == nil {
		if def, ok := r.byID[FormatID(key, v)]; ok {
			return def, nil
		}
	}
	return nil, errors.NotFound("process definition", id)
}

// Latest returns the highest deployed version of key.
func (r *Repository) Latest(key string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.byKey[key]
	if len(versions) == 0 {
		return nil, errors.NotFound("process definition", key)
	}
	return versions[len(versions)-1], nil
}

// Resolve returns the highest version of key satisfying a semver
// constraint such as "^1.2" or ">= 2.0, < 3". An empty constraint means
// Latest.
func (r *Repository) Resolve(key, constraint string) (*Definition, error) {
	if constraint == "" {
		return r.Latest(key)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, errors.Validation("invalid version constraint %q: %v", constraint, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.byKey[key]
	for i := len(versions) - 1; i >= 0; i-- {
		if c.Check(versions[i].Version) {
			return versions[i], nil
		}
	}
	return nil, errors.NotFound("process definition", key+" "+constraint)
}

// Definitions returns every deployed definition ordered by key, then version.
func (r *Repository) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []*Definition
	for _, k := range keys {
		out = append(out, r.byKey[k]...)
	}
	return out
}
