// Package directive loads directive definitions from the space hierarchy
// and composes extends chains into a single executable shape.
package directive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rye-run/rye/pkg/models"
)

var (
	// ErrNotFound indicates no space holds the named directive.
	ErrNotFound = errors.New("directive not found")
	// ErrExtendsCycle indicates the extends chain loops back on itself.
	ErrExtendsCycle = errors.New("extends chain cycle")
)

// SpaceDir binds a space tier to its directory on disk.
type SpaceDir struct {
	Space models.Space
	Dir   string
}

// Store resolves directives across spaces in priority order. A directive in
// a higher-priority space fully shadows one with the same name below it.
type Store struct {
	spaces []SpaceDir
}

// NewStore builds a store over the given space directories, highest
// priority first (project, then user, then system).
func NewStore(spaces ...SpaceDir) *Store {
	return &Store{spaces: spaces}
}

// itemPath maps a dotted or slashed directive id to its relative file path.
func itemPath(name string) string {
	return filepath.Join(strings.Split(strings.ReplaceAll(name, ".", "/"), "/")...) + ".yaml"
}

// Load reads one directive by name without resolving its extends chain.
// Returns the space it was found in.
func (s *Store) Load(name string) (*models.Directive, models.Space, error) {
	rel := itemPath(name)
	for _, sp := range s.spaces {
		path := filepath.Join(sp.Dir, "directives", rel)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("read directive %s: %w", name, err)
		}
		d, err := Parse(data)
		if err != nil {
			return nil, "", fmt.Errorf("parse directive %s: %w", name, err)
		}
		if d.Name == "" {
			d.Name = name
		}
		return d, sp.Space, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Parse decodes a directive definition. Unknown fields are rejected so
// typos in directive files fail loudly instead of silently dropping config.
func Parse(data []byte) (*models.Directive, error) {
	var d models.Directive
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Resolve loads a directive and composes its full extends chain.
func (s *Store) Resolve(name string) (*models.Directive, models.Space, error) {
	chain, space, err := s.chain(name, nil)
	if err != nil {
		return nil, "", err
	}
	return Compose(chain), space, nil
}

// chain returns the directive lineage ordered root-first, leaf-last, and
// the space the leaf was found in.
func (s *Store) chain(name string, visiting []string) ([]*models.Directive, models.Space, error) {
	for _, v := range visiting {
		if v == name {
			return nil, "", fmt.Errorf("%w: %s", ErrExtendsCycle, strings.Join(append(visiting, name), " -> "))
		}
	}
	leaf, space, err := s.Load(name)
	if err != nil {
		return nil, "", err
	}
	visiting = append(visiting, name)

	var lineage []*models.Directive
	for _, parent := range leaf.Extends {
		ancestors, _, err := s.chain(parent, visiting)
		if err != nil {
			return nil, "", err
		}
		lineage = append(lineage, ancestors...)
	}
	lineage = append(lineage, leaf)
	return lineage, space, nil
}
