package seed

import (
	"fmt"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/registry"
)

// Mapper converts seed entries to registry create specs.
type Mapper struct{}

// NewMapper creates a new mapper instance
func NewMapper() *Mapper {
	return &Mapper{}
}

// MapServices converts f to specs. Entries without a name or kind are
// skipped; duplicate names are an error.
func (m *Mapper) MapServices(f File) ([]registry.CreateSpec, error) {
	specs := make([]registry.CreateSpec, 0, len(f.Services))
	seen := make(map[string]bool, len(f.Services))

	for _, e := range f.Services {
		if e.Name == "" || e.Kind == "" {
			continue
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("duplicate seed service %q", e.Name)
		}
		seen[e.Name] = true

		visibility, err := domain.ParsePolicy(e.Visibility)
		if err != nil {
			return nil, fmt.Errorf("seed service %q: %w", e.Name, err)
		}
		access, err := domain.ParsePolicy(e.Access)
		if err != nil {
			return nil, fmt.Errorf("seed service %q: %w", e.Name, err)
		}

		whitelist := make([]domain.NodeID, 0, len(e.Whitelist))
		for _, n := range e.Whitelist {
			whitelist = append(whitelist, domain.NodeID(n))
		}

		specs = append(specs, registry.CreateSpec{
			Name:       e.Name,
			Kind:       e.Kind,
			Plugins:    e.Plugins,
			Visibility: visibility,
			Access:     access,
			Whitelist:  whitelist,
		})
	}

	return specs, nil
}
