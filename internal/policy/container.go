package policy

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"sigs.k8s.io/yaml"
)

// ErrMalformed marks policy payloads that could not be decoded into
// response entities. Resolution fails fatally when it appears.
var ErrMalformed = errors.New("malformed policy payload")

// Container holds policy response entities in memory. It doubles as the
// offline mapping source and as the write-through cache for server
// responses.
type Container struct {
	mu       sync.RWMutex
	entities []ResponseEntity
}

// NewContainer returns a container pre-loaded with the given entities.
func NewContainer(entities ...ResponseEntity) *Container {
	c := &Container{}
	c.entities = append(c.entities, entities...)
	return c
}

// LoadContainer reads a container file. The file may be YAML or JSON and
// may hold either a single entity or a list.
func LoadContainer(path string) (*Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy container %s: %w", path, err)
	}
	c, err := ParseContainer(data)
	if err != nil {
		return nil, fmt.Errorf("parsing policy container %s: %w", path, err)
	}
	return c, nil
}

// ParseContainer decodes container data, accepting a single entity or a
// list, and validates every entry.
func ParseContainer(data []byte) (*Container, error) {
	var entities []ResponseEntity
	if err := yaml.Unmarshal(data, &entities); err != nil {
		var single ResponseEntity
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		entities = []ResponseEntity{single}
	}

	if errs := validateEntities(entities); len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return NewContainer(entities...), nil
}

func validateEntities(entities []ResponseEntity) []string {
	var errs []string
	for i, e := range entities {
		prefix := fmt.Sprintf("entity[%d]", i)
		if e.Name != "" {
			prefix = fmt.Sprintf("entity '%s'", e.Name)
		}
		if e.Name == "" {
			errs = append(errs, fmt.Sprintf("%s: 'name' is required", prefix))
		}
		if e.Workflow == "" {
			errs = append(errs, fmt.Sprintf("%s: 'workflow' is required — must be one of: %s, %s",
				prefix, WorkflowStratosphere, WorkflowCommunity))
		}
		if len(e.Mappings) == 0 {
			errs = append(errs, fmt.Sprintf("%s: 'mappings' must list at least one marketplace account", prefix))
		}
		for account, mapping := range e.Mappings {
			if len(mapping.Destinations) == 0 {
				errs = append(errs, fmt.Sprintf("%s: mapping '%s' has no destinations", prefix, account))
			}
			for j, dst := range mapping.Destinations {
				if dst.Destination == "" {
					errs = append(errs, fmt.Sprintf("%s: mapping '%s' destination[%d]: 'destination' is required", prefix, account, j))
				}
			}
		}
	}
	return errs
}

// Find returns the entities answering a (name, version) query. An entity
// without a version answers any version.
func (c *Container) Find(name, version string) []ResponseEntity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ResponseEntity
	for _, e := range c.entities {
		if e.Name != name {
			continue
		}
		if e.Version != "" && e.Version != version {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Add merges entities into the container.
func (c *Container) Add(entities ...ResponseEntity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities = append(c.entities, entities...)
}

// Len returns the number of stored entities.
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entities)
}
