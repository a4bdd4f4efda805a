package processor

import (
	"errors"
	"fmt"

	"github.com/lwhitby/sift/internal/catalog"
	"github.com/lwhitby/sift/pkg/logger"
)

var (
	ErrUnknownProcessor      = errors.New("processor is not registered")
	ErrUnknownImplementation = errors.New("processor implementation is not registered")
	ErrDuplicateProcessor    = errors.New("processor name registered twice")
	ErrDanglingDependency    = errors.New("processor depends on an unregistered processor")
	ErrCyclicDependency      = errors.New("processor dependency graph contains a cycle")
)

var log = logger.Get("ProcRegistry")

// Registry is an immutable, validated set of processor descriptors. The
// descriptors are held in topological order (dependencies before
// dependents) so that callers iterating the registry see a stable,
// dependency-respecting order.
type Registry struct {
	ordered []*Descriptor
	byName  map[string]*Descriptor
}

// NewRegistry validates the given descriptors (unique names, resolvable
// dependencies, acyclic graph) and returns a registry with the
// descriptors topologically sorted.
func NewRegistry(descriptors []*Descriptor) (*Registry, error) {
	byName := make(map[string]*Descriptor, len(descriptors))
	for _, d := range descriptors {
		if _, exists := byName[d.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProcessor, d.Name)
		}

		byName[d.Name] = d
	}

	for _, d := range descriptors {
		for _, dep := range d.DependsOn {
			if _, exists := byName[dep]; !exists {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrDanglingDependency, d.Name, dep)
			}
		}
	}

	ordered, err := topologicalSort(descriptors, byName)
	if err != nil {
		return nil, err
	}

	return &Registry{ordered: ordered, byName: byName}, nil
}

// FromConfigs builds a registry from the persisted processor bindings,
// constructing each runner via the factory registered for its
// implementation name. Disabled bindings are skipped.
func FromConfigs(configs []*catalog.ProcessorConfig, factories map[string]RunnerFactory) (*Registry, error) {
	descriptors := make([]*Descriptor, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.IsEnabled {
			log.Debugf("Skipping disabled processor binding %s\n", cfg.Name)
			continue
		}

		factory, ok := factories[cfg.Implementation]
		if !ok {
			return nil, fmt.Errorf("%w: %s (processor %s)", ErrUnknownImplementation, cfg.Implementation, cfg.Name)
		}

		runner, err := factory(*cfg.Config.Get())
		if err != nil {
			return nil, fmt.Errorf("failed to construct runner for processor %s: %w", cfg.Name, err)
		}

		descriptors = append(descriptors, &Descriptor{
			Name:              cfg.Name,
			InputExtensions:   cfg.InputExtensions,
			InputTags:         cfg.InputTags,
			OutputExt:         cfg.OutputExt,
			DependsOn:         cfg.DependsOn,
			AllowDerivedFiles: cfg.AllowDerivedFiles,
			UserSelectable:    cfg.AllowUserSelection,
			Runner:            runner,
		})
	}

	return NewRegistry(descriptors)
}

// Get returns the named descriptor, or ErrUnknownProcessor.
func (reg *Registry) Get(name string) (*Descriptor, error) {
	if d, ok := reg.byName[name]; ok {
		return d, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownProcessor, name)
}

// All returns every descriptor in topological order. Callers must not
// mutate the returned slice.
func (reg *Registry) All() []*Descriptor {
	return reg.ordered
}

func (reg *Registry) Size() int { return len(reg.ordered) }

type visitState int

const (
	unvisited visitState = iota
	visiting
	visited
)

// topologicalSort orders descriptors dependencies-first using iterative
// DFS with tri-color marking. Encountering a node already in the
// visiting state means the walk re-entered its own ancestry, which is a
// cycle.
func topologicalSort(descriptors []*Descriptor, byName map[string]*Descriptor) ([]*Descriptor, error) {
	states := make(map[string]visitState, len(descriptors))
	ordered := make([]*Descriptor, 0, len(descriptors))

	var visit func(d *Descriptor, trail []string) error
	visit = func(d *Descriptor, trail []string) error {
		switch states[d.Name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s -> %s", ErrCyclicDependency, joinTrail(trail), d.Name)
		}

		states[d.Name] = visiting
		for _, dep := range d.DependsOn {
			if err := visit(byName[dep], append(trail, d.Name)); err != nil {
				return err
			}
		}

		states[d.Name] = visited
		ordered = append(ordered, d)
		return nil
	}

	for _, d := range descriptors {
		if err := visit(d, nil); err != nil {
			return nil, err
		}
	}

	return ordered, nil
}

func joinTrail(trail []string) string {
	out := ""
	for i, t := range trail {
		if i > 0 {
			out += " -> "
		}
		out += t
	}

	return out
}
