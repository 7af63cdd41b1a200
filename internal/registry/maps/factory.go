package maps

import (
	"context"

	"github.com/isabella232/FluidFramework/internal/sharedmap"
)

// Kind is the Reference.Kind string this factory materializes.
const Kind = "map"

// Factory is the default registry.Factory for kind "map": it constructs a
// nested SharedMap wired to the same Services the requesting parent used.
// The parent never constructs a nested object directly, always through an
// injected collaborator.
type Factory struct{}

func (Factory) Load(ctx context.Context, id string, services sharedmap.Services, registry sharedmap.Registry) (sharedmap.CollaborativeObject, error) {
	return sharedmap.LoadSharedMap(ctx, id, Kind, services), nil
}

// Registry is a Registry with exactly one factory registered under Kind,
// the default a consumer wires up for a single-level-of-nesting document.
type Registry struct {
	factory Factory
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) GetExtension(kind string) (sharedmap.Factory, error) {
	if kind != Kind {
		return nil, sharedmap.ErrUnknownKind
	}
	return r.factory, nil
}
