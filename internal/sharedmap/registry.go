package sharedmap

import "context"

// Factory materializes a collaborative object of a given kind.
type Factory interface {
	Load(ctx context.Context, id string, services Services, registry Registry) (CollaborativeObject, error)
}

// Registry is the external collaborator that owns Factory registration
// for every kind of nested collaborative object. It is never consulted
// directly by Map State; only through a RegistryAdapter.
type Registry interface {
	GetExtension(kind string) (Factory, error)
}

// RegistryAdapter offers a single Materialize operation, backed by the
// parent map's own Services so a nested object attaches against the same
// transport/storage.
type RegistryAdapter struct {
	registry Registry
	services Services
}

func NewRegistryAdapter(registry Registry, services Services) *RegistryAdapter {
	return &RegistryAdapter{registry: registry, services: services}
}

// Materialize asks the registry for a factory matching kind and
// instantiates the object bound to the parent's services. Results are
// cached by the caller (SharedMap.Get), not here — the adapter itself is
// stateless so it can be shared safely.
func (a *RegistryAdapter) Materialize(ctx context.Context, kind, id string) (CollaborativeObject, error) {
	factory, err := a.registry.GetExtension(kind)
	if err != nil {
		return nil, ErrUnknownKind
	}
	return factory.Load(ctx, id, a.services, a.registry)
}
