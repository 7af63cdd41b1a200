package sharedmap

// Services bundles the external collaborators a collaborative object
// needs in order to attach: a way to dial the delta transport for its own
// id, the shared object storage for snapshots, and the registry used to
// materialize any nested references it encounters.
type Services struct {
	Dial     func(id, kind string) (DeltaTransport, error)
	Storage  ObjectStorage
	Registry Registry

	// Observer and Audit are optional ambient hooks for attach tracking and
	// operation auditing respectively; a nil value is a no-op.
	Observer AttachObserver
	Audit    OperationObserver
}
