package configstore

// Store loads and persists a configuration document. Implementations
// decode into / encode from the caller's struct.
type Store interface {
	Load(out any) error
	Save(in any) error
}

// Watcher is implemented by stores that can report external changes to
// the underlying document.
type Watcher interface {
	Watch(onChange func()) error
}
