// Package registry loads the target inventory from a configuration store
// and serves read-only views of it to the dispatcher.
package registry

import (
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/akarev/fleetexec/internal/fleet"
	"github.com/akarev/fleetexec/pkg/config/configstore"
)

var validate = validator.New()

func init() {
	_ = validate.RegisterValidation("connkind", func(fl validator.FieldLevel) bool {
		return fleet.ConnKind(fl.Field().String()).Valid()
	})
}

// ConfigError reports an invalid inventory. It is the only error class
// that aborts a run before any dispatch begins.
type ConfigError struct {
	Entry  string // target name, or "" when the document itself is bad
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("inventory: %s", e.Reason)
	}
	return fmt.Sprintf("inventory: target %q: %s", e.Entry, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Inventory is the document shape stored in a file or Mongo store.
type Inventory struct {
	Targets []*fleet.Target `yaml:"targets" json:"targets" bson:"targets"`
}

// Registry is the loaded target set. Read-only after Load; safe to share.
type Registry struct {
	targets map[string]*fleet.Target
	order   []string
}

// Load reads the inventory from store and validates every entry. Any
// invalid entry fails the whole load with a *ConfigError.
func Load(store configstore.Store) (*Registry, error) {
	var inv Inventory
	if err := store.Load(&inv); err != nil {
		return nil, &ConfigError{Reason: "load failed", Err: err}
	}
	if len(inv.Targets) == 0 {
		return nil, &ConfigError{Reason: "no targets defined"}
	}

	r := &Registry{targets: make(map[string]*fleet.Target, len(inv.Targets))}
	for i, t := range inv.Targets {
		if t == nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("entry %d is empty", i)}
		}
		if err := validateTarget(t); err != nil {
			return nil, err
		}
		if _, dup := r.targets[t.Name]; dup {
			return nil, &ConfigError{Entry: t.Name, Reason: "duplicate name"}
		}
		r.targets[t.Name] = t
		r.order = append(r.order, t.Name)
	}
	sort.Strings(r.order)
	return r, nil
}

func validateTarget(t *fleet.Target) error {
	if err := validate.Struct(t); err != nil {
		name := t.Name
		if name == "" {
			name = "(unnamed)"
		}
		return &ConfigError{Entry: name, Reason: "invalid entry", Err: err}
	}
	// Containers are addressed by instance name through the container
	// server; everything else needs a dialable address.
	if t.Kind != fleet.KindContainer && t.Address == "" {
		return &ConfigError{Entry: t.Name, Reason: "address is required for kind " + string(t.Kind)}
	}
	return nil
}

// All returns every target in name order.
func (r *Registry) All() []*fleet.Target {
	out := make([]*fleet.Target, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.targets[name])
	}
	return out
}

// Filter returns the targets matching pred, in name order.
func (r *Registry) Filter(pred func(*fleet.Target) bool) []*fleet.Target {
	var out []*fleet.Target
	for _, name := range r.order {
		if t := r.targets[name]; pred(t) {
			out = append(out, t)
		}
	}
	return out
}

// Get looks a target up by name.
func (r *Registry) Get(name string) (*fleet.Target, bool) {
	t, ok := r.targets[name]
	return t, ok
}

// Len reports the number of loaded targets.
func (r *Registry) Len() int { return len(r.targets) }
