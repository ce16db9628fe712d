// Package registry holds the static catalog of work units. The registry is
// loaded once at startup and is immutable for the duration of a run; every
// ordering and readiness decision downstream rests on the single-writer-
// per-key invariant enforced here.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrInvalid indicates a configuration error in the registry. Never
// retried; the manifest has to be fixed.
var ErrInvalid = errors.New("invalid registry")

// Kind classifies a unit's role in the pipeline.
type Kind string

const (
	// KindNormal units do the phase's actual work.
	KindNormal Kind = "normal"
	// KindReviewer units gate a phase; the gate controller invokes them
	// against the phase's accumulated outputs.
	KindReviewer Kind = "reviewer"
	// KindFixer units are invoked by the retry loop against a validator's
	// failure set.
	KindFixer Kind = "fixer"
)

// UnitDescriptor declares one work unit.
type UnitDescriptor struct {
	ID       string   `yaml:"id" json:"id"`
	Phase    int      `yaml:"phase" json:"phase"`
	Kind     Kind     `yaml:"kind" json:"kind"`
	Requires []string `yaml:"requires" json:"requires,omitempty"`
	Produces []string `yaml:"produces" json:"produces,omitempty"`

	// Validator marks a normal unit whose reported failure set drives the
	// self-correction loop (e.g. a test-execution unit).
	Validator bool `yaml:"validator" json:"validator,omitempty"`

	// FailureKey is the produced key that holds a validator's failure
	// report. Required when Validator is set.
	FailureKey string `yaml:"failure_key" json:"failure_key,omitempty"`

	// Fixes names the validator unit a fixer corrects. Required for
	// fixer units.
	Fixes string `yaml:"fixes" json:"fixes,omitempty"`

	// Command, if set, is the external collaborator invoked for this
	// unit: argv for the command runner. Units without a command need a
	// runner registered programmatically.
	Command []string `yaml:"command" json:"command,omitempty"`
}

// Manifest is the on-disk YAML shape of a registry.
type Manifest struct {
	Units []UnitDescriptor `yaml:"units"`
}

// Registry is the validated, immutable unit catalog.
type Registry struct {
	units    []UnitDescriptor
	byID     map[string]int
	producer map[string]string // key -> producing unit ID
	fixerFor map[string]string // validator ID -> fixer ID
	phases   []int
}

// LoadManifest reads and validates a YAML unit manifest.
func LoadManifest(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to parse manifest: %v", ErrInvalid, err)
	}
	return New(m.Units)
}

// New validates the unit set and builds the registry indexes.
func New(units []UnitDescriptor) (*Registry, error) {
	r := &Registry{
		units:    make([]UnitDescriptor, len(units)),
		byID:     make(map[string]int),
		producer: make(map[string]string),
		fixerFor: make(map[string]string),
	}
	copy(r.units, units)

	for i := range r.units {
		u := &r.units[i]
		if u.Kind == "" {
			u.Kind = KindNormal
		}
		if u.ID == "" {
			return nil, fmt.Errorf("%w: unit at index %d has no id", ErrInvalid, i)
		}
		if _, dup := r.byID[u.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate unit id %q", ErrInvalid, u.ID)
		}
		if u.Phase < 1 {
			return nil, fmt.Errorf("%w: unit %q has phase %d, phases start at 1", ErrInvalid, u.ID, u.Phase)
		}
		switch u.Kind {
		case KindNormal, KindReviewer, KindFixer:
		default:
			return nil, fmt.Errorf("%w: unit %q has unknown kind %q", ErrInvalid, u.ID, u.Kind)
		}
		r.byID[u.ID] = i

		// Outputs are single-writer.
		for _, key := range u.Produces {
			if owner, taken := r.producer[key]; taken {
				return nil, fmt.Errorf("%w: key %q produced by both %q and %q", ErrInvalid, key, owner, u.ID)
			}
			r.producer[key] = u.ID
		}
	}

	seen := make(map[int]bool)
	for _, u := range r.units {
		if !seen[u.Phase] {
			seen[u.Phase] = true
			r.phases = append(r.phases, u.Phase)
		}
	}
	sort.Ints(r.phases)

	if err := r.validateRoles(); err != nil {
		return nil, err
	}
	return r, nil
}

// validateRoles enforces the reviewer, validator, and fixer invariants.
func (r *Registry) validateRoles() error {
	for _, u := range r.units {
		switch {
		case u.Kind == KindReviewer:
			// A reviewer must consume every output of every normal unit
			// in its phase, or it cannot judge the phase.
			required := make(map[string]bool, len(u.Requires))
			for _, key := range u.Requires {
				required[key] = true
			}
			for _, other := range r.UnitsInPhase(u.Phase) {
				if other.Kind != KindNormal {
					continue
				}
				for _, key := range other.Produces {
					if !required[key] {
						return fmt.Errorf("%w: reviewer %q does not require key %q produced by %q",
							ErrInvalid, u.ID, key, other.ID)
					}
				}
			}

		case u.Kind == KindFixer:
			if u.Fixes == "" {
				return fmt.Errorf("%w: fixer %q names no unit to fix", ErrInvalid, u.ID)
			}
			target, ok := r.Unit(u.Fixes)
			if !ok {
				return fmt.Errorf("%w: fixer %q fixes unknown unit %q", ErrInvalid, u.ID, u.Fixes)
			}
			if !target.Validator {
				return fmt.Errorf("%w: fixer %q fixes %q, which is not a validator", ErrInvalid, u.ID, u.Fixes)
			}
			if target.Phase != u.Phase {
				return fmt.Errorf("%w: fixer %q is in phase %d but fixes %q in phase %d",
					ErrInvalid, u.ID, u.Phase, target.ID, target.Phase)
			}
			if !contains(u.Requires, target.FailureKey) {
				return fmt.Errorf("%w: fixer %q must require failure key %q of %q",
					ErrInvalid, u.ID, target.FailureKey, target.ID)
			}
			if prev, dup := r.fixerFor[u.Fixes]; dup {
				return fmt.Errorf("%w: validator %q has two fixers, %q and %q", ErrInvalid, u.Fixes, prev, u.ID)
			}
			r.fixerFor[u.Fixes] = u.ID
		}

		if u.Validator {
			if u.Kind != KindNormal {
				return fmt.Errorf("%w: validator %q must be a normal unit", ErrInvalid, u.ID)
			}
			if u.FailureKey == "" {
				return fmt.Errorf("%w: validator %q declares no failure_key", ErrInvalid, u.ID)
			}
			if !contains(u.Produces, u.FailureKey) {
				return fmt.Errorf("%w: validator %q does not produce its failure key %q",
					ErrInvalid, u.ID, u.FailureKey)
			}
		}
	}
	return nil
}

// Units returns all unit descriptors in declaration order.
func (r *Registry) Units() []UnitDescriptor {
	out := make([]UnitDescriptor, len(r.units))
	copy(out, r.units)
	return out
}

// Phases returns the distinct phase numbers in ascending order.
func (r *Registry) Phases() []int {
	out := make([]int, len(r.phases))
	copy(out, r.phases)
	return out
}

// UnitsInPhase returns the units of one phase, sorted by ID for
// deterministic iteration.
func (r *Registry) UnitsInPhase(phase int) []UnitDescriptor {
	var out []UnitDescriptor
	for _, u := range r.units {
		if u.Phase == phase {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Unit looks up a descriptor by ID.
func (r *Registry) Unit(id string) (UnitDescriptor, bool) {
	i, ok := r.byID[id]
	if !ok {
		return UnitDescriptor{}, false
	}
	return r.units[i], true
}

// ProducerOf returns the unit that owns a key.
func (r *Registry) ProducerOf(key string) (string, bool) {
	id, ok := r.producer[key]
	return id, ok
}

// FixerFor returns the fixer registered for a validator, if any.
func (r *Registry) FixerFor(validatorID string) (UnitDescriptor, bool) {
	id, ok := r.fixerFor[validatorID]
	if !ok {
		return UnitDescriptor{}, false
	}
	return r.units[r.byID[id]], true
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
