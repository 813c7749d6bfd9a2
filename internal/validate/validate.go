// Package validate checks user-entered configuration before it reaches the
// discovery cache or the form state of a UI context.
package validate

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Result is the outcome of a single validation.
type Result struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Context carries per-call validator parameters such as minLength or options.
type Context map[string]any

// Func validates one value.
type Func func(value string, ctx Context) Result

// Field describes a registered form field.
type Field struct {
	Name     string
	Kind     string
	Label    string
	Required bool
	Min      *float64
	Max      *float64
	Options  []string
	// Custom runs only after the built-in validator passed.
	Custom Func
}

// Service holds validators keyed by kind and fields keyed by name.
type Service struct {
	mu         sync.RWMutex
	validators map[string]Func
	fields     map[string]Field
}

// New returns a Service with the built-in validators registered.
func New() *Service {
	s := &Service{
		validators: make(map[string]Func),
		fields:     make(map[string]Field),
	}
	s.Register(KindPort, portValidator)
	s.Register(KindURL, urlValidator)
	s.Register(KindPath, pathValidator)
	s.Register(KindNumber, numberValidator)
	s.Register(KindText, textValidator)
	s.Register(KindSelect, selectValidator)
	return s
}

// Register installs or replaces the validator for kind.
func (s *Service) Register(kind string, fn Func) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validators[normalizeKind(kind)] = fn
}

// Kinds returns the registered validator kinds, sorted.
func (s *Service) Kinds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.validators))
}

// RegisterField installs a field definition used by ValidateField.
func (s *Service) RegisterField(f Field) {
	name := strings.TrimSpace(f.Name)
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[name] = f
}

// Validate runs the validator registered for kind. Unknown kinds are valid.
func (s *Service) Validate(kind, value string, ctx Context) Result {
	s.mu.RLock()
	fn, ok := s.validators[normalizeKind(kind)]
	s.mu.RUnlock()
	if !ok {
		return valid()
	}
	return fn(value, ctx)
}

// ValidateField validates value against the registered field definition.
// Unknown field names are valid.
func (s *Service) ValidateField(name, value string) Result {
	s.mu.RLock()
	field, ok := s.fields[strings.TrimSpace(name)]
	s.mu.RUnlock()
	if !ok {
		return valid()
	}

	if strings.TrimSpace(value) == "" {
		if field.Required {
			return invalid(fmt.Sprintf("%s is required", field.displayName()))
		}
		return valid()
	}

	res := s.Validate(field.Kind, value, field.context())
	if !res.Valid {
		return res
	}
	if field.Custom != nil {
		if custom := field.Custom(value, field.context()); !custom.Valid {
			return custom
		}
	}
	return res
}

// ValidateForm validates every value and returns the failing fields with their
// messages. The result is empty when everything passed.
func (s *Service) ValidateForm(values map[string]string) map[string]string {
	errs := make(map[string]string)
	for name, value := range values {
		if res := s.ValidateField(name, value); !res.Valid {
			errs[name] = res.Error
		}
	}
	return errs
}

// context maps field settings onto the parameter names of its kind's validator.
func (f Field) context() Context {
	ctx := Context{}
	switch normalizeKind(f.Kind) {
	case KindText:
		if f.Min != nil {
			ctx["minLength"] = int(*f.Min)
		}
		if f.Max != nil {
			ctx["maxLength"] = int(*f.Max)
		}
	case KindSelect:
		ctx["options"] = f.Options
	default:
		if f.Min != nil {
			ctx["min"] = *f.Min
		}
		if f.Max != nil {
			ctx["max"] = *f.Max
		}
	}
	return ctx
}

func (f Field) displayName() string {
	if label := strings.TrimSpace(f.Label); label != "" {
		return label
	}
	return f.Name
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

func valid() Result {
	return Result{Valid: true}
}

func invalid(msg string) Result {
	return Result{Valid: false, Error: msg}
}
