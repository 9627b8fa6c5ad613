package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/CharanSaiVaddi/taskengine-backend/internal/task"
)

var (
	ErrDuplicateType = errors.New("task type already registered")
	ErrUnknownType   = errors.New("unknown task type")
)

// Handler executes one task attempt. The returned value is serialized to
// JSON and stored as the task result. ctx is cancelled at the hard timeout.
type Handler func(ctx context.Context, taskID string, params map[string]any) (any, error)

// ParamSpec declares required params and optional per-field JSON type
// constraints ("string", "number", "bool", "object", "array").
type ParamSpec struct {
	Required []string          `json:"required,omitempty"`
	Types    map[string]string `json:"types,omitempty"`
}

// Definition is one registered task type: its handler plus execution policy.
// Immutable after Register.
type Definition struct {
	Name        string
	Description string
	Handler     Handler

	Timeout     time.Duration
	SoftTimeout time.Duration

	MaxRetries      int
	RetryDelay      time.Duration
	RetryBackoff    bool
	RetryBackoffMax time.Duration

	Queue    string
	Priority int // 1-10, 10 highest

	Params         *ParamSpec
	RetryableKinds []task.ErrorKind
}

// Defaults applied when a Definition leaves a field zero.
const (
	DefaultTimeout         = time.Hour
	DefaultSoftTimeout     = 55 * time.Minute
	DefaultMaxRetries      = 3
	DefaultRetryDelay      = time.Minute
	DefaultRetryBackoffMax = 10 * time.Minute
	DefaultQueue           = "default"
	DefaultPriority        = 5
)

// DefaultRetryableKinds mirrors the transient failure classes retried unless
// a definition says otherwise.
var DefaultRetryableKinds = []task.ErrorKind{task.KindNetwork, task.KindTimeout}

// Registry is the process-wide catalog of task types. Built once during
// startup wiring and read-only afterwards; the lock only matters for tests
// that register late.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*Definition
	logger *log.Logger
}

func New() *Registry {
	return &Registry{
		defs:   make(map[string]*Definition),
		logger: log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
	}
}

// Register adds a task type to the catalog. Re-registering an existing name
// is rejected and logged. Zero policy fields get the defaults above.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return errors.New("registry: definition must have a name")
	}
	if def.Handler == nil {
		return fmt.Errorf("registry: task type %q has no handler", def.Name)
	}
	normalize(def)
	if def.SoftTimeout >= def.Timeout {
		return fmt.Errorf("registry: task type %q: soft timeout %s must be below timeout %s",
			def.Name, def.SoftTimeout, def.Timeout)
	}
	if def.Priority < 1 || def.Priority > 10 {
		return fmt.Errorf("registry: task type %q: priority %d out of range 1-10", def.Name, def.Priority)
	}
	if def.MaxRetries < 0 {
		return fmt.Errorf("registry: task type %q: negative max retries", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		r.logger.Printf("rejected duplicate registration of task type %q", def.Name)
		return fmt.Errorf("%w: %s", ErrDuplicateType, def.Name)
	}
	r.defs[def.Name] = def
	r.logger.Printf("registered task type %q (queue=%s priority=%d)", def.Name, def.Queue, def.Priority)
	return nil
}

func normalize(def *Definition) {
	if def.Timeout <= 0 {
		def.Timeout = DefaultTimeout
	}
	if def.SoftTimeout <= 0 {
		def.SoftTimeout = DefaultSoftTimeout
		if def.SoftTimeout >= def.Timeout {
			def.SoftTimeout = def.Timeout * 9 / 10
		}
	}
	if def.RetryDelay <= 0 {
		def.RetryDelay = DefaultRetryDelay
	}
	if def.RetryBackoffMax <= 0 {
		def.RetryBackoffMax = DefaultRetryBackoffMax
	}
	if def.Queue == "" {
		def.Queue = DefaultQueue
	}
	if def.Priority == 0 {
		def.Priority = DefaultPriority
	}
	if def.RetryableKinds == nil {
		def.RetryableKinds = DefaultRetryableKinds
	}
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return def, nil
}

// All returns the registered definitions sorted by name.
func (r *Registry) All() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateParams checks params against the type's ParamSpec. A definition
// without a spec accepts any payload.
func (r *Registry) ValidateParams(name string, params map[string]any) error {
	def, err := r.Lookup(name)
	if err != nil {
		return err
	}
	if def.Params == nil {
		return nil
	}
	for _, field := range def.Params.Required {
		if _, ok := params[field]; !ok {
			return fmt.Errorf("missing required param: %s", field)
		}
	}
	for field, want := range def.Params.Types {
		v, ok := params[field]
		if !ok {
			continue
		}
		if got := jsonTypeOf(v); got != want {
			return fmt.Errorf("param %s: expected %s, got %s", field, want, got)
		}
	}
	return nil
}

// jsonTypeOf names the JSON type of a decoded value.
func jsonTypeOf(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "bool"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Retryable reports whether err is eligible for automatic retry under the
// named type's policy. Unknown task types are never retryable.
func (r *Registry) Retryable(name string, err error) bool {
	def, lerr := r.Lookup(name)
	if lerr != nil {
		return false
	}
	kind := task.KindOf(err)
	for _, k := range def.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}
