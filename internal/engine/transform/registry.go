package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Func is a pure value transformation. Options are rule-specific.
type Func func(value any, options map[string]any) (any, error)

// Registry maps short string names to transform functions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns a registry seeded with the built-in transforms.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	r.Register("uppercase", func(v any, _ map[string]any) (any, error) {
		return strings.ToUpper(toString(v)), nil
	})
	r.Register("lowercase", func(v any, _ map[string]any) (any, error) {
		return strings.ToLower(toString(v)), nil
	})
	r.Register("trim", func(v any, _ map[string]any) (any, error) {
		return strings.TrimSpace(toString(v)), nil
	})
	r.Register("string", func(v any, _ map[string]any) (any, error) {
		return toString(v), nil
	})
	r.Register("number", func(v any, _ map[string]any) (any, error) {
		return toNumber(v)
	})
	r.Register("boolean", func(v any, _ map[string]any) (any, error) {
		switch c := v.(type) {
		case bool:
			return c, nil
		case string:
			return strconv.ParseBool(strings.TrimSpace(c))
		case float64:
			return c != 0, nil
		case int:
			return c != 0, nil
		default:
			return nil, fmt.Errorf("cannot convert %T to boolean", v)
		}
	})
	r.Register("round", func(v any, opts map[string]any) (any, error) {
		n, err := toNumber(v)
		if err != nil {
			return nil, err
		}
		precision := 0
		if p, ok := optNumber(opts, "precision"); ok {
			precision = int(p)
		}
		scale := math.Pow(10, float64(precision))
		return math.Round(n*scale) / scale, nil
	})
	r.Register("multiply", func(v any, opts map[string]any) (any, error) {
		n, err := toNumber(v)
		if err != nil {
			return nil, err
		}
		factor, ok := optNumber(opts, "factor")
		if !ok {
			return nil, fmt.Errorf("multiply requires a factor option")
		}
		return n * factor, nil
	})
	r.Register("replace", func(v any, opts map[string]any) (any, error) {
		old, _ := opts["old"].(string)
		new_, _ := opts["new"].(string)
		return strings.ReplaceAll(toString(v), old, new_), nil
	})
	r.Register("prefix", func(v any, opts map[string]any) (any, error) {
		p, _ := opts["value"].(string)
		return p + toString(v), nil
	})
	r.Register("suffix", func(v any, opts map[string]any) (any, error) {
		s, _ := opts["value"].(string)
		return toString(v) + s, nil
	})
	r.Register("dateFormat", func(v any, opts map[string]any) (any, error) {
		layoutIn, _ := opts["from"].(string)
		if layoutIn == "" {
			layoutIn = time.RFC3339
		}
		layoutOut, _ := opts["to"].(string)
		if layoutOut == "" {
			layoutOut = time.RFC3339
		}
		t, err := time.Parse(layoutIn, toString(v))
		if err != nil {
			return nil, fmt.Errorf("dateFormat: %w", err)
		}
		return t.Format(layoutOut), nil
	})
	return r
}

// Register adds or replaces a transform by name.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Get looks up a transform. Unknown names yield a function-not-found error.
func (r *Registry) Get(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("transform function not found: %q", name)
	}
	return fn, nil
}

// Apply runs the named transform on value.
func (r *Registry) Apply(name string, value any, options map[string]any) (any, error) {
	fn, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return fn(value, options)
}

func toString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case int:
		return strconv.Itoa(c)
	case int64:
		return strconv.FormatInt(c, 10)
	case bool:
		return strconv.FormatBool(c)
	default:
		return fmt.Sprintf("%v", c)
	}
}

func toNumber(v any) (float64, error) {
	switch c := v.(type) {
	case float64:
		return c, nil
	case float32:
		return float64(c), nil
	case int:
		return float64(c), nil
	case int64:
		return float64(c), nil
	case uint64:
		return float64(c), nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(c), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to number", c)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", v)
	}
}

func optNumber(opts map[string]any, key string) (float64, bool) {
	if opts == nil {
		return 0, false
	}
	v, ok := opts[key]
	if !ok {
		return 0, false
	}
	n, err := toNumber(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
