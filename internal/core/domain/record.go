package domain

import "strings"

// Record is an opaque structured value moving through the pipeline.
// The engine never interprets leaves beyond what stages or rules request.
type Record map[string]any

// GetPath reads a value by dotted path ("customer.address.city").
// It is the single field-access function used by every stage.
func GetPath(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, part := range strings.Split(path, ".") {
		switch c := cur.(type) {
		case Record:
			next, ok := c[part]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]any:
			next, ok := c[part]
			if !ok {
				return nil, false
			}
			cur = next
		default:
			return nil, false
		}
	}
	return cur, true
}

// SetPath writes a value by dotted path, creating intermediate maps as needed.
func SetPath(r Record, path string, value any) {
	parts := strings.Split(path, ".")
	cur := map[string]any(r)
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			if rec, isRec := cur[part].(Record); isRec {
				next = rec
			} else {
				next = make(map[string]any)
				cur[part] = next
			}
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// DeletePath removes a value by dotted path. Missing paths are ignored.
func DeletePath(r Record, path string) {
	parts := strings.Split(path, ".")
	cur := map[string]any(r)
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			if rec, isRec := cur[part].(Record); isRec {
				next = rec
			} else {
				return
			}
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

// Clone returns a deep copy of the record. Stages receive copies so that
// a failing stage cannot corrupt the input of an earlier one.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch c := v.(type) {
	case Record:
		return c.Clone()
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, val := range c {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, val := range c {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
