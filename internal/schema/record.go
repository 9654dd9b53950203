package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// Record is an immutable snapshot of the claim tree. Leaves are stored flat,
// keyed by dotted path; the tree shape comes from the schema and never changes.
// Unset leaves have no entry.
type Record struct {
	schema *Schema
	values map[string]any
}

// NewRecord returns an empty record shaped by s.
func (s *Schema) NewRecord() Record {
	return Record{schema: s, values: map[string]any{}}
}

func (r Record) Schema() *Schema { return r.schema }

// Get returns the stored value for a declared leaf. ok is false for paths the
// schema does not declare; an unset leaf returns (nil, true).
func (r Record) Get(p Path) (any, bool) {
	if r.schema == nil {
		return nil, false
	}
	if _, ok := r.schema.Lookup(p); !ok {
		return nil, false
	}
	return r.values[p.String()], true
}

// Text returns a text leaf, or "" when unset.
func (r Record) Text(p Path) string {
	v, _ := r.values[p.String()].(string)
	return v
}

// List returns a copy of a list leaf.
func (r Record) List(p Path) []string {
	v, _ := r.values[p.String()].([]string)
	return slices.Clone(v)
}

// Has reports whether the leaf holds a real answer (not blank, not a placeholder).
func (r Record) Has(p Path) bool {
	if r.schema == nil {
		return false
	}
	return r.schema.present(r.values[p.String()])
}

// Set returns a copy of r with the leaf at p set to v. v must already be in
// leaf form (see Field.Coerce).
func (r Record) Set(p Path, v any) (Record, error) {
	f, ok := r.schema.Lookup(p)
	if !ok {
		return r, fmt.Errorf("%w: %s", ErrUnknownPath, p)
	}
	switch v.(type) {
	case string:
		if f.Kind != KindText {
			return r, fmt.Errorf("%w: %s expects %s", ErrKindMismatch, p, f.Kind)
		}
	case []string:
		if f.Kind != KindList {
			return r, fmt.Errorf("%w: %s expects %s", ErrKindMismatch, p, f.Kind)
		}
		v = slices.Clone(v.([]string))
	default:
		return r, fmt.Errorf("%w: %s got %T", ErrKindMismatch, p, v)
	}
	out := r.clone()
	out.values[p.String()] = v
	return out, nil
}

// Clear returns a copy of r with the leaf at p unset.
func (r Record) Clear(p Path) (Record, error) {
	if _, ok := r.schema.Lookup(p); !ok {
		return r, fmt.Errorf("%w: %s", ErrUnknownPath, p)
	}
	out := r.clone()
	delete(out.values, p.String())
	return out, nil
}

// Equal compares leaf values.
func (r Record) Equal(o Record) bool {
	if len(r.values) != len(o.values) {
		return false
	}
	for k, v := range r.values {
		ov, ok := o.values[k]
		if !ok || !valueEqual(v, ov) {
			return false
		}
	}
	return true
}

// Len is the number of set leaves.
func (r Record) Len() int { return len(r.values) }

func (r Record) clone() Record {
	out := Record{schema: r.schema, values: make(map[string]any, len(r.values)+1)}
	for k, v := range r.values {
		out.values[k] = v
	}
	return out
}

func valueEqual(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []string:
		bv, ok := b.([]string)
		return ok && slices.Equal(av, bv)
	}
	return false
}

// Tree renders the record as nested maps following the schema. Unset leaves
// are nil so every declared key is present.
func (r Record) Tree() map[string]any {
	root := map[string]any{}
	if r.schema == nil {
		return root
	}
	for _, f := range r.schema.fields {
		node := root
		for _, seg := range f.Path[:len(f.Path)-1] {
			child, ok := node[seg].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[seg] = child
			}
			node = child
		}
		node[f.Path[len(f.Path)-1]] = r.values[f.Path.String()]
	}
	return root
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Tree())
}

// DecodeRecord parses the nested JSON form produced by MarshalJSON.
func (s *Schema) DecodeRecord(data []byte) (Record, error) {
	rec := s.NewRecord()
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return rec, nil
	}
	var tree map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return rec, fmt.Errorf("decode record: %w", err)
	}
	if err := s.walk(nil, tree, func(f Field, v any) error {
		val, ok, err := f.Coerce(v)
		if err != nil || !ok {
			return err
		}
		rec.values[f.Path.String()] = val
		return nil
	}); err != nil {
		return s.NewRecord(), err
	}
	return rec, nil
}

// walk visits every leaf value in a nested map, rejecting undeclared keys.
func (s *Schema) walk(prefix Path, node map[string]any, visit func(Field, any) error) error {
	for key, v := range node {
		p := prefix.Child(key)
		if f, ok := s.Lookup(p); ok {
			if err := visit(f, v); err != nil {
				return err
			}
			continue
		}
		if !s.IsGroup(p) {
			return fmt.Errorf("%w: %s", ErrUnknownPath, p)
		}
		if v == nil {
			continue
		}
		child, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s is a group, got %T", ErrKindMismatch, p, v)
		}
		if err := s.walk(p, child, visit); err != nil {
			return err
		}
	}
	return nil
}

// Leaves flattens a nested object rooted at group path p into leaf values.
// Used to expand a group-level upsert into leaf upserts.
func (s *Schema) Leaves(p Path, obj map[string]any) (map[string]any, error) {
	out := map[string]any{}
	err := s.walk(p, obj, func(f Field, v any) error {
		out[f.Path.String()] = v
		return nil
	})
	return out, err
}
