package patch

import (
	"fmt"
	"slices"

	"github.com/MikeSquared-Agency/intake/internal/schema"
)

// Merger applies patch operations to records of one schema.
type Merger struct {
	schema *schema.Schema
}

func NewMerger(s *schema.Schema) *Merger {
	return &Merger{schema: s}
}

type leafOp struct {
	op    Op
	field schema.Field
	value any
	ok    bool
}

// Apply returns record with ops applied in order. The batch is validated
// up front: if any operation targets a path outside the schema or carries a
// value of the wrong kind, nothing is applied and the input record is
// returned with the error.
//
// Merge rules:
//   - upsert of null, blank text or an empty list is a no-op
//   - upsert only writes when the value differs from the stored one
//   - a placeholder never overwrites a real answer
//   - upsert of an object at a group path becomes upserts of its leaves;
//     siblings not mentioned are left alone
//   - remove clears exactly one leaf; groups cannot be removed
func (m *Merger) Apply(record schema.Record, ops []Op) (schema.Record, Summary, error) {
	var sum Summary

	planned, err := m.plan(ops)
	if err != nil {
		return record, sum, err
	}

	out := record
	for _, lo := range planned {
		next, changed, err := m.applyOne(out, lo)
		if err != nil {
			return record, Summary{}, err
		}
		if !changed {
			sum.Skipped++
			continue
		}
		out = next
		sum.Changed = append(sum.Changed, lo.field.Path)
	}
	return out, sum, nil
}

func (m *Merger) plan(ops []Op) ([]leafOp, error) {
	planned := make([]leafOp, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case Upsert, Remove:
		default:
			return nil, fmt.Errorf("%w: kind %q", ErrInvalidOp, op.Kind)
		}

		f, ok := m.schema.Lookup(op.Path)
		if !ok {
			expanded, err := m.expandGroup(op)
			if err != nil {
				return nil, err
			}
			planned = append(planned, expanded...)
			continue
		}

		if op.Append && f.Kind != schema.KindList {
			return nil, fmt.Errorf("%w: append to non-list %s", ErrInvalidOp, op.Path)
		}
		lo := leafOp{op: op, field: f}
		if op.Kind == Upsert {
			v, ok, err := f.Coerce(op.Value)
			if err != nil {
				return nil, err
			}
			lo.value, lo.ok = v, ok
		}
		planned = append(planned, lo)
	}
	return planned, nil
}

func (m *Merger) expandGroup(op Op) ([]leafOp, error) {
	if !m.schema.IsGroup(op.Path) {
		return nil, fmt.Errorf("%w: %s", schema.ErrUnknownPath, op.Path)
	}
	if op.Kind == Remove {
		return nil, fmt.Errorf("%w: remove of group %s", ErrInvalidOp, op.Path)
	}
	if op.Value == nil {
		return nil, nil
	}
	obj, ok := op.Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is a group, got %T", schema.ErrKindMismatch, op.Path, op.Value)
	}
	leaves, err := m.schema.Leaves(op.Path, obj)
	if err != nil {
		return nil, err
	}

	// Keep declared order so results do not depend on map iteration.
	var out []leafOp
	for _, f := range m.schema.Fields() {
		raw, present := leaves[f.Path.String()]
		if !present {
			continue
		}
		v, ok, err := f.Coerce(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, leafOp{
			op:    Op{Kind: Upsert, Path: f.Path, Value: raw},
			field: f,
			value: v,
			ok:    ok,
		})
	}
	return out, nil
}

func (m *Merger) applyOne(r schema.Record, lo leafOp) (schema.Record, bool, error) {
	p := lo.field.Path
	current, _ := r.Get(p)

	if lo.op.Kind == Remove {
		if current == nil {
			return r, false, nil
		}
		out, err := r.Clear(p)
		return out, err == nil, err
	}

	if !lo.ok {
		return r, false, nil
	}
	next := lo.value
	if lo.op.Append {
		merged, _, err := lo.field.Coerce(append(r.List(p), next.([]string)...))
		if err != nil {
			return r, false, err
		}
		next = merged
	}
	if m.isPlaceholder(next) && r.Has(p) {
		return r, false, nil
	}
	if sameValue(current, next) {
		return r, false, nil
	}
	out, err := r.Set(p, next)
	return out, err == nil, err
}

func (m *Merger) isPlaceholder(v any) bool {
	switch tv := v.(type) {
	case string:
		return m.schema.IsPlaceholder(tv)
	case []string:
		for _, item := range tv {
			if !m.schema.IsPlaceholder(item) {
				return false
			}
		}
		return true
	}
	return false
}

func sameValue(a, b any) bool {
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
