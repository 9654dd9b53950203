package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrUnknownPath is returned when a path does not name a leaf declared in the schema.
	ErrUnknownPath = errors.New("path not declared in schema")
	// ErrKindMismatch is returned when a value cannot be coerced into the leaf's kind.
	ErrKindMismatch = errors.New("value does not match field kind")
)

// Kind is the leaf value type.
type Kind string

const (
	KindText Kind = "text"
	KindList Kind = "list"
)

// Field declares one leaf of the record.
type Field struct {
	Path        Path
	Label       string
	Description string
	Kind        Kind
	Required    bool
	// Branch names the alternative this field belongs to. Empty for always-present fields.
	Branch string
}

// Branch is an alternative group of fields; at least one branch must be fully populated.
type Branch struct {
	Name  string
	Label string
}

// Schema is the immutable description of a record: its leaves in collection
// order, the alternative branches and the placeholder tokens treated as absent.
type Schema struct {
	name         string
	fields       []Field
	branches     []Branch
	placeholders map[string]struct{}
	index        map[string]int
	groups       map[string]struct{}
}

// DefaultPlaceholders are values an extraction may produce that carry no information.
var DefaultPlaceholders = []string{
	"unknown", "n/a", "na", "tbd", "tba", "null", "nil", "none given",
	"not provided", "not specified", "not available", "not sure", "unsure",
	"pending", "?", "-", "...",
}

// New validates the declaration and builds a schema.
func New(name string, fields []Field, branches []Branch, placeholders []string) (*Schema, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("schema name is required")
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("schema %s declares no fields", name)
	}

	s := &Schema{
		name:         name,
		placeholders: make(map[string]struct{}),
		index:        make(map[string]int),
		groups:       make(map[string]struct{}),
	}

	branchRequired := make(map[string]int)
	for _, b := range branches {
		if b.Name == "" {
			return nil, fmt.Errorf("schema %s: branch without a name", name)
		}
		if _, dup := branchRequired[b.Name]; dup {
			return nil, fmt.Errorf("schema %s: duplicate branch %q", name, b.Name)
		}
		if b.Label == "" {
			b.Label = b.Name
		}
		branchRequired[b.Name] = 0
		s.branches = append(s.branches, b)
	}

	for _, f := range fields {
		if len(f.Path) == 0 {
			return nil, fmt.Errorf("schema %s: field without a path", name)
		}
		key := f.Path.String()
		if _, dup := s.index[key]; dup {
			return nil, fmt.Errorf("schema %s: duplicate field %s", name, key)
		}
		switch f.Kind {
		case "":
			f.Kind = KindText
		case KindText, KindList:
		default:
			return nil, fmt.Errorf("schema %s: field %s has unknown kind %q", name, key, f.Kind)
		}
		if f.Label == "" {
			f.Label = strings.ReplaceAll(f.Path[len(f.Path)-1], "_", " ")
		}
		if f.Branch != "" {
			n, ok := branchRequired[f.Branch]
			if !ok {
				return nil, fmt.Errorf("schema %s: field %s references undeclared branch %q", name, key, f.Branch)
			}
			if f.Required {
				branchRequired[f.Branch] = n + 1
			}
		}
		f.Path = append(Path(nil), f.Path...)
		s.index[key] = len(s.fields)
		s.fields = append(s.fields, f)
		for i := 1; i < len(f.Path); i++ {
			s.groups[f.Path[:i].String()] = struct{}{}
		}
	}

	for key := range s.index {
		if _, clash := s.groups[key]; clash {
			return nil, fmt.Errorf("schema %s: %s is declared as both a leaf and a group", name, key)
		}
	}
	for b, n := range branchRequired {
		if n == 0 {
			return nil, fmt.Errorf("schema %s: branch %q has no required fields", name, b)
		}
	}

	if placeholders == nil {
		placeholders = DefaultPlaceholders
	}
	for _, p := range placeholders {
		s.placeholders[normalizeToken(p)] = struct{}{}
	}
	return s, nil
}

func (s *Schema) Name() string { return s.name }

// Fields returns the leaves in declared collection order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

func (s *Schema) Branches() []Branch {
	out := make([]Branch, len(s.branches))
	copy(out, s.branches)
	return out
}

// Lookup finds the leaf declared at p.
func (s *Schema) Lookup(p Path) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	i, ok := s.index[p.String()]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// IsGroup reports whether p names an interior node of the record tree.
func (s *Schema) IsGroup(p Path) bool {
	if s == nil {
		return false
	}
	_, ok := s.groups[p.String()]
	return ok
}

// IsPlaceholder reports whether v is a token that stands for "no answer".
func (s *Schema) IsPlaceholder(v string) bool {
	_, ok := s.placeholders[normalizeToken(v)]
	return ok
}

// present applies the presence rule: non-empty and not a placeholder.
func (s *Schema) present(v any) bool {
	switch tv := v.(type) {
	case string:
		return strings.TrimSpace(tv) != "" && !s.IsPlaceholder(tv)
	case []string:
		for _, item := range tv {
			if strings.TrimSpace(item) != "" && !s.IsPlaceholder(item) {
				return true
			}
		}
	}
	return false
}

func normalizeToken(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.Trim(v, `"'`)
	if len(v) > 1 {
		v = strings.TrimRight(v, ".!")
	}
	return strings.TrimSpace(v)
}

// Coerce converts a decoded JSON value into the leaf representation for f:
// string for text, []string for list. ok is false when v carries nothing
// (null, blank text, empty list).
func (f Field) Coerce(v any) (value any, ok bool, err error) {
	if v == nil {
		return nil, false, nil
	}
	switch f.Kind {
	case KindList:
		var items []string
		switch tv := v.(type) {
		case []string:
			items = tv
		case []any:
			for _, el := range tv {
				text, ok, err := coerceText(el)
				if err != nil {
					return nil, false, fmt.Errorf("%s: %w", f.Path, err)
				}
				if ok {
					items = append(items, text)
				}
			}
		default:
			text, ok, err := coerceText(v)
			if err != nil {
				return nil, false, fmt.Errorf("%s: %w", f.Path, err)
			}
			if ok {
				items = []string{text}
			}
		}
		items = cleanList(items)
		if len(items) == 0 {
			return nil, false, nil
		}
		return items, true, nil
	default:
		text, ok, err := coerceText(v)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", f.Path, err)
		}
		if !ok {
			return nil, false, nil
		}
		return text, true, nil
	}
}

func coerceText(v any) (string, bool, error) {
	var out string
	switch tv := v.(type) {
	case nil:
		return "", false, nil
	case string:
		out = tv
	case json.Number:
		out = tv.String()
	case float64:
		out = strconv.FormatFloat(tv, 'f', -1, 64)
	case int:
		out = strconv.Itoa(tv)
	case int64:
		out = strconv.FormatInt(tv, 10)
	case bool:
		out = strconv.FormatBool(tv)
	default:
		return "", false, fmt.Errorf("%w: got %T", ErrKindMismatch, v)
	}
	out = strings.TrimSpace(out)
	return out, out != "", nil
}

func cleanList(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		k := strings.ToLower(item)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, item)
	}
	return out
}
