package patch

import (
	"errors"
	"fmt"

	"github.com/MikeSquared-Agency/intake/internal/schema"
)

// ErrInvalidOp is returned for operations the merger cannot express.
var ErrInvalidOp = errors.New("invalid patch operation")

// Kind is the operation type after collapsing RFC 6902 add/replace.
type Kind string

const (
	Upsert Kind = "upsert"
	Remove Kind = "remove"
)

// Op is one field-level change.
type Op struct {
	Kind  Kind
	Path  schema.Path
	Value any
	// Append adds Value to a list leaf instead of replacing it (pointer suffix "/-").
	Append bool
}

func (o Op) String() string {
	if o.Kind == Remove {
		return fmt.Sprintf("remove %s", o.Path)
	}
	if o.Append {
		return fmt.Sprintf("append %s=%v", o.Path, o.Value)
	}
	return fmt.Sprintf("upsert %s=%v", o.Path, o.Value)
}

// Set is a convenience constructor for an upsert.
func Set(path string, value any) Op {
	p, _ := schema.ParsePath(path)
	return Op{Kind: Upsert, Path: p, Value: value}
}

// Unset is a convenience constructor for a remove.
func Unset(path string) Op {
	p, _ := schema.ParsePath(path)
	return Op{Kind: Remove, Path: p}
}

// Summary describes what an Apply call changed.
type Summary struct {
	Changed []schema.Path
	Skipped int
}
