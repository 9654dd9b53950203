package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MikeSquared-Agency/intake/internal/schema"
)

// WireOp is the RFC 6902 shape exchanged with the extraction model.
type WireOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

const wireSchemaURL = "https://intake.schemas.local/patch.schema.json"

// wireSchema constrains model output before it is decoded. test, move and copy
// are not accepted; add/replace/upsert need a value.
const wireSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["op", "path"],
    "properties": {
      "op": {"enum": ["add", "replace", "upsert", "remove"]},
      "path": {"type": "string", "pattern": "^/"}
    },
    "if": {"properties": {"op": {"enum": ["add", "replace", "upsert"]}}},
    "then": {"required": ["value"]}
  }
}`

var compiledWireSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(wireSchemaURL, strings.NewReader(wireSchema)); err != nil {
		return nil, fmt.Errorf("patch schema load: %w", err)
	}
	return c.Compile(wireSchemaURL)
})

// Decode parses a JSON array of RFC 6902 operations. add and replace collapse
// to upsert; a trailing "/-" segment marks a list append.
func Decode(data []byte) ([]Op, error) {
	sch, err := compiledWireSchema()
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}

	var wire []WireOp
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}

	ops := make([]Op, 0, len(wire))
	for _, w := range wire {
		op, err := fromWire(w)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func fromWire(w WireOp) (Op, error) {
	ptr := w.Path
	appendItem := false
	if strings.HasSuffix(ptr, "/-") {
		appendItem = true
		ptr = strings.TrimSuffix(ptr, "/-")
	}
	p, err := schema.ParsePointer(ptr)
	if err != nil {
		return Op{}, fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}

	switch w.Op {
	case "add", "replace", "upsert":
		v := w.Value
		if appendItem && v != nil {
			if _, isList := v.([]any); !isList {
				v = []any{v}
			}
		}
		return Op{Kind: Upsert, Path: p, Value: v, Append: appendItem}, nil
	case "remove":
		if appendItem {
			return Op{}, fmt.Errorf("%w: remove with list append path %s", ErrInvalidOp, w.Path)
		}
		return Op{Kind: Remove, Path: p}, nil
	default:
		return Op{}, fmt.Errorf("%w: op %q", ErrInvalidOp, w.Op)
	}
}

// Encode renders operations in RFC 6902 form.
func Encode(ops []Op) ([]byte, error) {
	wire := make([]WireOp, 0, len(ops))
	for _, op := range ops {
		w := WireOp{Path: op.Path.Pointer()}
		switch op.Kind {
		case Remove:
			w.Op = "remove"
		default:
			w.Op = "add"
			w.Value = op.Value
			if op.Append {
				w.Path += "/-"
			}
		}
		wire = append(wire, w)
	}
	return json.Marshal(wire)
}
