package schema

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPath(t *testing.T, s string) Path {
	t.Helper()
	p, err := ParsePath(s)
	require.NoError(t, err)
	return p
}

func set(t *testing.T, r Record, path string, v any) Record {
	t.Helper()
	out, err := r.Set(mustPath(t, path), v)
	require.NoError(t, err)
	return out
}

func paths(missing []Missing) []string {
	out := make([]string, 0, len(missing))
	for _, m := range missing {
		out = append(out, m.Path.String())
	}
	return out
}

func fillAlwaysRequired(t *testing.T, r Record) Record {
	t.Helper()
	r = set(t, r, "claimant.name", "Jane Doe")
	r = set(t, r, "claimant.phone", "555-0100")
	r = set(t, r, "claimant.policy_number", "POL-77")
	r = set(t, r, "incident.date", "2026-10-17")
	r = set(t, r, "incident.description", "Rear-ended at a light")
	r = set(t, r, "incident.location.address", "12 Main St")
	r = set(t, r, "incident.location.city", "Springfield")
	return r
}

func TestDefault_Loads(t *testing.T) {
	s := Default()
	assert.Equal(t, "claim", s.Name())
	assert.Len(t, s.Branches(), 2)

	f, ok := s.Lookup(mustPath(t, "injury.body_parts"))
	require.True(t, ok)
	assert.Equal(t, KindList, f.Kind)
	assert.Equal(t, "injury", f.Branch)

	assert.True(t, s.IsGroup(mustPath(t, "incident.location")))
	assert.False(t, s.IsGroup(mustPath(t, "incident.location.city")))
	assert.True(t, s.IsPlaceholder("N/A"))
	assert.True(t, s.IsPlaceholder(" Unknown. "))
	assert.True(t, s.IsPlaceholder("null"))
	assert.False(t, s.IsPlaceholder("Jane"))
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key": `
name: x
fields:
  - path: a
    colour: red
`,
		"duplicate field": `
name: x
fields:
  - path: a
  - path: a
`,
		"leaf and group": `
name: x
fields:
  - path: a
  - path: a.b
`,
		"undeclared branch": `
name: x
fields:
  - path: a
    branch: ghost
`,
		"branch without required": `
name: x
branches:
  - name: b
fields:
  - path: a
    branch: b
`,
		"bad kind": `
name: x
fields:
  - path: a
    kind: number
`,
		"no fields": `name: x`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestEvaluate_EmptyRecordAsksInDeclaredOrder(t *testing.T) {
	s := Default()
	rep := s.Evaluate(s.NewRecord())

	assert.False(t, rep.Complete)
	assert.Equal(t, []string{
		"claimant.name",
		"claimant.phone",
		"claimant.policy_number",
		"incident.date",
		"incident.description",
		"incident.location.address",
		"incident.location.city",
		"injury.description",
		"injury.body_parts",
	}, paths(rep.Missing))
	assert.Equal(t, "injury", rep.Branch)

	next, ok := rep.Next()
	require.True(t, ok)
	assert.Equal(t, "full name", next.Label)
}

func TestEvaluate_PlaceholdersCountAsMissing(t *testing.T) {
	s := Default()
	r := s.NewRecord()
	for _, f := range s.Fields() {
		if !f.Required {
			continue
		}
		if f.Kind == KindList {
			r = set(t, r, f.Path.String(), []string{"unknown"})
			continue
		}
		r = set(t, r, f.Path.String(), "unknown")
	}

	assert.False(t, s.IsComplete(r))
	missing := s.MissingFields(r)
	assert.Contains(t, paths(missing), "claimant.name")
	assert.Contains(t, paths(missing), "incident.location.city")
	assert.Len(t, missing, 9)
}

func TestEvaluate_CompleteWithEitherBranch(t *testing.T) {
	s := Default()
	base := fillAlwaysRequired(t, s.NewRecord())
	assert.False(t, s.IsComplete(base))

	injury := set(t, base, "injury.description", "Whiplash")
	injury = set(t, injury, "injury.body_parts", []string{"neck"})
	rep := s.Evaluate(injury)
	assert.True(t, rep.Complete)
	assert.Empty(t, rep.Missing)
	assert.Equal(t, "injury", rep.Branch)

	damage := set(t, base, "damage.description", "Crushed bumper")
	damage = set(t, damage, "damage.property_type", "vehicle")
	rep = s.Evaluate(damage)
	assert.True(t, rep.Complete)
	assert.Equal(t, "damage", rep.Branch)
}

func TestEvaluate_AsksForBranchClosestToDone(t *testing.T) {
	s := Default()
	r := fillAlwaysRequired(t, s.NewRecord())
	r = set(t, r, "damage.description", "Broken window")

	rep := s.Evaluate(r)
	assert.Equal(t, []string{"damage.property_type"}, paths(rep.Missing))
	assert.Equal(t, "damage", rep.Branch)
}

func TestRecord_SetRejectsUnknownAndWrongKind(t *testing.T) {
	s := Default()
	r := s.NewRecord()

	_, err := r.Set(mustPath(t, "claimant.shoe_size"), "9")
	assert.ErrorIs(t, err, ErrUnknownPath)

	_, err = r.Set(mustPath(t, "injury.body_parts"), "neck")
	assert.ErrorIs(t, err, ErrKindMismatch)

	_, err = r.Set(mustPath(t, "incident.location"), "somewhere")
	assert.ErrorIs(t, err, ErrUnknownPath)
}

func TestRecord_SetDoesNotMutateOriginal(t *testing.T) {
	s := Default()
	r := s.NewRecord()
	r2 := set(t, r, "claimant.name", "Jane")

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, "Jane", r2.Text(mustPath(t, "claimant.name")))
}

func TestRecord_JSONRoundTrip(t *testing.T) {
	s := Default()
	r := set(t, s.NewRecord(), "claimant.name", "Jane Doe")
	r = set(t, r, "incident.location.city", "Springfield")
	r = set(t, r, "incident.witnesses", []string{"Bob", "Alice"})

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var tree map[string]any
	require.NoError(t, json.Unmarshal(data, &tree))
	incident := tree["incident"].(map[string]any)
	location := incident["location"].(map[string]any)
	assert.Equal(t, "Springfield", location["city"])
	assert.Nil(t, location["address"])

	back, err := s.DecodeRecord(data)
	require.NoError(t, err)
	assert.True(t, r.Equal(back))
}

func TestDecodeRecord_RejectsUndeclaredKeys(t *testing.T) {
	s := Default()
	_, err := s.DecodeRecord([]byte(`{"claimant":{"name":"Jane","nickname":"JD"}}`))
	assert.ErrorIs(t, err, ErrUnknownPath)
}

func TestPointer_RoundTrip(t *testing.T) {
	p := Path{"a/b", "c~d"}
	assert.Equal(t, "/a~1b/c~0d", p.Pointer())

	back, err := ParsePointer(p.Pointer())
	require.NoError(t, err)
	assert.True(t, p.Equal(back))

	_, err = ParsePointer("claimant/name")
	assert.Error(t, err)
	_, err = ParsePointer("/claimant//name")
	assert.Error(t, err)
}

func TestCoerce(t *testing.T) {
	text := Field{Path: Path{"a"}, Kind: KindText}
	v, ok, err := text.Coerce(float64(1200.5))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1200.5", v)

	_, ok, err = text.Coerce("   ")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = text.Coerce(map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrKindMismatch)

	list := Field{Path: Path{"b"}, Kind: KindList}
	v, ok, err = list.Coerce([]any{"neck", " Neck ", "back", ""})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"neck", "back"}, v)

	v, ok, err = list.Coerce("knee")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"knee"}, v)
}

// Completeness and the missing-field report must agree for every reachable record.
func TestProperty_CompletenessMissingDuality(t *testing.T) {
	s := Default()
	fields := s.Fields()
	pool := []string{"", "unknown", "N/A", "tbd", "Jane Doe", "555-0100", "neck", "vehicle"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("MissingFields is empty iff IsComplete", prop.ForAll(
		func(choices []int) bool {
			r := s.NewRecord()
			for i, f := range fields {
				v := pool[choices[i]]
				if v == "" {
					continue
				}
				var err error
				if f.Kind == KindList {
					r, err = r.Set(f.Path, []string{v})
				} else {
					r, err = r.Set(f.Path, v)
				}
				if err != nil {
					return false
				}
			}
			rep := s.Evaluate(r)
			return rep.Complete == (len(s.MissingFields(r)) == 0) &&
				s.IsComplete(r) == (len(rep.Missing) == 0)
		},
		gen.SliceOfN(len(fields), gen.IntRange(0, len(pool)-1)),
	))

	properties.TestingRun(t)
}
