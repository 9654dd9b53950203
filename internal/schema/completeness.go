package schema

// Missing is one entry of the missing-field report.
type Missing struct {
	Path        Path   `json:"path"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Branch      string `json:"branch,omitempty"`
}

// Report is the result of evaluating a record against the schema.
type Report struct {
	Complete bool      `json:"complete"`
	Missing  []Missing `json:"missing"`
	// Branch is the satisfied alternative, or when none is satisfied the one
	// the missing list is asking about.
	Branch string `json:"branch,omitempty"`
}

// Next is the highest-priority missing field.
func (r Report) Next() (Missing, bool) {
	if len(r.Missing) == 0 {
		return Missing{}, false
	}
	return r.Missing[0], true
}

// Evaluate computes completeness and the ordered missing-field report.
//
// Always-required fields must be present. When the schema declares branches,
// at least one branch must have all of its required fields present. If none
// does, the report asks for the branch closest to done (ties go to the branch
// declared first) so the question order is stable across turns.
func (s *Schema) Evaluate(r Record) Report {
	satisfied, target := s.branchState(r)

	missing := make([]Missing, 0)
	for _, f := range s.fields {
		if !f.Required || r.Has(f.Path) {
			continue
		}
		if f.Branch != "" && (satisfied != "" || f.Branch != target) {
			continue
		}
		missing = append(missing, Missing{
			Path:        f.Path,
			Label:       f.Label,
			Description: f.Description,
			Branch:      f.Branch,
		})
	}

	branch := satisfied
	if branch == "" {
		branch = target
	}
	return Report{Complete: len(missing) == 0, Missing: missing, Branch: branch}
}

// MissingFields lists required-but-absent leaves in declared order.
func (s *Schema) MissingFields(r Record) []Missing {
	return s.Evaluate(r).Missing
}

// IsComplete holds exactly when MissingFields is empty.
func (s *Schema) IsComplete(r Record) bool {
	return len(s.MissingFields(r)) == 0
}

func (s *Schema) branchState(r Record) (satisfied, target string) {
	if len(s.branches) == 0 {
		return "", ""
	}
	best := -1
	for _, b := range s.branches {
		present, required := 0, 0
		for _, f := range s.fields {
			if f.Branch != b.Name || !f.Required {
				continue
			}
			required++
			if r.Has(f.Path) {
				present++
			}
		}
		if present == required {
			return b.Name, ""
		}
		if present > best {
			best = present
			target = b.Name
		}
	}
	return "", target
}
