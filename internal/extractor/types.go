package extractor

import (
	"time"

	"github.com/MikeSquared-Agency/intake/internal/schema"
)

// Request is one extraction call: the coalesced recent turns of a session and
// the record as it stood when the batch was taken.
type Request struct {
	SessionID string
	Turns     []string
	Existing  schema.Record
	Now       time.Time
	// Location resolves relative dates ("yesterday", "last Tuesday"). Nil means UTC.
	Location *time.Location
}
