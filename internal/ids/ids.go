// Package ids centralizes identifier generation so every caller goes
// through the same uuid source, grounded on the google/uuid usage in
// jordigilh-kubernaut and jontk-slurm-client.
package ids

import "github.com/google/uuid"

// NewJobID allocates an opaque job identifier.
func NewJobID() string { return uuid.NewString() }

// NewToken allocates an opaque token. internal/media tags each artifact
// generation request with one so a stale completion cannot overwrite
// newer state; internal/httpapi uses one as a client id when the
// register request carries none.
func NewToken() string { return uuid.NewString() }
