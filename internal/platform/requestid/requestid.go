package requestid

import "github.com/google/uuid"

// New returns a fresh request id for requests that arrived without one.
func New() string {
	return uuid.NewString()
}
