package reactor

import "github.com/google/uuid"

// NewEnvID returns a fresh, collision-free environment id for callers that
// don't have a natural name of their own to give InitLocal — a UUIDv4 string,
// the same shape pybox's own CLI tooling uses when a caller asks for "a new
// environment" without naming one.
func NewEnvID() string {
	return uuid.NewString()
}
