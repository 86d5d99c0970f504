package driftguard

import "errors"

// Error taxonomy. The engine fails open: a rejected sample never rejects the
// request itself; only an explicit Block decision does that.
var (
	// ErrInvalidIdentity is returned by Record when the identity key is empty.
	ErrInvalidIdentity = errors.New("driftguard: invalid identity")

	// ErrClockSkew is returned by Record when the event timestamp precedes the
	// identity's last recorded timestamp by more than the configured tolerance.
	// The sample is discarded to protect the running statistics.
	ErrClockSkew = errors.New("driftguard: timestamp out of order")

	// ErrNotFound is returned by Inspect for untracked or evicted identities.
	ErrNotFound = errors.New("driftguard: identity not tracked")

	// ErrConfigInvalid wraps configuration errors rejected at load time.
	ErrConfigInvalid = errors.New("driftguard: invalid config")

	// ErrEngineStopped is returned when calls arrive after Stop.
	ErrEngineStopped = errors.New("driftguard: engine stopped")
)
