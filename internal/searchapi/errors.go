package searchapi

import "errors"

// Gateway error classification. The client applies no retry policy itself;
// callers decide based on these sentinels.
var (
	// ErrUnreachable marks transient connection/timeout failures.
	ErrUnreachable = errors.New("search service unreachable")
	// ErrRejected marks definitive remote failures (auth, bad request).
	ErrRejected = errors.New("search service rejected request")
)
