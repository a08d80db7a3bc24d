// Package operations coordinates long-running background operations. It
// guarantees that at most one operation of each kind is active, owns each
// operation's cancellation token, and enforces a hard timeout.
package operations

import "fmt"

// Kind identifies a class of mutually exclusive operations.
type Kind string

const (
	KindCollection Kind = "collection"
	KindEnrichment Kind = "enrichment"
)

// Kinds returns every known operation kind.
func Kinds() []Kind {
	return []Kind{KindCollection, KindEnrichment}
}

// ParseKind validates s against the known kinds.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Outcome is the terminal state of an operation.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// OutcomeOf maps the error returned by an operation body to its outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCompleted
	case IsCancelled(err):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}
