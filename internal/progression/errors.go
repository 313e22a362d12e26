package progression

import (
	"errors"
	"fmt"
	"time"
)

// Failure taxonomy. Pure computation errors are never retried; conflicts are
// retried inside Store.Transact before being surfaced.
var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrInvalidExamDefinition = errors.New("invalid exam definition")
	ErrAlreadyPassed         = errors.New("already passed")
	ErrCooldownActive        = errors.New("cooldown active")
	ErrAttemptsExhausted     = errors.New("attempts exhausted")
	ErrConflict              = errors.New("transaction conflict")
	ErrFeatureDisabled       = errors.New("feature disabled")
	ErrStoreUnavailable      = errors.New("store unavailable")
)

// CooldownError carries the timestamp at which a retry becomes permitted so
// callers can render a precise message. errors.Is(err, ErrCooldownActive)
// matches it.
type CooldownError struct {
	RetryAt time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("cooldown active until %s", e.RetryAt.UTC().Format(time.RFC3339))
}

func (e *CooldownError) Is(target error) bool { return target == ErrCooldownActive }
