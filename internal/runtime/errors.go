package runtime

import "github.com/pkg/errors"

// ErrUnreachable marks transient control-surface failures: network errors,
// timeouts and 5xx answers from the external runtime. Callers retry these
// per the stability controller's backoff; everything else is permanent from
// the caller's point of view.
var ErrUnreachable = errors.New("runtime unreachable")

// IsTransient reports whether err stems from a transient runtime failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
