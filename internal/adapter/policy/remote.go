package policy

import (
	"context"
	"log/slog"

	"github.com/sony/gobreaker"
)

// RemoteChecker is the transport-level call a remote policy backend
// exposes. kbusd ships no concrete implementation (the real policy engine
// is an external collaborator per spec §1); deployments that centralize
// policy supply one, typically a gRPC client call.
type RemoteChecker func(ctx context.Context, d Decision) (bool, error)

// Remote wraps a RemoteChecker in a circuit breaker: once failures trip
// the breaker, Allowed fails closed (deny) instead of hammering a
// degraded backend, matching the core's general stance that a policy
// question it cannot answer is answered "no".
type Remote struct {
	check   RemoteChecker
	breaker *gobreaker.CircuitBreaker[bool]
	logger  *slog.Logger
}

// NewRemote builds a circuit-breaker-guarded oracle named name (used as
// the breaker's identity in state-change logs).
func NewRemote(name string, check RemoteChecker, logger *slog.Logger) *Remote {
	r := &Remote{check: check, logger: logger}
	r.breaker = gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("policy breaker state change", "breaker", name, "from", from, "to", to)
			}
		},
	})
	return r
}

func (r *Remote) Allowed(ctx context.Context, d Decision) (bool, error) {
	allowed, err := r.breaker.Execute(func() (bool, error) {
		return r.check(ctx, d)
	})
	if err != nil {
		// Fail closed: a breaker trip or backend error denies rather
		// than panics the send path.
		return false, nil
	}
	return allowed, nil
}
