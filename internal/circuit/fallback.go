package circuit

import "context"

// Candidate is anything that names a provider.
type Candidate interface {
	ProviderID() string
}

// SelectFallback returns the first candidate, in order, that is neither in
// exclude nor behind an open circuit. The second result is false when no
// candidate qualifies.
func SelectFallback[C Candidate](ctx context.Context, b *Breaker, candidates []C, exclude map[string]bool) (C, bool) {
	for _, c := range candidates {
		id := c.ProviderID()
		if exclude[id] {
			continue
		}
		if b.IsOpen(ctx, id) {
			continue
		}
		return c, true
	}
	var zero C
	return zero, false
}

// FilterHealthy drops candidates whose circuit is open, preserving order. When
// every candidate is open it returns the input unchanged, so a request is
// still attempted against a degraded pool. It only reads circuit state, so
// listing providers never claims a half-open trial.
func FilterHealthy[C Candidate](ctx context.Context, b *Breaker, candidates []C) []C {
	healthy := make([]C, 0, len(candidates))
	for _, c := range candidates {
		if !b.Blocked(ctx, c.ProviderID()) {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) == 0 {
		return candidates
	}
	return healthy
}
