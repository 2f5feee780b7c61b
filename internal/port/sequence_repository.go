package port

import "context"

type SequenceRepository interface {
	// NextValue increments the counter named key, creating it at 1, and
	// returns the new value.
	NextValue(ctx context.Context, key string) (int64, error)
}
