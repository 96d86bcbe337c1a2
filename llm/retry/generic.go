package retry

import "context"

// DoTyped is a type-safe generic wrapper around Retryer.Do.
//
// Usage:
//
//	art, err := retry.DoTyped(ctx, r, func(attempt int) (*types.Artifact, error) {
//	    return gen.Generate(ctx, req)
//	})
func DoTyped[T any](ctx context.Context, r *Retryer, fn func(attempt int) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(attempt int) error {
		v, err := fn(attempt)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
