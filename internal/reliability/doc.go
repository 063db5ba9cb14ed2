// Package reliability provides the retry policy shared by the producer's
// publish loop and the consumer's resubscribe loop.
//
// Retry budgets follow one convention everywhere:
//   - Unlimited (-1): retry until the context is cancelled
//   - 0: fail on the first error
//   - n > 0: retry up to n times
//
// Example usage:
//
//	policy := NewFixedDelay(time.Second, Unlimited)
//	err := Retry(ctx, policy, func(attempt int) error {
//	    return subscribe()
//	})
package reliability
