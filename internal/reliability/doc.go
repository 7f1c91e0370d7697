// Package reliability holds the retry and circuit breaking primitives used
// around remote calls: the orchestrator's classify-and-dispatch loop retries
// under a Policy, and the LLM client guards the completion API with a
// Breaker.
//
// Example usage:
//
//	policy := reliability.NewFixedDelay(time.Second, 2)
//	err := reliability.Retry(ctx, policy, func(ctx context.Context, attempt int) error {
//	    return dispatch(ctx)
//	})
package reliability
