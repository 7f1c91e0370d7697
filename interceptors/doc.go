// Package interceptors wraps rpc handlers with cross-cutting behaviour.
//
// Interceptors run in the order they are added, the handler last:
//
//	handler := interceptors.NewChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewValidationInterceptor(64 * 1024)).
//		Then(orchestrator)
//
//	responder.Serve(ctx, rabbitmq.QueueOrchestrator, handler)
package interceptors
