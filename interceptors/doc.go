// Package interceptors wraps listener message handling in a chain of interceptors.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs message processing with timing information
//   - MetricsInterceptor: reports handler outcome and duration to a MetricsCollector
//   - RecoveryInterceptor: turns a panicking handler into an error
//
// Example usage:
//
//	chain := interceptors.NewChain(
//		interceptors.NewRecoveryInterceptor(logger),
//		interceptors.NewLoggingInterceptor(logger),
//	)
//	reply, err := chain.Execute(ctx, &interceptors.Inbound{Route: route, Body: body}, handler)
package interceptors
