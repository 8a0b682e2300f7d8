// Package tracing wraps OpenTelemetry so that agent iterations, task
// submission, provider polls and recovery can be traced without the rest of
// the code base importing the SDK directly.
package tracing
