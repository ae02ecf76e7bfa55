// Package runs is the gateway-facing service that starts pipeline runs,
// accepts review feedback and exposes each run's event stream.
//
// Runs execute on background goroutines detached from the request that
// started them; each is bounded by the configured run timeout. A run paused
// for review holds no goroutine until feedback resumes it.
package runs
