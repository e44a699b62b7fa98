// Package billing is the execution gate of the platform: it decides whether
// an execution may run, prices it once it has run, and accounts the result.
//
// Admission runs four checks in order: fixed-window rate limits, user
// budgets, period quotas and concurrent execution slots. Rate limit
// counters live in a shared counter store (Redis in production) so every
// instance of the gate sees the same windows; quota, budget and usage
// accounting live in the relational policy store and only ever move through
// atomic column increments.
//
// The top-level entry points are Service.AdmitExecution, which returns an
// Admission the caller must hand back to Service.CompleteExecution or
// Service.AbortExecution on every exit path, and the per-concern services
// RateLimitService, QuotaService and ReportService for policy CRUD and
// reporting.
//
// When the counter store or the policy store is unreachable the gate can
// fail open: the request is admitted, marked Degraded, and the outage is
// logged. This is a deliberate availability trade-off and is configurable.
package billing
