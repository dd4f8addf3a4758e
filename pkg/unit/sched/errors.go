package sched

import "github.com/jguan/gpusched/pkg/unit"

// Scheduler domain errors
var (
	ErrUnknownModel      = unit.NewDomainError("sched", unit.ErrCodeUnknownModel, "model not registered")
	ErrModelRegistered   = unit.NewDomainError("sched", unit.ErrCodeModelRegistered, "model already registered")
	ErrAdmissionRefused  = unit.NewDomainError("sched", unit.ErrCodeAdmissionRefused, "admission refused")
	ErrCapacityExhausted = unit.NewDomainError("sched", unit.ErrCodeCapacityExhausted, "cannot free enough memory")
	ErrColdStartTimeout  = unit.NewDomainError("sched", unit.ErrCodeColdStartTimeout, "cold start timed out")
	ErrNotRetryable      = unit.NewDomainError("sched", unit.ErrCodeModelNotRetryable, "model is not in error state")
	ErrClosed            = unit.NewDomainError("sched", unit.ErrCodeOrchestratorClosed, "orchestrator stopped")
)

// Backend errors
var (
	ErrLoadFailed           = unit.NewDomainError("backend", unit.ErrCodeBackendLoadFailed, "backend load failed")
	ErrWarmupFailed         = unit.NewDomainError("backend", unit.ErrCodeBackendWarmupFailed, "backend warm-up failed")
	ErrEvictFailed          = unit.NewDomainError("backend", unit.ErrCodeBackendEvictFailed, "backend evict failed")
	ErrInferFailed          = unit.NewDomainError("backend", unit.ErrCodeBackendInferFailed, "backend inference failed")
	ErrUnsupportedFramework = unit.NewDomainError("backend", unit.ErrCodeUnsupportedFramework, "unsupported framework")
)

// AdmissionRefusal builds a refusal carrying the policy's reason string.
// Refusals are deliberate decisions, not failures; the reason is a hard
// requirement for observability.
func AdmissionRefusal(reason string) *unit.UnitError {
	return unit.NewDomainError("sched", unit.ErrCodeAdmissionRefused, "admission refused").
		WithDetails("reason", reason)
}

// RefusalReason extracts the policy reason from an admission refusal, or ""
// if err is not one.
func RefusalReason(err error) string {
	ue, ok := unit.AsUnitError(err)
	if !ok || ue.Code != unit.ErrCodeAdmissionRefused {
		return ""
	}
	if r, ok := ue.Details["reason"].(string); ok {
		return r
	}
	return ""
}
