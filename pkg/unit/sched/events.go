package sched

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeRegistered       = "sched.model.registered"
	EventTypeDeregistered     = "sched.model.deregistered"
	EventTypeWarmed           = "sched.model.warmed"
	EventTypeEvicted          = "sched.model.evicted"
	EventTypeError            = "sched.model.error"
	EventTypeAdmissionRefused = "sched.admission.refused"
)

// modelEvent is the shared shape of scheduler lifecycle events.
type modelEvent struct {
	eventType     string
	payload       any
	timestamp     time.Time
	correlationID string
}

func (e *modelEvent) Type() string          { return e.eventType }
func (e *modelEvent) Domain() string        { return "sched" }
func (e *modelEvent) Payload() any          { return e.payload }
func (e *modelEvent) Timestamp() time.Time  { return e.timestamp }
func (e *modelEvent) CorrelationID() string { return e.correlationID }

func newModelEvent(eventType string, payload any) *modelEvent {
	return &modelEvent{
		eventType:     eventType,
		payload:       payload,
		timestamp:     time.Now(),
		correlationID: uuid.New().String(),
	}
}

// NewRegisteredEvent is published when a model is registered.
func NewRegisteredEvent(inst *Instance) *modelEvent {
	return newModelEvent(EventTypeRegistered, map[string]any{
		"model_id":  inst.ID,
		"framework": string(inst.Ref.Framework),
		"priority":  inst.Priority,
	})
}

// NewDeregisteredEvent is published when a model is removed for good.
func NewDeregisteredEvent(modelID string) *modelEvent {
	return newModelEvent(EventTypeDeregistered, map[string]any{
		"model_id": modelID,
	})
}

// NewWarmedEvent is published after a successful load + warm-up.
func NewWarmedEvent(modelID string, memoryGB, loadTimeS float64) *modelEvent {
	return newModelEvent(EventTypeWarmed, map[string]any{
		"model_id":    modelID,
		"memory_gb":   memoryGB,
		"load_time_s": loadTimeS,
	})
}

// NewEvictedEvent is published after a model leaves memory.
func NewEvictedEvent(modelID string, freedGB float64) *modelEvent {
	return newModelEvent(EventTypeEvicted, map[string]any{
		"model_id": modelID,
		"freed_gb": freedGB,
	})
}

// NewErrorEvent is published when a load/warm-up/evict fails.
func NewErrorEvent(modelID, op string, err error) *modelEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return newModelEvent(EventTypeError, map[string]any{
		"model_id":  modelID,
		"operation": op,
		"error":     msg,
	})
}

// NewAdmissionRefusedEvent records a policy refusal with its reason.
func NewAdmissionRefusedEvent(modelID, reason string) *modelEvent {
	return newModelEvent(EventTypeAdmissionRefused, map[string]any{
		"model_id": modelID,
		"reason":   reason,
	})
}
