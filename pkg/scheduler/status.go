package scheduler

import (
	"sort"

	"github.com/jguan/gpusched/pkg/costscaler"
	"github.com/jguan/gpusched/pkg/unit/sched"
	"github.com/jguan/gpusched/pkg/warmpool"
)

// Status is the scheduler's aggregate observable state.
type Status struct {
	GPUID              int                         `json:"gpu_id"`
	Policy             string                      `json:"policy"`
	TotalMemoryGB      float64                     `json:"total_memory_gb"`
	ThresholdGB        float64                     `json:"threshold_gb"`
	UsedMemoryGB       float64                     `json:"used_memory_gb"`
	UtilizationPercent float64                     `json:"utilization_percent"`
	TotalModels        int                         `json:"total_models"`
	CountsByState      map[string]int              `json:"counts_by_state"`
	WarmPool           warmpool.Status             `json:"warm_pool"`
	Cost               costscaler.Status           `json:"cost"`
	Recommendations    []costscaler.Recommendation `json:"recommendations,omitempty"`
}

// ModelStatus is the per-model view.
type ModelStatus struct {
	Instance sched.Instance        `json:"instance"`
	WarmPool *warmpool.ModelDetail `json:"warm_pool,omitempty"`
	Cost     *costscaler.ModelCost `json:"cost,omitempty"`
}

// Status builds the aggregate report.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	counts := make(map[string]int)
	total := len(o.models)
	for _, inst := range o.models {
		counts[string(inst.State)]++
	}
	o.mu.RUnlock()

	return Status{
		GPUID:              o.cfg.GPUID,
		Policy:             string(o.cfg.Policy),
		TotalMemoryGB:      o.acct.TotalGB(),
		ThresholdGB:        o.acct.ThresholdGB(),
		UsedMemoryGB:       o.acct.UsedGB(),
		UtilizationPercent: o.acct.UtilizationPercent(),
		TotalModels:        total,
		CountsByState:      counts,
		WarmPool:           o.pool.Status(),
		Cost:               o.cost.Status(),
		Recommendations:    o.cost.Recommendations(o.acct.TotalGB()),
	}
}

// ModelDetail returns the full per-model view.
func (o *Orchestrator) ModelDetail(id string) (*ModelStatus, error) {
	inst, err := o.get(id)
	if err != nil {
		return nil, err
	}

	o.mu.RLock()
	snapshot := *inst.Clone()
	o.mu.RUnlock()

	out := &ModelStatus{Instance: snapshot}
	if d, ok := o.pool.Detail(id); ok {
		out.WarmPool = &d
	}
	if c, ok := o.cost.ModelCost(id); ok {
		out.Cost = &c
	}
	return out, nil
}

// Models returns all registered instances, sorted by id.
func (o *Orchestrator) Models() []sched.Instance {
	o.mu.RLock()
	out := make([]sched.Instance, 0, len(o.models))
	for _, inst := range o.models {
		out = append(out, *inst.Clone())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Model returns one registered instance.
func (o *Orchestrator) Model(id string) (*sched.Instance, error) {
	inst, err := o.get(id)
	if err != nil {
		return nil, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return inst.Clone(), nil
}
