package planner

import (
	"github.com/cuemby/agentmesh/pkg/metrics"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ThermalLevel classifies how aggressively the planner should throttle
// wave parallelism.
type ThermalLevel int

const (
	ThermalNormal ThermalLevel = iota
	ThermalHot
	ThermalCritical
)

func (t ThermalLevel) String() string {
	switch t {
	case ThermalNormal:
		return "normal"
	case ThermalHot:
		return "hot"
	case ThermalCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Capacity is the planner's read-only view of how much work it may put in
// flight right now.
type Capacity struct {
	MaxParallel       int
	BackpressureLevel float64
}

// Hooks exposes the two resource-awareness inputs the planner treats as
// read-only: capacity() and thermal_state(). The core's default
// implementation samples the host via gopsutil; tests substitute a fixed
// Hooks value per the planner's documented stub contract.
type Hooks interface {
	Capacity() Capacity
	ThermalState() ThermalLevel
}

// hotThreshold and criticalThreshold are CPU-percent watermarks above
// which the planner halves, then floors, wave parallelism.
const (
	hotThreshold      = 75.0
	criticalThreshold = 92.0
)

// hostHooks is the default Hooks backed by real CPU/memory sampling.
type hostHooks struct {
	baseParallel int
}

// NewHostHooks returns a Hooks that samples live CPU/memory usage via
// gopsutil, scaling baseParallel down as the host gets hot.
func NewHostHooks(baseParallel int) Hooks {
	if baseParallel <= 0 {
		baseParallel = 1
	}
	return &hostHooks{baseParallel: baseParallel}
}

func (h *hostHooks) Capacity() Capacity {
	parallel := h.baseParallel
	backpressure := 0.0

	if vm, err := mem.VirtualMemory(); err == nil {
		backpressure = vm.UsedPercent / 100.0
	}

	switch h.ThermalState() {
	case ThermalCritical:
		parallel = 1
	case ThermalHot:
		parallel = parallel / 2
		if parallel < 1 {
			parallel = 1
		}
	}

	return Capacity{MaxParallel: parallel, BackpressureLevel: backpressure}
}

func (h *hostHooks) ThermalState() ThermalLevel {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		metrics.ThermalState.Set(float64(ThermalNormal))
		return ThermalNormal
	}

	level := ThermalNormal
	switch {
	case percents[0] >= criticalThreshold:
		level = ThermalCritical
	case percents[0] >= hotThreshold:
		level = ThermalHot
	}
	metrics.ThermalState.Set(float64(level))
	return level
}
