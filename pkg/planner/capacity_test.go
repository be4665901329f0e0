package planner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThermalLevelString(t *testing.T) {
	require.Equal(t, "normal", ThermalNormal.String())
	require.Equal(t, "hot", ThermalHot.String())
	require.Equal(t, "critical", ThermalCritical.String())
	require.Equal(t, "unknown", ThermalLevel(99).String())
}

func TestNewHostHooksDefaultsNonPositiveBaseParallel(t *testing.T) {
	hooks := NewHostHooks(0)
	hh, ok := hooks.(*hostHooks)
	require.True(t, ok)
	require.Equal(t, 1, hh.baseParallel)
}

func TestHostHooksCapacityReflectsLiveHost(t *testing.T) {
	hooks := NewHostHooks(4)
	cap := hooks.Capacity()
	require.GreaterOrEqual(t, cap.MaxParallel, 1)
	require.LessOrEqual(t, cap.MaxParallel, 4)
	require.GreaterOrEqual(t, cap.BackpressureLevel, 0.0)
}

func TestHostHooksThermalStateIsOneOfTheThreeLevels(t *testing.T) {
	hooks := NewHostHooks(4)
	level := hooks.ThermalState()
	require.Contains(t, []ThermalLevel{ThermalNormal, ThermalHot, ThermalCritical}, level)
}
