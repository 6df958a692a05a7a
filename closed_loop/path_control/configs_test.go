package control

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMPCConfig(t *testing.T) {
	cfg := DefaultMPCConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.HorizonSteps)
	assert.Equal(t, 0.1, cfg.TimeStep)
	assert.Equal(t, 2.67, cfg.Lf)
	assert.Equal(t, 100.0, cfg.TargetSpeed)
	assert.Equal(t, 500*time.Millisecond, cfg.TimeBudget())
	assert.Equal(t, SteerPositiveRight, cfg.SteeringConvention)
	assert.Equal(t, CostWeights{CTE: 3000, EPsi: 2000, Speed: 1, Steer: 5, Accel: 5, SteerRate: 200, AccelRate: 10}, cfg.Weights)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MPCConfig)
	}{
		{"zero horizon", func(c *MPCConfig) { c.HorizonSteps = 0 }},
		{"single step horizon", func(c *MPCConfig) { c.HorizonSteps = 1 }},
		{"zero time step", func(c *MPCConfig) { c.TimeStep = 0 }},
		{"negative time step", func(c *MPCConfig) { c.TimeStep = -0.1 }},
		{"zero lf", func(c *MPCConfig) { c.Lf = 0 }},
		{"negative weight", func(c *MPCConfig) { c.Weights.SteerRate = -1 }},
		{"zero steer limit", func(c *MPCConfig) { c.MaxSteerRad = 0 }},
		{"zero accel limit", func(c *MPCConfig) { c.MaxAccel = 0 }},
		{"zero budget", func(c *MPCConfig) { c.SolverTimeBudgetS = 0 }},
		{"unknown convention", func(c *MPCConfig) { c.SteeringConvention = "sideways" }},
		{"no outer iterations", func(c *MPCConfig) { c.Solver.MaxOuterIterations = 0 }},
		{"flat penalty growth", func(c *MPCConfig) { c.Solver.PenaltyGrowth = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultMPCConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

			_, err := NewController(cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig, "controller construction must reject it too")
		})
	}
}

func TestMPCConfigJSON(t *testing.T) {
	data := []byte(`{
		"horizon_steps": 12,
		"time_step_s": 0.05,
		"lf_m": 2.5,
		"target_speed": 40,
		"weights": {"cte": 30000, "epsi": 2000, "speed": 1, "steer": 5, "accel": 5, "steer_rate": 200, "accel_rate": 10},
		"max_steer_rad": 0.4,
		"max_accel": 1,
		"solver_time_budget_s": 0.25,
		"steering_convention": "positive_left"
	}`)
	cfg := DefaultMPCConfig()
	require.NoError(t, json.Unmarshal(data, &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 12, cfg.HorizonSteps)
	assert.Equal(t, 30000.0, cfg.Weights.CTE)
	assert.Equal(t, 250*time.Millisecond, cfg.TimeBudget())
	assert.Equal(t, SteerPositiveLeft, cfg.SteeringConvention)
	assert.Equal(t, DefaultSolverConfig(), cfg.Solver, "omitted sections keep their defaults")
}
