package main

import (
	"fmt"

	control "path-mpc-core/closed_loop/path_control"
)

// PIDConfig holds speed PID parameters. Output is normalized
// acceleration, the same unit the MPC commands.
type PIDConfig struct {
	TargetSpeed   float64 `json:"target_speed"`
	Kp            float64 `json:"kp"`
	Ki            float64 `json:"ki"`
	Kd            float64 `json:"kd"`
	MaxOutput     float64 `json:"max_output"`
	MinOutput     float64 `json:"min_output"`
	IntegralLimit float64 `json:"integral_limit"`
}

// DefaultStopPIDConfig brakes to standstill and never accelerates
func DefaultStopPIDConfig() PIDConfig {
	return PIDConfig{
		TargetSpeed:   0,
		Kp:            0.2,
		Ki:            0.02,
		Kd:            0,
		MaxOutput:     0,
		MinOutput:     -1,
		IntegralLimit: 20,
	}
}

func (c PIDConfig) Validate() error {
	if c.MinOutput > c.MaxOutput {
		return fmt.Errorf("min_output %.3f above max_output %.3f", c.MinOutput, c.MaxOutput)
	}
	if c.Kp < 0 || c.Ki < 0 || c.Kd < 0 {
		return fmt.Errorf("negative gain in %+v", c)
	}
	if c.IntegralLimit < 0 {
		return fmt.Errorf("invalid integral_limit: %f", c.IntegralLimit)
	}
	return nil
}

// PIDController implements a discrete PID controller for speed tracking
type PIDController struct {
	cfg PIDConfig

	integral    float64
	prevError   float64
	initialized bool
}

// NewPIDController creates a new PID controller with given configuration
func NewPIDController(cfg PIDConfig) *PIDController {
	return &PIDController{cfg: cfg}
}

// Reset clears the PID state
func (pid *PIDController) Reset() {
	pid.integral = 0
	pid.prevError = 0
	pid.initialized = false
}

// Update returns the normalized acceleration for the measured speed
func (pid *PIDController) Update(speed, dt float64) float64 {
	err := pid.cfg.TargetSpeed - speed
	if !pid.initialized {
		// no derivative kick on the first sample
		pid.prevError = err
		pid.initialized = true
	}

	p := pid.cfg.Kp * err

	pid.integral = control.ClampFloat(pid.integral+err*dt, -pid.cfg.IntegralLimit, pid.cfg.IntegralLimit)
	i := pid.cfg.Ki * pid.integral

	var d float64
	if dt > 0 {
		d = pid.cfg.Kd * (err - pid.prevError) / dt
	}

	out := p + i + d
	sat := control.ClampFloat(out, pid.cfg.MinOutput, pid.cfg.MaxOutput)
	if sat != out && pid.cfg.Ki > 0 {
		// Anti-windup: back-calculate integral
		pid.integral = control.ClampFloat((sat-p-d)/pid.cfg.Ki, -pid.cfg.IntegralLimit, pid.cfg.IntegralLimit)
	}

	pid.prevError = err
	return sat
}

// GetDiagnostics returns current PID state for logging
func (pid *PIDController) GetDiagnostics() PIDDiagnostics {
	return PIDDiagnostics{
		Error:    pid.prevError,
		Integral: pid.integral,
		P:        pid.cfg.Kp * pid.prevError,
		I:        pid.cfg.Ki * pid.integral,
	}
}

// PIDDiagnostics contains PID internal state for monitoring
type PIDDiagnostics struct {
	Error    float64
	Integral float64
	P        float64
	I        float64
}
