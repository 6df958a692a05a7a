package main

import (
	control "path-mpc-core/closed_loop/path_control"
)

// Mode says where an actuation came from. Values match the "mode" signal
// of the actuator frame.
type Mode int

const (
	ModeMPC  Mode = 1
	ModeHold Mode = 2
	ModeStop Mode = 3
)

func (m Mode) String() string {
	switch m {
	case ModeMPC:
		return "mpc"
	case ModeHold:
		return "hold"
	case ModeStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Actuation is what the runner applies for one cycle, in controller units
type Actuation struct {
	Steer float64
	Accel float64
	Mode  Mode
}

// Fallback turns controller results into actuations. After a failed cycle
// it repeats the last good command for HoldCycles cycles, then centres the
// wheel and brakes to a stop with a speed PID until the controller
// recovers.
type Fallback struct {
	cfg      FallbackConfig
	stop     *PIDController
	last     Actuation
	failures int
}

func NewFallback(cfg FallbackConfig) *Fallback {
	return &Fallback{
		cfg:  cfg,
		stop: NewPIDController(cfg.StopPID),
		last: Actuation{Mode: ModeMPC},
	}
}

// Next returns the actuation for a cycle whose solve returned cmd, err
func (f *Fallback) Next(cmd control.Command, err error, speed, dt float64) Actuation {
	if err == nil {
		if f.failures > 0 {
			f.stop.Reset()
		}
		f.failures = 0
		f.last = Actuation{Steer: cmd.Steer, Accel: cmd.Accel, Mode: ModeMPC}
		return f.last
	}

	f.failures++
	if f.failures <= f.cfg.HoldCycles {
		return Actuation{Steer: f.last.Steer, Accel: f.last.Accel, Mode: ModeHold}
	}
	return Actuation{Steer: 0, Accel: f.stop.Update(speed, dt), Mode: ModeStop}
}

// Failures returns the number of consecutive failed cycles
func (f *Fallback) Failures() int { return f.failures }

// PID exposes the stop controller for diagnostics
func (f *Fallback) PID() *PIDController { return f.stop }
