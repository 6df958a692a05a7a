package main

import (
	"math"

	control "path-mpc-core/closed_loop/path_control"
	"path-mpc-core/closed_loop/reference"
)

// Plant is the simulated vehicle, integrated in map coordinates with the
// controller's own kinematic model. Speed never drops below zero.
type Plant struct {
	model control.Model
	state control.VehicleState
}

// NewPlant places the vehicle at init. The model's reference is unused:
// only position, heading and speed are tracked.
func NewPlant(ctrl *control.Controller, init InitialState) *Plant {
	return &Plant{
		model: ctrl.Model(control.ReferenceCoefficients{}),
		state: control.VehicleState{X: init.X, Y: init.Y, Psi: init.Psi, V: init.V},
	}
}

// Step applies one actuation for dt seconds
func (p *Plant) Step(a Actuation, dt float64) {
	next := p.model.Propagate(p.state, a.Steer, a.Accel, dt)
	p.state = control.VehicleState{
		X:   next.X,
		Y:   next.Y,
		Psi: math.Remainder(next.Psi, 2*math.Pi),
		V:   math.Max(next.V, 0),
	}
}

// Pose returns the current map pose
func (p *Plant) Pose() reference.Pose {
	return reference.Pose{X: p.state.X, Y: p.state.Y, Psi: p.state.Psi}
}

// Speed returns the current speed
func (p *Plant) Speed() float64 { return p.state.V }
