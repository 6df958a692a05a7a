package main

import (
	"encoding/json"
	"fmt"
	"os"

	control "path-mpc-core/closed_loop/path_control"
	"path-mpc-core/closed_loop/reference"
)

// Scenario defines a complete closed-loop run
type Scenario struct {
	Meta     ScenarioMeta      `json:"meta"`
	Timing   ScenarioTiming    `json:"timing"`
	Initial  InitialState      `json:"initial_state"`
	Track    TrackConfig       `json:"track"`
	MPC      control.MPCConfig `json:"mpc_config"`
	LatencyS float64           `json:"latency_s"`
	Fallback FallbackConfig    `json:"fallback"`
	CAN      *CANConfig        `json:"can,omitempty"` // Optional actuator bridge
}

// ScenarioMeta contains scenario metadata
type ScenarioMeta struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Description string `json:"description"`
}

// ScenarioTiming defines timing parameters
type ScenarioTiming struct {
	DtS          float64 `json:"dt_s"`
	DurationS    float64 `json:"duration_s"`
	LogHz        float64 `json:"log_hz"`
	RealTimeMode bool    `json:"real_time_mode"`
}

// InitialState is the simulated vehicle's pose and speed at t=0
type InitialState struct {
	reference.Pose
	V float64 `json:"v"`
}

// TrackConfig holds the reference waypoints in map coordinates
type TrackConfig struct {
	Waypoints []reference.Point `json:"waypoints"`
	Loop      bool              `json:"loop"`
	FitPoints int               `json:"fit_points"` // waypoints per cubic fit
}

// FallbackConfig is the caller-side policy for failed cycles
type FallbackConfig struct {
	HoldCycles int       `json:"hold_cycles"`
	StopPID    PIDConfig `json:"stop_pid"`
}

// CANConfig names the frames used when an interface is given
type CANConfig struct {
	ActuatorFrame string  `json:"actuator_frame"`
	StateFrame    string  `json:"state_frame,omitempty"`
	MaxTorqueNm   float64 `json:"max_torque_nm"`
	SpeedFeedback bool    `json:"speed_feedback"`
}

// DefaultScenario returns the values a scenario file starts from
func DefaultScenario() Scenario {
	mpc := control.DefaultMPCConfig()
	return Scenario{
		Timing: ScenarioTiming{
			DtS:   mpc.TimeStep,
			LogHz: 1,
		},
		Track: TrackConfig{FitPoints: 6},
		MPC:   mpc,
		Fallback: FallbackConfig{
			HoldCycles: 3,
			StopPID:    DefaultStopPIDConfig(),
		},
	}
}

// LoadScenario loads a scenario from JSON file
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes data over DefaultScenario and validates the result
func ParseScenario(data []byte) (Scenario, error) {
	scen := DefaultScenario()
	if err := json.Unmarshal(data, &scen); err != nil {
		return Scenario{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := scen.Validate(); err != nil {
		return Scenario{}, err
	}
	return scen, nil
}

// Validate checks timing, track and controller settings
func (s Scenario) Validate() error {
	if s.Timing.DurationS <= 0 {
		return fmt.Errorf("invalid duration_s: %f", s.Timing.DurationS)
	}
	if s.Timing.DtS <= 0 {
		return fmt.Errorf("invalid dt_s: %f", s.Timing.DtS)
	}
	if s.Timing.LogHz < 0 {
		return fmt.Errorf("invalid log_hz: %f", s.Timing.LogHz)
	}
	if s.LatencyS < 0 {
		return fmt.Errorf("invalid latency_s: %f", s.LatencyS)
	}
	if s.Initial.V < 0 {
		return fmt.Errorf("invalid initial speed: %f", s.Initial.V)
	}
	if s.Track.FitPoints < reference.MinPoints {
		return fmt.Errorf("fit_points %d below %d", s.Track.FitPoints, reference.MinPoints)
	}
	if len(s.Track.Waypoints) < s.Track.FitPoints {
		return fmt.Errorf("track has %d waypoints, fit_points is %d", len(s.Track.Waypoints), s.Track.FitPoints)
	}
	if s.Fallback.HoldCycles < 0 {
		return fmt.Errorf("invalid hold_cycles: %d", s.Fallback.HoldCycles)
	}
	if err := s.Fallback.StopPID.Validate(); err != nil {
		return fmt.Errorf("stop_pid: %w", err)
	}
	if err := s.MPC.Validate(); err != nil {
		return fmt.Errorf("mpc_config: %w", err)
	}
	if s.CAN != nil {
		if s.CAN.ActuatorFrame == "" {
			return fmt.Errorf("can section requires actuator_frame")
		}
		if s.CAN.MaxTorqueNm <= 0 {
			return fmt.Errorf("invalid max_torque_nm: %f", s.CAN.MaxTorqueNm)
		}
		if s.CAN.SpeedFeedback && s.CAN.StateFrame == "" {
			return fmt.Errorf("speed_feedback requires state_frame")
		}
	}
	return nil
}
