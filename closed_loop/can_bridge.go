package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.einride.tech/can"

	"path-mpc-core/utils"
)

// SpeedFeedback is a decoded vehicle state frame
type SpeedFeedback struct {
	SpeedMPS  float64
	YawRate   float64
	Timestamp time.Time
}

// canBridge sends actuations on the actuator frame and, when a state frame
// is configured, decodes speed feedback from the bus
type canBridge struct {
	cmap   *utils.CANMap
	tx     *utils.FrameDef
	rx     *utils.FrameDef
	writer utils.CANWriter
	reader utils.CANReader
	cfg    CANConfig
	lf     float64

	counter uint8
	sent    uint64
}

func newCANBridge(cmap *utils.CANMap, cfg CANConfig, lf float64, w utils.CANWriter, r utils.CANReader) (*canBridge, error) {
	tx, err := cmap.FrameByName(cfg.ActuatorFrame)
	if err != nil {
		return nil, fmt.Errorf("actuator frame: %w", err)
	}
	b := &canBridge{cmap: cmap, tx: tx, writer: w, reader: r, cfg: cfg, lf: lf}
	if cfg.StateFrame != "" {
		if b.rx, err = cmap.FrameByName(cfg.StateFrame); err != nil {
			return nil, fmt.Errorf("state frame: %w", err)
		}
	}
	return b, nil
}

// actuatorValues converts an actuation into physical signal values.
// Steering goes out as road wheel angle, positive accel as drive torque
// and negative accel as brake percentage.
func (b *canBridge) actuatorValues(a Actuation) map[string]float64 {
	return map[string]float64{
		"system_enable":       1,
		"mode":                float64(a.Mode),
		"steer_cmd_deg":       a.Steer / b.lf * 180 / math.Pi,
		"drive_torque_cmd_nm": math.Max(a.Accel, 0) * b.cfg.MaxTorqueNm,
		"brake_cmd_pct":       math.Max(-a.Accel, 0) * 100,
		"rolling_counter":     float64(b.counter),
	}
}

func (b *canBridge) send(ctx context.Context, a Actuation) (can.Frame, error) {
	frame, err := b.cmap.EncodeCANFrame(b.tx.Name, b.actuatorValues(a))
	if err != nil {
		return can.Frame{}, fmt.Errorf("encode %s: %w", b.tx.Name, err)
	}
	if err := b.writer.WriteFrame(ctx, frame); err != nil {
		return can.Frame{}, fmt.Errorf("transmit %s: %w", b.tx.Name, err)
	}
	b.counter++
	b.sent++
	return frame, nil
}

// receiveLoop decodes state frames into feedback until ctx ends
func (b *canBridge) receiveLoop(ctx context.Context, log *utils.Logger, feedback chan<- SpeedFeedback) {
	log.Debug("RX loop started")
	defer log.Debug("RX loop stopped")

	for {
		frame, err := b.reader.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("RX error: %v", err)
			return
		}
		log.Trace("RX id=0x%X len=%d data=% X", frame.ID, frame.Length, frame.Data[:frame.Length])

		if b.rx == nil || frame.ID != b.rx.ID {
			continue
		}
		values, err := b.cmap.DecodeCANFrame(frame)
		if err != nil {
			log.Warn("RX decode %s: %v", b.rx.Name, err)
			continue
		}
		select {
		case feedback <- SpeedFeedback{
			SpeedMPS:  values["vehicle_speed_mps"],
			YawRate:   values["yaw_rate_rps"],
			Timestamp: time.Now(),
		}:
		default:
			// Channel full, skip
		}
	}
}

func (b *canBridge) close() {
	if b.reader != nil {
		_ = b.reader.Close()
	}
	if b.writer != nil {
		_ = b.writer.Close()
	}
}
