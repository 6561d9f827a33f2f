package motion

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nerrad567/canbridge/internal/bridges/canbus"
	"github.com/nerrad567/canbridge/internal/canopen"
)

// Stepper controller protocol.
const (
	// DefaultStepperID is the COB-ID of the stepper controller. Requests,
	// acknowledgements and the release frame all use it.
	DefaultStepperID = 0x101

	// StepperAck is the leading byte of an acknowledgement.
	StepperAck = 0xAA

	// stepFrameLen is power(1) + direction(1) + steps(4).
	stepFrameLen = 6

	// DefaultTimeout bounds stepper and reset transactions.
	DefaultTimeout = time.Second
)

// DC motor id range.
const (
	MinDCMotorID = 0x200
	MaxDCMotorID = 0x3FF
)

// StepperConfig addresses a stepper controller.
type StepperConfig struct {
	// ID is the controller COB-ID. Default: 0x101.
	ID uint32

	// MaxSteps is the largest accepted step count, normally the encoder
	// resolution.
	MaxSteps int

	// Timeout bounds the wait for the acknowledgement. Default: 1 second.
	Timeout time.Duration
}

func (c StepperConfig) withDefaults() StepperConfig {
	if c.ID == 0 {
		c.ID = DefaultStepperID
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// StepCommand moves the stepper motor.
type StepCommand struct {
	Power     int
	Direction int
	Steps     int
}

// Validate checks power and direction are 0 or 1 and steps is within
// 0..maxSteps.
func (c StepCommand) Validate(maxSteps int) error {
	if !isBit(c.Power) {
		return fmt.Errorf("%w: power must be 0 or 1, got %d", ErrInvalidStep, c.Power)
	}
	if !isBit(c.Direction) {
		return fmt.Errorf("%w: direction must be 0 or 1, got %d", ErrInvalidStep, c.Direction)
	}
	if c.Steps < 0 || c.Steps > maxSteps {
		return fmt.Errorf("%w: steps must be within 0..%d, got %d", ErrInvalidStep, maxSteps, c.Steps)
	}
	return nil
}

// Frame encodes the command as [power, direction, steps(uint32 BE)].
func (c StepCommand) Frame(id uint32) canbus.Frame {
	data := make([]byte, stepFrameLen)
	data[0] = byte(c.Power)
	data[1] = byte(c.Direction)
	binary.BigEndian.PutUint32(data[2:], uint32(c.Steps))
	return canbus.Frame{ID: id, Data: data}
}

// StepperRelease is sent after an acknowledgement to free the controller.
func StepperRelease(id uint32) canbus.Frame {
	return canbus.Frame{ID: id, Data: make([]byte, stepFrameLen)}
}

// Step validates cmd and runs it as an acknowledged transaction.
func (e *Executor) Step(ctx context.Context, cfg StepperConfig, cmd StepCommand) error {
	cfg = cfg.withDefaults()
	if err := cmd.Validate(cfg.MaxSteps); err != nil {
		return err
	}

	release := StepperRelease(cfg.ID)
	_, err := e.SendAndAwait(ctx, cmd.Frame(cfg.ID), MatchLeading(cfg.ID, StepperAck), &release, cfg.Timeout)
	if err != nil {
		return err
	}

	e.log().Info("stepper moved", "power", cmd.Power, "direction", cmd.Direction, "steps", cmd.Steps)
	return nil
}

// ParseDCMotorID validates a DC motor id and returns its COB-ID.
//
// The id is written as three decimal digits whose first digit is 2 or 3.
// The same digits read as hexadecimal give the COB-ID, which must lie in
// 0x200..0x3FF. For example 215 addresses 0x215.
func ParseDCMotorID(motorID int) (uint32, error) {
	digits := fmt.Sprintf("%03d", motorID)
	if len(digits) != 3 {
		return 0, fmt.Errorf("%w: %d is not three digits", ErrInvalidMotorID, motorID)
	}
	if digits[0] != '2' && digits[0] != '3' {
		return 0, fmt.Errorf("%w: %d must start with 2 or 3", ErrInvalidMotorID, motorID)
	}

	id, err := strconv.ParseUint(digits, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %d: %w", ErrInvalidMotorID, motorID, err)
	}
	if id < MinDCMotorID || id > MaxDCMotorID {
		return 0, fmt.Errorf("%w: 0x%X out of range", ErrInvalidMotorID, id)
	}
	return uint32(id), nil
}

// DCCommand drives a DC motor.
type DCCommand struct {
	MotorID   int
	Power     int
	Direction int
}

// Frame validates the command and encodes it as [power, direction].
func (c DCCommand) Frame() (canbus.Frame, error) {
	id, err := ParseDCMotorID(c.MotorID)
	if err != nil {
		return canbus.Frame{}, err
	}
	if !isBit(c.Power) {
		return canbus.Frame{}, fmt.Errorf("%w: power must be 0 or 1, got %d", ErrInvalidDC, c.Power)
	}
	if !isBit(c.Direction) {
		return canbus.Frame{}, fmt.Errorf("%w: direction must be 0 or 1, got %d", ErrInvalidDC, c.Direction)
	}
	return canbus.NewFrame(id, byte(c.Power), byte(c.Direction)), nil
}

// Stop returns the command that switches the same motor off.
func (c DCCommand) Stop() DCCommand {
	return DCCommand{MotorID: c.MotorID}
}

// DriveDC validates cmd and sends it without waiting for a reply.
// Nothing is sent when validation fails.
func (e *Executor) DriveDC(ctx context.Context, cmd DCCommand) error {
	f, err := cmd.Frame()
	if err != nil {
		return err
	}
	if err := e.Send(ctx, f); err != nil {
		return err
	}
	e.log().Info("dc motor driven", "motor_id", cmd.MotorID, "power", cmd.Power, "direction", cmd.Direction)
	return nil
}

// ResetEncoder sets the encoder preset value (0x6003:00) of node to zero
// and waits for the SDO reply.
//
// Returns ErrAborted (wrapping canopen.ErrSDOAbort) when the encoder
// rejects the write.
func (e *Executor) ResetEncoder(ctx context.Context, node int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	req, err := canopen.Download(node, canopen.IndexPresetValue, 0, 0, 4)
	if err != nil {
		return err
	}

	resp, err := e.SendAndAwait(ctx, req, canopen.IsResponse(node, canopen.IndexPresetValue, 0), nil, timeout)
	if err != nil {
		return err
	}

	if err := canopen.CheckDownload(node, canopen.IndexPresetValue, 0, resp); err != nil {
		if errors.Is(err, canopen.ErrSDOAbort) {
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}
		return err
	}

	e.log().Info("encoder position reset", "node", node)
	return nil
}

func isBit(v int) bool {
	return v == 0 || v == 1
}
