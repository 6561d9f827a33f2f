package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/canbridge/internal/encoder"
	"github.com/nerrad567/canbridge/internal/motion"
)

// dcStopTimeout bounds the stop frame sent when a DC pulse ends.
const dcStopTimeout = 2 * time.Second

// EncoderRegistry is the part of encoder.Registry the server uses.
type EncoderRegistry interface {
	IsTracked(id int) bool
	Rename(oldID, newID int) bool
	Reset(node int) error
	Snapshot() map[int]encoder.State
	Params() encoder.Params
}

// MotionExecutor runs bus commands. motion.Executor implements it.
type MotionExecutor interface {
	Step(ctx context.Context, cfg motion.StepperConfig, cmd motion.StepCommand) error
	DriveDC(ctx context.Context, cmd motion.DCCommand) error
	ResetEncoder(ctx context.Context, node int, timeout time.Duration) error
}

// NodeRenamer changes an encoder's bus address. It may take seconds and
// is called without any server lock held.
type NodeRenamer interface {
	RenameNode(ctx context.Context, current, newID int) error
}

// CommandRecord describes one handled request.
type CommandRecord struct {
	RequestID string
	SessionID string
	Remote    string
	Command   string
	Args      json.RawMessage
	Status    string
	Message   string
	Err       error
	Started   time.Time
	Duration  time.Duration
}

// CommandObserver is notified after every request. Implementations must
// not block for long; they run on the requesting session's goroutine.
type CommandObserver interface {
	CommandHandled(rec CommandRecord)
}

// subscriber is the session state a command can change.
type subscriber interface {
	SetSubscribed(on bool)
}

// DispatcherConfig holds command settings.
type DispatcherConfig struct {
	// Stepper addresses the stepper controller. MaxSteps defaults to the
	// encoder resolution.
	Stepper motion.StepperConfig

	// ResetTimeout bounds the reset_position SDO exchange. Default: 1s.
	ResetTimeout time.Duration
}

// Dispatcher maps requests to registry mutations and bus commands.
//
// Thread Safety: Handle is safe for concurrent use. Bus transactions are
// serialized by the MotionExecutor, not here.
type Dispatcher struct {
	cfg       DispatcherConfig
	registry  EncoderRegistry
	motion    MotionExecutor
	renamer   NodeRenamer
	observers []CommandObserver
	logger    Logger

	now    func() time.Time
	pulses sync.WaitGroup

	// renaming holds the node ids of change_id requests in progress.
	renameMu sync.Mutex
	renaming map[int]struct{}
}

// NewDispatcher creates a dispatcher. renamer may be nil, in which case
// change_id reports ErrUnavailable.
func NewDispatcher(cfg DispatcherConfig, registry EncoderRegistry, exec MotionExecutor,
	renamer NodeRenamer, logger Logger) *Dispatcher {
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = motion.DefaultTimeout
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		motion:   exec,
		renamer:  renamer,
		logger:   logger,
		now:      time.Now,
		renaming: make(map[int]struct{}),
	}
}

// AddObserver registers a command observer. Call before serving.
func (d *Dispatcher) AddObserver(o CommandObserver) {
	if o != nil {
		d.observers = append(d.observers, o)
	}
}

// Handle runs one request and returns its response. Failures of any kind
// become error responses; Handle never panics on client input.
func (d *Dispatcher) Handle(ctx context.Context, sub subscriber, req Request) Response {
	started := d.now()

	msg, err := d.run(ctx, sub, req)

	resp := Response{Status: StatusSuccess, Message: msg}
	if err != nil {
		resp = Response{Status: StatusError, Message: err.Error()}
	}

	rec := CommandRecord{
		RequestID: uuid.NewString(),
		Command:   req.Type,
		Args:      req.Args,
		Status:    resp.Status,
		Message:   resp.Message,
		Err:       err,
		Started:   started,
		Duration:  d.now().Sub(started),
	}
	if s, ok := sub.(*session); ok {
		rec.SessionID = s.id
		rec.Remote = s.remote
	}

	if err != nil {
		d.logger.Warn("command failed", "request_id", rec.RequestID, "command", req.Type, "error", err)
	} else {
		d.logger.Debug("command handled", "request_id", rec.RequestID, "command", req.Type, "duration", rec.Duration)
	}
	for _, o := range d.observers {
		o.CommandHandled(rec)
	}
	return resp
}

func (d *Dispatcher) run(ctx context.Context, sub subscriber, req Request) (string, error) {
	switch req.Type {
	case CmdShowEncoder:
		sub.SetSubscribed(true)
		return "monitoring started", nil
	case CmdStopMonitoring:
		sub.SetSubscribed(false)
		return "monitoring stopped", nil
	case CmdChangeID:
		return d.changeID(ctx, req.Args)
	case CmdResetPosition:
		return d.resetPosition(ctx, req.Args)
	case CmdStepMotor:
		return d.stepMotor(ctx, req.Args)
	case CmdDCMotor:
		return d.dcMotor(ctx, req.Args)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, req.Type)
	}
}

// changeID renames the device first and updates the registry only after
// the device confirmed the new address.
func (d *Dispatcher) changeID(ctx context.Context, raw json.RawMessage) (string, error) {
	var args changeIDArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	current, err := required("current_id", args.CurrentID)
	if err != nil {
		return "", err
	}
	newID, err := required("new_id", args.NewID)
	if err != nil {
		return "", err
	}

	if !encoder.ValidNode(newID) {
		return "", fmt.Errorf("%w: new_id must be within %d..%d, got %d",
			ErrValidation, encoder.MinNodeID, encoder.MaxNodeID, newID)
	}
	if newID == current {
		return "", fmt.Errorf("%w: new_id equals current_id %d", ErrValidation, current)
	}
	if d.renamer == nil {
		return "", fmt.Errorf("%w: node rename", ErrUnavailable)
	}

	release, ok := d.claimRename(current, newID)
	if !ok {
		return "", fmt.Errorf("%w: a rename involving node %d or %d is in progress",
			ErrValidation, current, newID)
	}
	defer release()

	if !d.registry.IsTracked(current) {
		return "", fmt.Errorf("%w: node %d is not tracked", ErrValidation, current)
	}
	if d.registry.IsTracked(newID) {
		return "", fmt.Errorf("%w: node %d is already tracked", ErrValidation, newID)
	}

	if err := d.renamer.RenameNode(ctx, current, newID); err != nil {
		return "", fmt.Errorf("rename node %d to %d: %w", current, newID, err)
	}
	d.registry.Rename(current, newID)

	return fmt.Sprintf("node id changed from %d to %d", current, newID), nil
}

// claimRename reserves ids for one change_id request. It fails if any of
// them belongs to a rename still in progress.
func (d *Dispatcher) claimRename(ids ...int) (release func(), ok bool) {
	d.renameMu.Lock()
	defer d.renameMu.Unlock()
	for _, id := range ids {
		if _, busy := d.renaming[id]; busy {
			return nil, false
		}
	}
	for _, id := range ids {
		d.renaming[id] = struct{}{}
	}
	return func() {
		d.renameMu.Lock()
		defer d.renameMu.Unlock()
		for _, id := range ids {
			delete(d.renaming, id)
		}
	}, true
}

// resetPosition zeroes the tracker only after the encoder acknowledged.
func (d *Dispatcher) resetPosition(ctx context.Context, raw json.RawMessage) (string, error) {
	var args resetArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	node, err := required("node_id", args.NodeID)
	if err != nil {
		return "", err
	}
	if !d.registry.IsTracked(node) {
		return "", fmt.Errorf("%w: node %d is not tracked", ErrValidation, node)
	}

	if err := d.motion.ResetEncoder(ctx, node, d.cfg.ResetTimeout); err != nil {
		return "", fmt.Errorf("reset encoder %d: %w", node, err)
	}
	if err := d.registry.Reset(node); err != nil {
		return "", err
	}
	return fmt.Sprintf("encoder %d position reset", node), nil
}

func (d *Dispatcher) stepMotor(ctx context.Context, raw json.RawMessage) (string, error) {
	var args stepArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	var cmd motion.StepCommand
	var err error
	if cmd.Power, err = required("power", args.Power); err != nil {
		return "", err
	}
	if cmd.Direction, err = required("direction", args.Direction); err != nil {
		return "", err
	}
	if cmd.Steps, err = required("steps", args.Steps); err != nil {
		return "", err
	}

	cfg := d.cfg.Stepper
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = d.registry.Params().Resolution
	}

	if err := d.motion.Step(ctx, cfg, cmd); err != nil {
		if errors.Is(err, motion.ErrInvalidStep) {
			return "", fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return "", fmt.Errorf("step motor: %w", err)
	}
	return "stepper command executed", nil
}

func (d *Dispatcher) dcMotor(ctx context.Context, raw json.RawMessage) (string, error) {
	var args dcArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	var cmd motion.DCCommand
	var err error
	if cmd.MotorID, err = required("motor_id", args.MotorID); err != nil {
		return "", err
	}
	if cmd.Power, err = required("power_state", args.PowerState); err != nil {
		return "", err
	}
	if cmd.Direction, err = required("direction", args.Direction); err != nil {
		return "", err
	}
	if args.DurationMS < 0 {
		return "", fmt.Errorf("%w: duration_ms must not be negative", ErrValidation)
	}

	if err := d.motion.DriveDC(ctx, cmd); err != nil {
		if errors.Is(err, motion.ErrInvalidMotorID) || errors.Is(err, motion.ErrInvalidDC) {
			return "", fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return "", fmt.Errorf("dc motor: %w", err)
	}

	if args.DurationMS > 0 && cmd.Power != 0 {
		d.schedulePulseStop(cmd, time.Duration(args.DurationMS)*time.Millisecond)
		return fmt.Sprintf("dc motor command sent, stopping after %d ms", args.DurationMS), nil
	}
	return "dc motor command sent", nil
}

// schedulePulseStop switches the motor off after d without holding the
// requesting session.
func (d *Dispatcher) schedulePulseStop(cmd motion.DCCommand, after time.Duration) {
	d.pulses.Add(1)
	time.AfterFunc(after, func() {
		defer d.pulses.Done()
		ctx, cancel := context.WithTimeout(context.Background(), dcStopTimeout)
		defer cancel()
		if err := d.motion.DriveDC(ctx, cmd.Stop()); err != nil {
			d.logger.Error("dc motor pulse stop failed", "motor_id", cmd.MotorID, "error", err)
		}
	})
}

// WaitPulses blocks until every scheduled DC stop frame has been sent.
func (d *Dispatcher) WaitPulses() {
	d.pulses.Wait()
}
