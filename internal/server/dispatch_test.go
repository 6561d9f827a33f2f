package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/canbridge/internal/bridges/canbus"
	"github.com/nerrad567/canbridge/internal/encoder"
	"github.com/nerrad567/canbridge/internal/motion"
)

// fakeMotion records motion calls.
type fakeMotion struct {
	mu       sync.Mutex
	steps    []motion.StepCommand
	dc       []motion.DCCommand
	resets   []int
	stepErr  error
	resetErr error
}

func (f *fakeMotion) Step(_ context.Context, cfg motion.StepperConfig, cmd motion.StepCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := cmd.Validate(cfg.MaxSteps); err != nil {
		return err
	}
	f.steps = append(f.steps, cmd)
	return f.stepErr
}

func (f *fakeMotion) DriveDC(_ context.Context, cmd motion.DCCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dc = append(f.dc, cmd)
	return nil
}

func (f *fakeMotion) ResetEncoder(_ context.Context, node int, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, node)
	return f.resetErr
}

// fakeRenamer records rename calls. When hold is set, each call signals
// entered and blocks until hold is closed.
type fakeRenamer struct {
	mu      sync.Mutex
	calls   [][2]int
	err     error
	entered chan struct{}
	hold    chan struct{}
}

func (f *fakeRenamer) RenameNode(_ context.Context, current, newID int) error {
	f.mu.Lock()
	f.calls = append(f.calls, [2]int{current, newID})
	f.mu.Unlock()
	if f.hold != nil {
		f.entered <- struct{}{}
		<-f.hold
	}
	return f.err
}

// recordingBus is a motion.Bus that records sends and never acknowledges.
type recordingBus struct {
	mu   sync.Mutex
	sent []canbus.Frame
}

func (b *recordingBus) Send(_ context.Context, f canbus.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, f)
	return nil
}

func (b *recordingBus) Tap(int) (<-chan canbus.Frame, func()) {
	return make(chan canbus.Frame), func() {}
}

func (b *recordingBus) frames() []canbus.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]canbus.Frame(nil), b.sent...)
}

type fakeSubscriber struct{ on bool }

func (f *fakeSubscriber) SetSubscribed(on bool) { f.on = on }

type observerFunc func(CommandRecord)

func (fn observerFunc) CommandHandled(rec CommandRecord) { fn(rec) }

func newRegistry(t *testing.T, nodes ...int) *encoder.Registry {
	t.Helper()
	r, err := encoder.NewRegistry(encoder.DefaultParams(), nodes)
	require.NoError(t, err)
	return r
}

func request(t *testing.T, typ string, args any) Request {
	t.Helper()
	req := Request{Type: typ}
	if args != nil {
		raw, err := json.Marshal(args)
		require.NoError(t, err)
		req.Args = raw
	}
	return req
}

func TestShowAndStopMonitoring(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, newRegistry(t, 3), &fakeMotion{}, nil, nil)
	sub := &fakeSubscriber{}

	resp := d.Handle(context.Background(), sub, Request{Type: CmdShowEncoder})
	assert.True(t, resp.OK())
	assert.True(t, sub.on)

	resp = d.Handle(context.Background(), sub, Request{Type: CmdStopMonitoring})
	assert.True(t, resp.OK())
	assert.False(t, sub.on)
}

func TestUnknownCommand(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, newRegistry(t, 3), &fakeMotion{}, nil, nil)

	resp := d.Handle(context.Background(), &fakeSubscriber{}, Request{Type: "launch_rocket"})
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "unknown command")
}

func TestChangeIDSameIDSkipsRenamer(t *testing.T) {
	reg := newRegistry(t, 5)
	renamer := &fakeRenamer{}
	d := NewDispatcher(DispatcherConfig{}, reg, &fakeMotion{}, renamer, nil)

	resp := d.Handle(context.Background(), &fakeSubscriber{},
		request(t, CmdChangeID, map[string]int{"current_id": 5, "new_id": 5}))
	assert.Equal(t, StatusError, resp.Status)
	assert.Empty(t, renamer.calls)
	assert.Equal(t, []int{5}, reg.Nodes())
}

func TestChangeIDValidation(t *testing.T) {
	tests := []struct {
		name string
		args map[string]int
		want string
	}{
		{"new id too large", map[string]int{"current_id": 3, "new_id": 128}, "new_id must be within"},
		{"new id zero", map[string]int{"current_id": 3, "new_id": 0}, "new_id must be within"},
		{"current not tracked", map[string]int{"current_id": 9, "new_id": 10}, "not tracked"},
		{"new already tracked", map[string]int{"current_id": 3, "new_id": 4}, "already tracked"},
		{"missing new id", map[string]int{"current_id": 3}, "new_id is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			renamer := &fakeRenamer{}
			d := NewDispatcher(DispatcherConfig{}, newRegistry(t, 3, 4), &fakeMotion{}, renamer, nil)

			resp := d.Handle(context.Background(), &fakeSubscriber{}, request(t, CmdChangeID, tt.args))
			assert.Equal(t, StatusError, resp.Status)
			assert.Contains(t, resp.Message, tt.want)
			assert.Empty(t, renamer.calls)
		})
	}
}

func TestChangeIDRenamesAfterDeviceConfirms(t *testing.T) {
	reg := newRegistry(t, 3, 4)
	renamer := &fakeRenamer{}
	d := NewDispatcher(DispatcherConfig{}, reg, &fakeMotion{}, renamer, nil)

	resp := d.Handle(context.Background(), &fakeSubscriber{},
		request(t, CmdChangeID, map[string]int{"current_id": 3, "new_id": 10}))
	require.True(t, resp.OK(), resp.Message)

	assert.Equal(t, [][2]int{{3, 10}}, renamer.calls)
	assert.Equal(t, []int{4, 10}, reg.Nodes())
}

func TestChangeIDRejectsConcurrentRenameOfSameNodes(t *testing.T) {
	reg := newRegistry(t, 3, 5)
	renamer := &fakeRenamer{entered: make(chan struct{}, 1), hold: make(chan struct{})}
	d := NewDispatcher(DispatcherConfig{}, reg, &fakeMotion{}, renamer, nil)

	first := make(chan Response, 1)
	go func() {
		first <- d.Handle(context.Background(), &fakeSubscriber{},
			request(t, CmdChangeID, map[string]int{"current_id": 3, "new_id": 10}))
	}()

	select {
	case <-renamer.entered:
	case <-time.After(time.Second):
		t.Fatal("first rename never reached the device")
	}

	tests := []struct {
		name string
		args map[string]int
	}{
		{"same node", map[string]int{"current_id": 3, "new_id": 11}},
		{"same target", map[string]int{"current_id": 5, "new_id": 10}},
	}
	for _, tt := range tests {
		resp := d.Handle(context.Background(), &fakeSubscriber{}, request(t, CmdChangeID, tt.args))
		assert.Equal(t, StatusError, resp.Status, tt.name)
		assert.Contains(t, resp.Message, "in progress", tt.name)
	}

	close(renamer.hold)
	select {
	case resp := <-first:
		require.True(t, resp.OK(), resp.Message)
	case <-time.After(time.Second):
		t.Fatal("first rename did not finish")
	}

	assert.Equal(t, [][2]int{{3, 10}}, renamer.calls)
	assert.Equal(t, []int{5, 10}, reg.Nodes())

	// The ids are free again once the rename is done.
	renamer.hold = nil
	resp := d.Handle(context.Background(), &fakeSubscriber{},
		request(t, CmdChangeID, map[string]int{"current_id": 10, "new_id": 11}))
	require.True(t, resp.OK(), resp.Message)
}

func TestChangeIDFailureKeepsRegistry(t *testing.T) {
	reg := newRegistry(t, 3)
	renamer := &fakeRenamer{err: errors.New("sdo timeout")}
	d := NewDispatcher(DispatcherConfig{}, reg, &fakeMotion{}, renamer, nil)

	resp := d.Handle(context.Background(), &fakeSubscriber{},
		request(t, CmdChangeID, map[string]int{"current_id": 3, "new_id": 10}))
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "sdo timeout")
	assert.Equal(t, []int{3}, reg.Nodes())
}

func TestChangeIDWithoutRenamer(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, newRegistry(t, 3), &fakeMotion{}, nil, nil)

	resp := d.Handle(context.Background(), &fakeSubscriber{},
		request(t, CmdChangeID, map[string]int{"current_id": 3, "new_id": 10}))
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "unavailable")
}

func TestResetPosition(t *testing.T) {
	reg := newRegistry(t, 3)
	reg.Ingest(3, 100)
	reg.Ingest(3, 150)
	m := &fakeMotion{}
	d := NewDispatcher(DispatcherConfig{}, reg, m, nil, nil)

	resp := d.Handle(context.Background(), &fakeSubscriber{}, request(t, CmdResetPosition, map[string]int{"node_id": 3}))
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, []int{3}, m.resets)

	st, ok := reg.State(3)
	require.True(t, ok)
	assert.Zero(t, st.AbsoluteAngle)
	assert.Zero(t, st.ReferenceAngle)
}

func TestResetPositionTimeoutKeepsState(t *testing.T) {
	reg := newRegistry(t, 3)
	reg.Ingest(3, 100)
	m := &fakeMotion{resetErr: motion.ErrTimeout}
	d := NewDispatcher(DispatcherConfig{}, reg, m, nil, nil)

	resp := d.Handle(context.Background(), &fakeSubscriber{}, request(t, CmdResetPosition, map[string]int{"node_id": 3}))
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "timeout")

	st, _ := reg.State(3)
	assert.InDelta(t, 100.0, st.AbsoluteAngle, 1e-9)
}

func TestResetPositionUntracked(t *testing.T) {
	m := &fakeMotion{}
	d := NewDispatcher(DispatcherConfig{}, newRegistry(t, 3), m, nil, nil)

	resp := d.Handle(context.Background(), &fakeSubscriber{}, request(t, CmdResetPosition, map[string]int{"node_id": 7}))
	assert.Equal(t, StatusError, resp.Status)
	assert.Empty(t, m.resets)
}

func TestStepMotor(t *testing.T) {
	m := &fakeMotion{}
	d := NewDispatcher(DispatcherConfig{}, newRegistry(t, 3), m, nil, nil)

	resp := d.Handle(context.Background(), &fakeSubscriber{},
		request(t, CmdStepMotor, map[string]int{"power": 1, "direction": 0, "steps": 512}))
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, []motion.StepCommand{{Power: 1, Direction: 0, Steps: 512}}, m.steps)

	// Steps are bounded by the encoder resolution.
	resp = d.Handle(context.Background(), &fakeSubscriber{},
		request(t, CmdStepMotor, map[string]int{"power": 1, "direction": 0, "steps": 1025}))
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "invalid request")

	m.stepErr = motion.ErrTimeout
	resp = d.Handle(context.Background(), &fakeSubscriber{},
		request(t, CmdStepMotor, map[string]int{"power": 1, "direction": 1, "steps": 1}))
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "timeout")
}

func TestStepMotorBadArgs(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, newRegistry(t, 3), &fakeMotion{}, nil, nil)

	resp := d.Handle(context.Background(), &fakeSubscriber{},
		Request{Type: CmdStepMotor, Args: json.RawMessage(`{"power":"on","direction":0,"steps":1}`)})
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "invalid request")

	resp = d.Handle(context.Background(), &fakeSubscriber{}, Request{Type: CmdStepMotor})
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "power is required")
}

func TestDCMotorRejectedBeforeSend(t *testing.T) {
	bus := &recordingBus{}
	d := NewDispatcher(DispatcherConfig{}, newRegistry(t, 3), motion.NewExecutor(bus), nil, nil)

	resp := d.Handle(context.Background(), &fakeSubscriber{},
		request(t, CmdDCMotor, map[string]int{"motor_id": 150, "power_state": 1, "direction": 0}))
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "invalid dc motor id")
	assert.Empty(t, bus.frames())
}

func TestDCMotorSend(t *testing.T) {
	bus := &recordingBus{}
	d := NewDispatcher(DispatcherConfig{}, newRegistry(t, 3), motion.NewExecutor(bus), nil, nil)

	resp := d.Handle(context.Background(), &fakeSubscriber{},
		request(t, CmdDCMotor, map[string]int{"motor_id": 215, "power_state": 1, "direction": 1}))
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, []canbus.Frame{canbus.NewFrame(0x215, 1, 1)}, bus.frames())
}

func TestDCMotorPulse(t *testing.T) {
	bus := &recordingBus{}
	d := NewDispatcher(DispatcherConfig{}, newRegistry(t, 3), motion.NewExecutor(bus), nil, nil)

	resp := d.Handle(context.Background(), &fakeSubscriber{},
		request(t, CmdDCMotor, map[string]int{"motor_id": 300, "power_state": 1, "direction": 0, "duration_ms": 20}))
	require.True(t, resp.OK(), resp.Message)

	d.WaitPulses()
	assert.Equal(t, []canbus.Frame{
		canbus.NewFrame(0x300, 1, 0),
		canbus.NewFrame(0x300, 0, 0),
	}, bus.frames())
}

func TestObserverSeesEveryCommand(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, newRegistry(t, 3), &fakeMotion{}, nil, nil)

	var records []CommandRecord
	d.AddObserver(observerFunc(func(rec CommandRecord) { records = append(records, rec) }))

	d.Handle(context.Background(), &fakeSubscriber{}, Request{Type: CmdShowEncoder})
	d.Handle(context.Background(), &fakeSubscriber{}, Request{Type: "bogus"})

	require.Len(t, records, 2)
	assert.Equal(t, CmdShowEncoder, records[0].Command)
	assert.Equal(t, StatusSuccess, records[0].Status)
	assert.NotEmpty(t, records[0].RequestID)
	assert.ErrorIs(t, records[1].Err, ErrUnknownCommand)
	assert.NotEqual(t, records[0].RequestID, records[1].RequestID)
}
