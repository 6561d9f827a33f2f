package canopen

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/canbridge/internal/bridges/canbus"
)

// Transactor runs one request/response exchange at a time on the bus.
// motion.Executor implements it.
type Transactor interface {
	SendAndAwait(ctx context.Context, req canbus.Frame, match func(canbus.Frame) bool,
		release *canbus.Frame, timeout time.Duration) (canbus.Frame, error)
	Send(ctx context.Context, f canbus.Frame) error
}

// Logger interface for optional logging.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// RenamerConfig holds the timing of the rename procedure.
type RenamerConfig struct {
	// SDOTimeout bounds each SDO exchange. Default: 1 second.
	SDOTimeout time.Duration

	// HeartbeatMS is written to 0x1017 before the rename. Default: 1000.
	HeartbeatMS uint16

	// StoreDelay is the wait after "save all parameters". Default: 500ms.
	StoreDelay time.Duration

	// NMTDelay is the wait between NMT start and NMT reset. Default: 200ms.
	NMTDelay time.Duration

	// RebootDelay is the wait for the node to come back. Default: 2s.
	RebootDelay time.Duration

	// TPDOs lists the transmit PDOs (1-based) to re-enable on the new id.
	// Default: 1 and 2.
	TPDOs []int
}

// DefaultRenamerConfig returns the timings encoders on the bench need.
func DefaultRenamerConfig() RenamerConfig {
	return RenamerConfig{
		SDOTimeout:  time.Second,
		HeartbeatMS: 1000,
		StoreDelay:  500 * time.Millisecond,
		NMTDelay:    200 * time.Millisecond,
		RebootDelay: 2 * time.Second,
		TPDOs:       []int{1, 2},
	}
}

// Renamer reassigns the node id of an encoder on the bus.
//
// Each step is an independent transaction on the Transactor, so encoder
// commands from other clients can interleave between steps but never
// within one.
type Renamer struct {
	tx     Transactor
	cfg    RenamerConfig
	logger Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRenamer creates a Renamer. Zero fields of cfg take their defaults.
func NewRenamer(tx Transactor, cfg RenamerConfig) *Renamer {
	def := DefaultRenamerConfig()
	if cfg.SDOTimeout <= 0 {
		cfg.SDOTimeout = def.SDOTimeout
	}
	if cfg.HeartbeatMS == 0 {
		cfg.HeartbeatMS = def.HeartbeatMS
	}
	if cfg.StoreDelay <= 0 {
		cfg.StoreDelay = def.StoreDelay
	}
	if cfg.NMTDelay <= 0 {
		cfg.NMTDelay = def.NMTDelay
	}
	if cfg.RebootDelay <= 0 {
		cfg.RebootDelay = def.RebootDelay
	}
	if len(cfg.TPDOs) == 0 {
		cfg.TPDOs = def.TPDOs
	}
	return &Renamer{tx: tx, cfg: cfg, logger: noopLogger{}, sleep: sleepCtx}
}

// SetLogger sets the logger.
func (r *Renamer) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// RenameNode moves the encoder at current to newID.
//
// Sequence:
//  1. heartbeat time (0x1017) on the current id
//  2. node id (0x3001) set to newID
//  3. save all parameters (0x1010:01), then wait StoreDelay
//  4. NMT start, wait NMTDelay, NMT reset node, wait RebootDelay
//  5. NMT start on newID
//  6. clear the invalid bit of each configured TPDO COB-ID on newID
//
// The node keeps its old id if any of steps 1-3 fails. A failure after
// the reset leaves the node on newID with some TPDOs possibly disabled.
func (r *Renamer) RenameNode(ctx context.Context, current, newID int) error {
	if !ValidNode(current) {
		return fmt.Errorf("%w: %d", ErrInvalidNode, current)
	}
	if !ValidNode(newID) {
		return fmt.Errorf("%w: %d", ErrInvalidNode, newID)
	}

	r.logger.Info("renaming node", "from", current, "to", newID)

	if err := r.download(ctx, current, IndexHeartbeatTime, 0, uint32(r.cfg.HeartbeatMS), 2); err != nil {
		return fmt.Errorf("set heartbeat: %w", err)
	}
	if err := r.download(ctx, current, IndexNodeID, 0, uint32(newID), 1); err != nil {
		return fmt.Errorf("set node id: %w", err)
	}
	if err := r.download(ctx, current, IndexStoreParameters, SubStoreAll, StoreSignature, 4); err != nil {
		return fmt.Errorf("store parameters: %w", err)
	}
	if err := r.sleep(ctx, r.cfg.StoreDelay); err != nil {
		return err
	}

	if err := r.tx.Send(ctx, NMTFrame(NMTStart, current)); err != nil {
		return fmt.Errorf("nmt start: %w", err)
	}
	if err := r.sleep(ctx, r.cfg.NMTDelay); err != nil {
		return err
	}
	if err := r.tx.Send(ctx, NMTFrame(NMTResetNode, current)); err != nil {
		return fmt.Errorf("nmt reset: %w", err)
	}
	if err := r.sleep(ctx, r.cfg.RebootDelay); err != nil {
		return err
	}
	if err := r.tx.Send(ctx, NMTFrame(NMTStart, newID)); err != nil {
		return fmt.Errorf("nmt start new id: %w", err)
	}

	for _, pdo := range r.cfg.TPDOs {
		if err := r.enableTPDO(ctx, newID, pdo); err != nil {
			return fmt.Errorf("enable tpdo%d: %w", pdo, err)
		}
	}

	r.logger.Info("node renamed", "from", current, "to", newID)
	return nil
}

// enableTPDO clears the invalid bit of a TPDO COB-ID if it is set.
func (r *Renamer) enableTPDO(ctx context.Context, node, pdo int) error {
	index := uint16(IndexTPDOComm + pdo - 1)

	cobID, err := r.upload(ctx, node, index, SubCOBID)
	if err != nil {
		return err
	}
	if cobID&PDOInvalidBit == 0 {
		return nil
	}
	return r.download(ctx, node, index, SubCOBID, cobID&^PDOInvalidBit, 4)
}

func (r *Renamer) download(ctx context.Context, node int, index uint16, sub uint8, value uint32, size int) error {
	req, err := Download(node, index, sub, value, size)
	if err != nil {
		return err
	}
	resp, err := r.tx.SendAndAwait(ctx, req, IsResponse(node, index, sub), nil, r.cfg.SDOTimeout)
	if err != nil {
		return err
	}
	return CheckDownload(node, index, sub, resp)
}

func (r *Renamer) upload(ctx context.Context, node int, index uint16, sub uint8) (uint32, error) {
	req, err := Upload(node, index, sub)
	if err != nil {
		return 0, err
	}
	resp, err := r.tx.SendAndAwait(ctx, req, IsResponse(node, index, sub), nil, r.cfg.SDOTimeout)
	if err != nil {
		return 0, err
	}
	return ParseUpload(node, index, sub, resp)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
