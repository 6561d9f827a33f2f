package process

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"

	"github.com/nerrad567/canbridge/internal/infrastructure/config"
)

// slcandSpeedCodes maps bus bitrates to slcand's -s codes.
var slcandSpeedCodes = map[int]int{
	10000:   0,
	20000:   1,
	50000:   2,
	100000:  3,
	125000:  4,
	250000:  5,
	500000:  6,
	800000:  7,
	1000000: 8,
}

// SLCANDSpeedCode returns the -s code for a bitrate.
func SLCANDSpeedCode(bitrate int) (int, error) {
	code, ok := slcandSpeedCodes[bitrate]
	if !ok {
		return 0, fmt.Errorf("process: slcand has no speed code for %d bit/s", bitrate)
	}
	return code, nil
}

// SLCANDArgs builds the slcand command line: open the adapter at the
// configured bitrate, close it on exit, and stay in the foreground so the
// supervisor owns the process.
func SLCANDArgs(can config.CANConfig) ([]string, error) {
	code, err := SLCANDSpeedCode(can.Bitrate)
	if err != nil {
		return nil, err
	}
	args := []string{"-o", "-c", "-F", fmt.Sprintf("-s%d", code)}
	if can.SerialBaud > 0 {
		args = append(args, "-S", fmt.Sprint(can.SerialBaud))
	}
	return append(args, can.SerialPort, can.Channel), nil
}

// NewSLCAND returns a supervisor for slcand attaching can.SerialPort as
// the SocketCAN interface can.Channel.
//
// After each start the interface is brought up with "ip link set <ch> up".
// While running, the interface must stay present and up; three failed
// checks restart slcand.
func NewSLCAND(can config.CANConfig) (*Manager, error) {
	args, err := SLCANDArgs(can)
	if err != nil {
		return nil, err
	}

	return NewManager(Config{
		Name:               "slcand",
		Binary:             can.SLCAND.Binary,
		Args:               args,
		RestartOnFailure:   can.SLCAND.RestartOnFailure,
		RestartDelay:       time.Duration(can.SLCAND.RestartDelaySeconds) * time.Second,
		MaxRestartAttempts: can.SLCAND.MaxRestartAttempts,
		PostStart: func(ctx context.Context) error {
			return linkUp(ctx, can.Channel)
		},
		HealthCheck: func(context.Context) error {
			return InterfaceUp(can.Channel)
		},
	}), nil
}

// interfaceWait bounds how long slcand may take to create the interface.
const interfaceWait = 3 * time.Second

// linkUp waits for the interface to appear, then sets it up.
func linkUp(ctx context.Context, channel string) error {
	deadline := time.Now().Add(interfaceWait)
	for {
		if _, err := net.InterfaceByName(channel); err == nil {
			break
		} else if time.Now().After(deadline) {
			return fmt.Errorf("interface %s did not appear: %w", channel, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	out, err := exec.CommandContext(ctx, "ip", "link", "set", "dev", channel, "up").CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip link set %s up: %w: %s", channel, err, out)
	}
	return nil
}

// InterfaceUp reports an error unless the network interface exists and
// is administratively up.
func InterfaceUp(channel string) error {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return fmt.Errorf("interface %s: %w", channel, err)
	}
	if iface.Flags&net.FlagUp == 0 {
		return fmt.Errorf("interface %s is down", channel)
	}
	return nil
}
