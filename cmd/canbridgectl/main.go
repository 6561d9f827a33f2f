// canbridgectl is the command-line client of the canbridge daemon.
//
// Usage:
//
//	canbridgectl [-addr host:port|ws://host:port/ws] <command> [args]
//
// Commands:
//
//	step <power> <direction> <steps>     move the stepper motor
//	dc <motor_id> <power> <direction> [duration_ms]
//	reset <node_id>                      zero an encoder
//	change-id <current_id> <new_id>      rename an encoder node
//	show | stop                          subscribe / unsubscribe
//	watch                                print encoder positions live
//	shell                                interactive bench shell
//	history [-renames] [-command c]      read the daemon's command log
//	token [-subject s] [-ttl d]          print a status API bearer token
//	db status|migrate|rollback|prune     maintain the command log database
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Version information - set at build time via ldflags
var version = "dev"

const (
	// envAddr overrides the default bridge address.
	envAddr = "CANBRIDGE_ADDR"

	defaultAddr = "127.0.0.1:5000"

	// defaultTimeout covers a node rename, the slowest command (~3s).
	defaultTimeout = 10 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// errUsage is returned after usage has been printed.
var errUsage = errors.New("invalid usage")

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("canbridgectl", flag.ContinueOnError)
	fs.SetOutput(out)
	addr := fs.String("addr", addrFromEnv(), "bridge address (host:port or ws:// URL)")
	timeout := fs.Duration("timeout", defaultTimeout, "connect and response timeout")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *showVersion {
		fmt.Fprintln(out, "canbridgectl", version)
		return nil
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	name, rest := fs.Arg(0), fs.Args()[1:]
	switch name {
	case "history":
		return runHistory(ctx, rest, out)
	case "token":
		return runToken(rest, out)
	case "db":
		return runDB(ctx, rest, out)
	case "watch":
		return withClient(ctx, *addr, *timeout, func(c *Client) error {
			return watch(ctx, c, *timeout, rest, out)
		})
	case "shell":
		return withClient(ctx, *addr, *timeout, func(c *Client) error {
			return runShell(ctx, c, *addr, *timeout)
		})
	}

	cmd, ok := lookupCommand(name)
	if !ok {
		fs.Usage()
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
	vals, err := cmd.parseArgs(rest)
	if err != nil {
		return err
	}

	return withClient(ctx, *addr, *timeout, func(c *Client) error {
		reqCtx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()

		resp, err := c.Do(reqCtx, cmd.build(vals))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s\n", resp.Status, resp.Message)
		if !resp.OK() {
			return fmt.Errorf("%s failed", name)
		}
		return nil
	})
}

func withClient(ctx context.Context, addr string, timeout time.Duration, fn func(*Client) error) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := Dial(dialCtx, addr)
	if err != nil {
		return err
	}
	defer c.Close() //nolint:errcheck // nothing to do on close failure

	return fn(c)
}

func addrFromEnv() string {
	if addr := os.Getenv(envAddr); addr != "" {
		return addr
	}
	return defaultAddr
}

func printUsage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintln(out, "usage: canbridgectl [flags] <command> [args]")
	fmt.Fprintln(out, "\ncommands:")
	for _, c := range commands {
		fmt.Fprintf(out, "  %-62s %s\n", c.usage, c.help)
	}
	fmt.Fprintf(out, "  %-62s %s\n", "watch [-lines]", "print encoder positions until interrupted")
	fmt.Fprintf(out, "  %-62s %s\n", "shell", "interactive bench shell")
	fmt.Fprintf(out, "  %-62s %s\n", "history [-config f] [-renames] [-command c] [-limit n]", "read the command log")
	fmt.Fprintf(out, "  %-62s %s\n", "token [-config f] [-subject s] [-ttl d]", "print a status API bearer token")
	fmt.Fprintf(out, "  %-62s %s\n", "db [-config f] [-keep d] status|migrate|rollback|prune", "maintain the command log database")
	fmt.Fprintln(out, "\nflags:")
	fs.PrintDefaults()
}
