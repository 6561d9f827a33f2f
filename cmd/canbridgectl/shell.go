package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/nerrad567/canbridge/internal/server"
)

// defaultShellWatch is how long "watch" runs inside the shell without an
// explicit duration.
const defaultShellWatch = 10 * time.Second

// runShell starts an interactive session on an open connection. Missing
// command arguments are prompted for.
func runShell(ctx context.Context, c *Client, addr string, timeout time.Duration) error {
	shell := ishell.New()
	shell.Println("canbridge bench shell, connected to " + addr)
	shell.Println("type help for commands, exit to quit")
	shell.ShowPrompt(true)

	for _, cmd := range commands {
		shell.AddCmd(&ishell.Cmd{
			Name: cmd.name,
			Help: cmd.usage,
			Func: func(sc *ishell.Context) {
				args := promptMissing(sc, cmd, sc.Args)
				vals, err := cmd.parseArgs(args)
				if err != nil {
					sc.Err(err)
					return
				}

				reqCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				resp, err := c.Do(reqCtx, cmd.build(vals))
				if err != nil {
					sc.Err(err)
					return
				}
				sc.Printf("%s: %s\n", resp.Status, resp.Message)
			},
		})
	}

	shell.AddCmd(&ishell.Cmd{
		Name: "watch",
		Help: "watch [seconds]: print encoder positions",
		Func: func(sc *ishell.Context) {
			d := defaultShellWatch
			if len(sc.Args) > 0 {
				secs, err := strconv.Atoi(sc.Args[0])
				if err != nil || secs <= 0 {
					sc.Err(fmt.Errorf("seconds must be a positive integer, got %q", sc.Args[0]))
					return
				}
				d = time.Duration(secs) * time.Second
			}
			if err := shellWatch(ctx, sc, c, timeout, d); err != nil {
				sc.Err(err)
			}
		},
	})

	shell.Start()
	return nil
}

// promptMissing asks for each required argument that was not given.
func promptMissing(sc *ishell.Context, cmd command, args []string) []string {
	required := len(cmd.params) - cmd.optional
	if len(args) >= required {
		return args
	}

	sc.ShowPrompt(false)
	defer sc.ShowPrompt(true)

	out := append([]string(nil), args...)
	for _, name := range cmd.params[len(args):required] {
		sc.Print(name + ": ")
		out = append(out, strings.TrimSpace(sc.ReadLine()))
	}
	return out
}

func shellWatch(ctx context.Context, sc *ishell.Context, c *Client, timeout, d time.Duration) error {
	if err := subscribe(ctx, c, timeout, server.CmdShowEncoder); err != nil {
		return err
	}
	defer subscribe(context.Background(), c, time.Second, server.CmdStopMonitoring) //nolint:errcheck // best effort

	// Discard pushes queued before this watch.
	for len(c.Readings()) > 0 {
		<-c.Readings()
	}

	deadline := time.After(d)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			sc.Println()
			return nil
		case <-c.Done():
			return c.Err()
		case b := <-c.Readings():
			sc.Print("\r" + formatReadings(b.Data, time.Now()))
		}
	}
}
