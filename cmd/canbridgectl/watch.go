package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/canbridge/internal/server"
)

// watch subscribes and prints every encoder push until ctx ends or the
// bridge goes away. On exit it unsubscribes.
func watch(ctx context.Context, c *Client, timeout time.Duration, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(out)
	lines := fs.Bool("lines", false, "print each update on its own line")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	if err := subscribe(ctx, c, timeout, server.CmdShowEncoder); err != nil {
		return err
	}
	defer func() {
		// The parent ctx is usually cancelled by now.
		_ = subscribe(context.Background(), c, time.Second, server.CmdStopMonitoring)
	}()

	for {
		select {
		case <-ctx.Done():
			if !*lines {
				fmt.Fprintln(out)
			}
			return nil
		case <-c.Done():
			return c.Err()
		case b := <-c.Readings():
			text := formatReadings(b.Data, time.Now())
			if *lines {
				fmt.Fprintln(out, text)
			} else {
				fmt.Fprint(out, "\r"+text)
			}
		}
	}
}

func subscribe(ctx context.Context, c *Client, timeout time.Duration, typ string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.Do(ctx, server.Request{Type: typ})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return errors.New(resp.Message)
	}
	return nil
}
