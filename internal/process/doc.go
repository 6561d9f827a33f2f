// Package process supervises helper daemons the bridge depends on.
//
// The bridge uses it to run slcand, which attaches a serial SLCAN adapter
// as a SocketCAN interface when can.slcand.managed is set. Manager itself
// is generic:
//   - Run blocks until its context ends, then stops the process group
//     with SIGTERM and, after GracefulTimeout, SIGKILL
//   - Unexpected exits restart with exponential backoff; a run lasting
//     StableThreshold resets the backoff
//   - An optional health check kills a process that stops serving
//   - stdout/stderr are logged line by line at debug level
//
// Example usage:
//
//	mgr, err := process.NewSLCAND(cfg.CAN)
//	if err != nil {
//	    return err
//	}
//	mgr.SetLogger(logger.With("component", "slcand"))
//	g.Go(func() error { return mgr.Run(ctx) })
package process
