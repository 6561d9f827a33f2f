// Package logging builds the bridge's slog logger.
//
// Output is JSON by default, plain slog text with format "text", or
// colourised console-slog lines with format "console" for bench sessions.
// Every entry carries service and version attributes.
//
// The level is held in a slog.LevelVar shared by all child loggers. The
// daemon calls ToggleDebug on SIGUSR1, which flips between debug and the
// configured level so CAN frame traces can be captured from a running
// bridge:
//
//	kill -USR1 $(pidof canbridge)
//
// Configuration (config.yaml):
//
//	logging:
//	  level: "info"        # debug, info, warn, error
//	  format: "json"       # json, text, console
//	  output: "stdout"     # stdout, stderr
//	  add_source: false    # include file:line in each entry
package logging
