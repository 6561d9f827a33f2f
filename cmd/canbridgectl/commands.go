package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/canbridge/internal/server"
)

// command maps a CLI verb to a protocol request.
type command struct {
	name   string
	usage  string
	help   string
	params []string // names of the integer arguments, in order
	// optional is the number of trailing params that may be omitted.
	optional int
	build    func(vals []int) server.Request
}

var commands = []command{
	{
		name: "show", usage: "show",
		help:  "subscribe to encoder pushes (see watch)",
		build: func([]int) server.Request { return server.Request{Type: server.CmdShowEncoder} },
	},
	{
		name: "stop", usage: "stop",
		help:  "unsubscribe from encoder pushes",
		build: func([]int) server.Request { return server.Request{Type: server.CmdStopMonitoring} },
	},
	{
		name: "change-id", usage: "change-id <current_id> <new_id>",
		help:   "rename an encoder node (1-127)",
		params: []string{"current_id", "new_id"},
		build: func(v []int) server.Request {
			return request(server.CmdChangeID, map[string]int{"current_id": v[0], "new_id": v[1]})
		},
	},
	{
		name: "reset", usage: "reset <node_id>",
		help:   "zero an encoder's position",
		params: []string{"node_id"},
		build: func(v []int) server.Request {
			return request(server.CmdResetPosition, map[string]int{"node_id": v[0]})
		},
	},
	{
		name: "step", usage: "step <power 0|1> <direction 0|1> <steps>",
		help:   "move the stepper motor and wait for its acknowledgement",
		params: []string{"power", "direction", "steps"},
		build: func(v []int) server.Request {
			return request(server.CmdStepMotor, map[string]int{"power": v[0], "direction": v[1], "steps": v[2]})
		},
	},
	{
		name: "dc", usage: "dc <motor_id 2XX|3XX> <power 0|1> <direction 0|1> [duration_ms]",
		help:     "drive a DC motor, optionally stopping it after duration_ms",
		params:   []string{"motor_id", "power_state", "direction", "duration_ms"},
		optional: 1,
		build: func(v []int) server.Request {
			args := map[string]int{"motor_id": v[0], "power_state": v[1], "direction": v[2]}
			if len(v) > 3 && v[3] > 0 {
				args["duration_ms"] = v[3]
			}
			return request(server.CmdDCMotor, args)
		},
	},
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func request(typ string, args map[string]int) server.Request {
	raw, _ := json.Marshal(args) //nolint:errcheck // map[string]int always marshals
	return server.Request{Type: typ, Args: raw}
}

// parseArgs converts positional arguments to integers. Node and motor ids
// are decimal, as typed on the original bench menu.
func (c command) parseArgs(args []string) ([]int, error) {
	required := len(c.params) - c.optional
	if len(args) < required || len(args) > len(c.params) {
		return nil, fmt.Errorf("usage: %s", c.usage)
	}
	vals := make([]int, len(args))
	for i, a := range args {
		n, err := strconv.Atoi(strings.TrimSpace(a))
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not an integer", c.params[i], a)
		}
		vals[i] = n
	}
	return vals, nil
}

// formatReadings renders one push the way the bench monitor does:
//
//	Node 3:    123.45° (Δ   +10.00°) Last: 0.12s | Node 4: ...
func formatReadings(data map[int]server.Reading, now time.Time) string {
	nodes := make([]int, 0, len(data))
	for id := range data {
		nodes = append(nodes, id)
	}
	sort.Ints(nodes)

	parts := make([]string, 0, len(nodes))
	for _, id := range nodes {
		r := data[id]
		age := 0.0
		if r.LastUpdate > 0 {
			age = max(float64(now.UnixNano())/float64(time.Second)-r.LastUpdate, 0)
		}
		parts = append(parts, fmt.Sprintf("Node %d: %9.2f° (Δ%+9.2f°) Last: %.2fs",
			id, r.NormalizedAngle, r.Displacement(), age))
	}
	return strings.Join(parts, " | ")
}
