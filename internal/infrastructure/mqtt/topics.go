package mqtt

import (
	"fmt"
	"strconv"
)

// TopicPrefix is the root of every topic the bridge publishes.
const TopicPrefix = "canbridge"

// Topics builds the bridge's topic names.
//
//	canbridge/status                 retained online/offline (LWT)
//	canbridge/health                 retained bus and server counters
//	canbridge/encoder/{node}/state   retained encoder reading per node
//	canbridge/command/{type}/result  one message per dispatched command
//
// The zero value uses TopicPrefix. Instance is inserted after the prefix
// so several bridges can share one broker.
type Topics struct {
	Instance string
}

func (t Topics) root() string {
	if t.Instance == "" {
		return TopicPrefix
	}
	return TopicPrefix + "/" + t.Instance
}

// Status returns the bridge status topic carrying the LWT.
//
// Example: canbridge/status
func (t Topics) Status() string {
	return t.root() + "/status"
}

// Health returns the bridge health topic.
//
// Example: canbridge/health
func (t Topics) Health() string {
	return t.root() + "/health"
}

// EncoderState returns the state topic for one encoder node.
//
// Example: canbridge/encoder/3/state
func (t Topics) EncoderState(node int) string {
	return fmt.Sprintf("%s/encoder/%s/state", t.root(), strconv.Itoa(node))
}

// CommandResult returns the result topic for a command type.
//
// Example: canbridge/command/step_motor/result
func (t Topics) CommandResult(command string) string {
	return fmt.Sprintf("%s/command/%s/result", t.root(), command)
}

// AllEncoderStates returns a pattern matching every encoder state topic.
//
// Pattern: canbridge/encoder/+/state
func (t Topics) AllEncoderStates() string {
	return t.root() + "/encoder/+/state"
}
