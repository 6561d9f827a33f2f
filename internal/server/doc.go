// Package server implements the client command protocol of the bridge.
//
// Clients connect over TCP (or WebSocket) and exchange JSON objects:
//
//	-> {"type": "step_motor", "args": {"power": 1, "direction": 0, "steps": 256}}
//	<- {"status": "success", "message": "stepper command executed"}
//
// After show_encoder a client also receives a push every 100ms:
//
//	<- {"type": "encoder_data", "data": {"3": [norm, circles, abs, ref, t, dir]}}
//
// # Architecture
//
//	client ──► session reader ──► Dispatcher ──► encoder.Registry
//	   ▲                              │        ──► motion.Executor ──► CAN bus
//	   │                              │        ──► canopen.Renamer
//	   └── session writer ◄── queue ◄─┘
//	                          ▲
//	       broadcaster ───────┘  (Registry.Snapshot every tick)
//
// Each session has one reader goroutine and one writer goroutine. Bus
// transactions run on the reader goroutine, so a slow command only delays
// its own client. The broadcaster never blocks: a session whose queue is
// full is disconnected.
package server
