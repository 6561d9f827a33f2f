// Package mqtt publishes bridge telemetry to an MQTT broker.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Retained online/offline status with a Last Will and Testament
//   - Publishing with QoS guarantees and payload size limits
//
// The bridge only publishes. Encoder readings, command results and health
// counters are formatted by the telemetry package; this package owns the
// connection and the topic layout (see Topics).
//
// # Security Considerations
//
//   - TLS should be enabled for brokers outside the bench (cfg.Broker.TLS=true)
//   - Credentials should come from CANBRIDGE_MQTT_USERNAME/PASSWORD
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Topics{})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(client.Topics().EncoderState(3), reading, true)
package mqtt
