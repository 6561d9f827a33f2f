// Package telemetry exports bridge state to the optional MQTT and
// InfluxDB backends.
//
// Two loops are provided:
//
//   - MQTTPublisher publishes a retained state message per encoder node
//     whenever its reading changes, a retained health message every tick
//     (bus, encoder, session and audit counters), and one message per
//     dispatched command on canbridge/command/{type}/result.
//   - InfluxSampler writes an "encoder" point per node and a "can_bus"
//     point every tick, and a "command" point per dispatched command.
//
// Both implement server.CommandObserver. Neither ever blocks a client
// session: MQTT command results are queued and published from Run, and
// InfluxDB writes are batched asynchronously by the client library.
//
// Readings are presented the way the broadcast presents them: a node
// silent for longer than the stale window reports zero displacement and
// no direction. The registry itself is never modified.
package telemetry
