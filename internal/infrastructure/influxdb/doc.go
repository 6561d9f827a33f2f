// Package influxdb records encoder and bus history in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. Three measurements
// are written:
//
//	encoder   tag node;    fields normalized_angle, absolute_angle,
//	                       displacement, full_circles, direction, stale
//	can_bus   tag channel; fields connected, rx_frames, tx_frames,
//	                       dropped, errors, reopens
//	command   tags command, status; field duration_ms
//
// Writes are non-blocking and batched according to batch_size and
// flush_interval. Async write errors are delivered to the SetOnError
// callback; connection errors are returned from Connect.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteEncoderSample(influxdb.EncoderSample{Node: 3, AbsoluteAngle: 390}, time.Now())
package influxdb
