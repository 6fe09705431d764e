// Package influxdb keeps Sparkplug session history in InfluxDB 2.x.
//
// Client is a sparkplug.EventSink with two measurements:
//
//	sparkplug_lifecycle  births, deaths, online/offline, rebirth requests,
//	                     host STATE and errors; tagged session, role, event,
//	                     kind and peer
//	sparkplug_metrics    DATA values a host received; tagged group, node,
//	                     device, one field per metric
//
// Points go through the client library's batching writer (batch_size,
// flush_interval), so HandleEvent returns immediately. Batch failures are
// reported to the SetOnError callback.
package influxdb
