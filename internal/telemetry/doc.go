// Package telemetry ships state changes to InfluxDB. Numeric statuses and
// numeric attributes become fields on a state measurement; writes are
// batched and non-blocking so a slow time-series backend never stalls
// event delivery.
package telemetry
