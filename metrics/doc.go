// Package metrics exports engine, mail and HTTP counters through a
// Prometheus registry.
package metrics
