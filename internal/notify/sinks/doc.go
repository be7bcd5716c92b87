// Package sinks implements notification consumers: structured logging,
// topic publishing and Prometheus counters. Each sink satisfies notify.Sink.
package sinks
