// Package network broadcasts array change events over ZeroMQ.
// This package implements:
// - Notifier: PUB socket publishing write, evolution, and consolidation events
// - Subscriber: SUB socket delivering events to a channel
package network
