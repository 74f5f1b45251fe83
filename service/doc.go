// Package service defines the Service collection shared by the engine and the front-end.
//
// The engine binds the collection to an Outputs implementation (the media engine) and a SignalQueue. Output state
// changes are pushed to the queue as SignalEvents, and the front-end drains it by calling Query on a fixed interval,
// since the transport has no server-initiated messages.
//
// A Query result is either [Ok] when nothing is pending, or [Ok, outputType, signal, code, errorMessage].
package service
