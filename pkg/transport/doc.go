// Package transport defines the contract every radio driver implements for
// the mesh engine, plus the reconnect policy drivers share.
//
// Key concepts:
// - Handler: one radio technology; runs a central (scan/connect) and a
//   peripheral (advertise/accept) role independently
// - Device: a peer as a handler sees it; equality is by UUID only
// - Event: what a handler reports (discovery, connect, disconnect, data,
//   nearby set, availability), delivered in order through a Sink
// - Retrier: bounded per-device reconnect counter with capped backoff
package transport
