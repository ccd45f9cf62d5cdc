// Package server implements the relay's WebSocket and HTTP surface.
//
// A Hub owns every connection and runs a single event loop. Clients send
// JSON frames; the Router maps "message" to "client::listen::updates" and
// "subscribe" to "joined", and the hub delivers the renamed event to every
// other connection. When a fanout.Channel is configured the hub also publishes
// each broadcast for other processes and delivers theirs locally.
//
// The implementation is organized into specialized files for configuration, hub
// management, clients, routing, and HTTP handlers.
package server
