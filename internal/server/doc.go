// Package server implements the HTTP and WebSocket transport for roomchat.
//
// The implementation is organized into specialized files for the hub,
// clients, routing, middleware, origin checks and HTTP handlers. REST
// handlers and WebSocket frames both go through service.Service; events
// reach WebSocket clients through broker sessions for which each Client
// acts as the sink.
package server
