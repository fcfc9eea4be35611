// Package server exposes the websocket speech endpoint and the HTTP
// monitoring API. Each websocket connection is served by its own goroutine
// that owns one stream.Session for the lifetime of the connection.
package server
