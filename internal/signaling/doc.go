// Package signaling is the browser-facing WebSocket transport. Each anonymous
// connection on GET /ws becomes one pairing client; JSON frames are decoded
// into engine calls and engine events are queued back to the socket.
package signaling
