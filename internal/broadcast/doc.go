// Package broadcast is the realtime layer: a hub actor that owns room membership and
// fans events out, one writer goroutine per connection, and a session per connection
// that authenticates the handshake and hands inbound intents to the application.
//
// Delivery is at most once. A client that misses events resynchronises by joining
// or syncing its queue rooms again, which always pushes a full queue-updated view.
package broadcast
