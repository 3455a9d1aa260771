// Package broadcast fans price ticks out to WebSocket clients.
//
// The Registry tracks live connections and the symbol rooms they joined. The
// Router consumes the bus, looks up the room for each tick and pushes the
// encoded update onto every member's outbound channel without blocking. One
// writer goroutine per connection drains that channel onto the socket and
// keeps the connection alive with pings.
package broadcast
