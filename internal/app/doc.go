// Package app owns the service lifecycle: it runs the price router, the
// upstream sources and the health reporter, and shuts them down in order.
package app
