package testutil

import "go.uber.org/goleak"

// GoleakOptions are passed to every TestMain goleak verification.
var GoleakOptions = []goleak.Option{
	// Transport keepalive goroutines wind down asynchronously after
	// CloseIdleConnections.
	goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
}
