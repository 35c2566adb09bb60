package serve

import "errors"

var (
	ErrAlreadyStarted = errors.New("supervisor already started")
	// ErrHeartbeatLost is returned once the configured number of consecutive heartbeats have failed.
	ErrHeartbeatLost = errors.New("lost heartbeat with remote session")
	// ErrNoSession is returned when the first child exits without ever reporting a session ID.
	ErrNoSession = errors.New("serve process exited without reporting a session")
	// ErrSessionGone is returned when the remote side ends the session.
	ErrSessionGone = errors.New("remote session ended")
)
