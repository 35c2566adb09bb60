// Package serve supervises a live-reloading serve session.
//
// A Supervisor launches the user's application as a child process attached to a
// remote session, keeps the session alive with heartbeats, streams its logs to the
// console, and restarts the child whenever watched files change. Every restart
// resumes the same remote session, so the session ID handed out by the first
// launch is stable for the lifetime of the Supervisor.
//
// The Supervisor moves through Initializing, Running, Draining and Stopped. It
// always terminates the current child on the way out, whether it stopped because
// the context was canceled, the change stream ended, or something failed.
package serve
