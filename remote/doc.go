/*
Package remote provides a client and server for remote serve sessions.

A session is created by the first child a supervisor launches and resumed by every child after it,
so that restarts look like one continuous session to the remote side. The supervisor keeps the
session alive with heartbeats; sessions that miss heartbeats for longer than the server's timeout
are reaped.

Log records appended to a session are streamed back over a WebSocket connection. Each message on
the stream is a JSON batch of records in the order they were appended. A reader can reconnect with
the sequence number of the last record it saw and continue without gaps or duplicates. When a
session is reaped the server closes the stream with a normal closure.

The server optionally requires mTLS for both traffic encryption and authz.
*/
package remote
