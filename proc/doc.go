/*
Package proc launches and terminates the child processes run by a live-reload supervisor.

Every launch starts a brand new OS process; nothing is forked from the supervisor, so the
child never inherits state from a previous run.

The child reports readiness over a pipe inherited as an extra file descriptor:

1. The launcher creates a pipe and passes the write end as fd 3, announced through LIVESERVE_READY_FD.
2. The launcher passes the session to resume in LIVESERVE_SESSION_ID (empty to create a new one) and the environment name in LIVESERVE_ENVIRONMENT.
3. Once the child has attached to the remote session it writes the effective session ID followed by a newline with ReportReady, and closes its end.
4. The launcher reads exactly one value. If nothing arrives before the timeout, the launch still succeeds and the child keeps running.

The readiness pipe relies on inherited file descriptors, which Windows does not support.
*/
package proc
