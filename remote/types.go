package remote

import (
	"errors"
	"time"
	"unicode/utf8"
)

// ErrSessionNotFound is returned when the server does not know a session, usually because it was reaped.
var ErrSessionNotFound = errors.New("session not found")

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// LogRecord is one line of output belonging to a session.
// Seq is assigned by the server and increases by one for every record appended to a session.
type LogRecord struct {
	Seq    uint64
	Time   time.Time
	Stream string
	Data   string
}

// CutPoint returns where to cut b so that the first part is at most n bytes long
// and does not end in the middle of a UTF-8 encoded rune.
// Invalid UTF-8 is cut at n.
func CutPoint[T ~string | ~[]byte](b T, n int) int {
	if n >= len(b) {
		return len(b)
	}
	for i := n; i > 0 && i > n-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			return i
		}
	}
	return n
}

type createSessionRequest struct {
	// ExistingID is the session to resume, empty to create a new one.
	ExistingID  string
	Environment string
}

type createSessionResponse struct {
	ID      string
	Resumed bool
}

type heartbeatResponse struct {
	LastHeartbeat string
}

type appendLogsRequest struct {
	Records []LogRecord
}

// logBatchMessage is a message on the log stream. It is only ever sent server->client.
type logBatchMessage struct {
	Records []LogRecord
}
