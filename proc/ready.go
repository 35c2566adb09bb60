package proc

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
)

// Attachment is what a child learns from its environment about the session it should attach to.
type Attachment struct {
	// SessionID is the session to resume, empty when a new session should be created.
	SessionID   string
	Environment string
	RemoteURL   string
}

// AttachmentFromEnv reads the variables set by Launcher.
func AttachmentFromEnv() Attachment {
	return Attachment{
		SessionID:   os.Getenv(EnvSessionID),
		Environment: os.Getenv(EnvEnvironment),
		RemoteURL:   os.Getenv(EnvRemoteURL),
	}
}

var (
	reportOnce sync.Once
	reportErr  error
)

// ErrNotSupervised is returned by ReportReady when the process was not started by a Launcher.
var ErrNotSupervised = errors.New("not running under a liveserve supervisor")

// ReportReady sends sessionID back to the launcher. Only the first call has any effect;
// later calls return the result of the first.
func ReportReady(sessionID string) error {
	reportOnce.Do(func() {
		reportErr = reportReady(sessionID)
	})
	return reportErr
}

func reportReady(sessionID string) error {
	if sessionID == "" {
		return errors.New("empty session ID")
	}
	fdStr := os.Getenv(EnvReadyFD)
	if fdStr == "" {
		return ErrNotSupervised
	}
	// a descriptor on unix, an inherited handle on Windows
	fd, err := strconv.ParseUint(fdStr, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", EnvReadyFD, fdStr, err)
	}
	f := os.NewFile(uintptr(fd), "liveserve-ready")
	if f == nil {
		return fmt.Errorf("invalid readiness fd %d", fd)
	}
	defer f.Close()
	_, err = f.WriteString(sessionID + "\n")
	if err != nil {
		return fmt.Errorf("writing readiness: %w", err)
	}
	return nil
}
