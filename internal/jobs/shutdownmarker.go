package jobs

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// ShutdownMarkerKind classifies why the previous process instance
// stopped.
type ShutdownMarkerKind string

const (
	MarkerRunning       ShutdownMarkerKind = "running"
	MarkerClean         ShutdownMarkerKind = "clean"
	MarkerCleanAutoWait ShutdownMarkerKind = "clean-auto-wait"
)

// ShutdownMarker is the sidecar written as `running` at startup and
// overwritten as `clean` or `clean-auto-wait` on an orderly exit. Its
// prior value, read before the next startup's recovery pass,
// classifies the session that just ended and seeds the auto-pause
// set for any job that was deliberately paused for exit.
type ShutdownMarker struct {
	Kind                     ShutdownMarkerKind `json:"kind"`
	AtMS                     int64              `json:"at_ms"`
	AutoWaitProcessingJobIDs []string           `json:"auto_wait_processing_job_ids,omitempty"`
}

// ReadShutdownMarker reads the marker left by the previous session. A
// missing or corrupt file is not an error: both degrade to a nil
// marker, which classifySession treats as a crash.
func ReadShutdownMarker(path string) (*ShutdownMarker, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m ShutdownMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil
	}
	return &m, nil
}

// WriteShutdownMarker atomically records kind (and, for
// clean-auto-wait, the ids of jobs that were Processing and got
// paused for exit) to path.
func WriteShutdownMarker(path string, kind ShutdownMarkerKind, autoWaitJobIDs []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	m := &ShutdownMarker{
		Kind:                     kind,
		AtMS:                     time.Now().UnixMilli(),
		AutoWaitProcessingJobIDs: autoWaitJobIDs,
	}
	return writeJSONAtomic(path, m)
}

// SessionKind is the three-way startup hint derived from the previous
// session's shutdown marker.
type SessionKind string

const (
	SessionCrashOrKill   SessionKind = "crash_or_kill"
	SessionPauseOnExit   SessionKind = "pause_on_exit"
	SessionNormalRestart SessionKind = "normal_restart"
)

// classifySession turns the previous session's marker (nil if none
// was found, e.g. first run or a build old enough to predate it) into
// the startup hint. A marker left as `running` means the process
// never reached its own shutdown handler — a crash or a kill -9.
func classifySession(marker *ShutdownMarker) SessionKind {
	if marker == nil {
		return SessionCrashOrKill
	}
	switch marker.Kind {
	case MarkerClean:
		return SessionNormalRestart
	case MarkerCleanAutoWait:
		return SessionPauseOnExit
	default:
		return SessionCrashOrKill
	}
}
