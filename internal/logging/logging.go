package logging

import (
	"path/filepath"
	"time"
)

// SessionFiles names the files one run writes under the logs directory.
type SessionFiles struct {
	Log  string
	OTel string
}

// SessionPaths returns the session's file paths. Both share the start
// timestamp so a run's files sort together.
func SessionPaths(logsDir, name string, sessionStart time.Time) SessionFiles {
	stamp := sessionStart.Format("20060102_150405")
	return SessionFiles{
		Log:  filepath.Join(logsDir, name+"."+stamp+".log"),
		OTel: filepath.Join(logsDir, name+".otel."+stamp+".log"),
	}
}
