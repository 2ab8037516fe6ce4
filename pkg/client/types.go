package client

import "time"

// ProjectSummary is one row of the list endpoint: registry identity merged
// with live process state.
type ProjectSummary struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	Manual     bool   `json:"manual"`
	State      string `json:"state"`
	Running    bool   `json:"running"`
	PID        int    `json:"pid,omitempty"`
	ServerType string `json:"server_type,omitempty"`
	Version    string `json:"version,omitempty"`
}

// Project is the registry record returned by add/create.
type Project struct {
	ID        int64     `json:"id"`
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Manual    bool      `json:"manual"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessStatus is the live supervisor snapshot inside a describe response.
type ProcessStatus struct {
	ProjectID int64     `json:"project_id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  int       `json:"exit_code"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
}

// ProcessUsage is the latest resource sample for a running process.
type ProcessUsage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	SampledAt  time.Time `json:"sampled_at"`
}

// ProjectDetail is the full describe payload. Config carries the decoded
// project.toml document when the daemon could read it; Usage is present
// only while the process runs and the usage sampler is enabled.
type ProjectDetail struct {
	Record Project        `json:"record"`
	Config map[string]any `json:"config,omitempty"`
	Status ProcessStatus  `json:"status"`
	Usage  *ProcessUsage  `json:"usage,omitempty"`
}

// Overview is the daemon status endpoint payload.
type Overview struct {
	Projects  int       `json:"projects"`
	Running   int       `json:"running"`
	StartedAt time.Time `json:"started_at"`
}

// BackupResult describes one finished or skipped backup job.
type BackupResult struct {
	ProjectID int64         `json:"project_id"`
	Project   string        `json:"project"`
	Trigger   string        `json:"trigger"`
	Outcome   string        `json:"outcome"`
	Archive   string        `json:"archive,omitempty"`
	Size      int64         `json:"size,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// ConnectGrant is a single-use terminal ticket. Path is the websocket
// endpoint, relative to the daemon's base URL, that must be upgraded
// before ExpiresAt.
type ConnectGrant struct {
	Path      string    `json:"path"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateRequest is the JSON mirror of project.toml accepted by create.
// Sections left nil keep the daemon's defaults.
type CreateRequest struct {
	Project CreateMeta     `json:"project"`
	Java    *JavaSettings  `json:"java,omitempty"`
	Backup  *BackupPolicy  `json:"backup,omitempty"`
	Plugins *PluginsPolicy `json:"plugins,omitempty"`
}

// CreateMeta identifies the server to create.
type CreateMeta struct {
	Name        string `json:"name"`
	ServerType  string `json:"server_type,omitempty"`
	Version     string `json:"version,omitempty"`
	VersionType string `json:"version_type,omitempty"`
	Execute     string `json:"execute,omitempty"`
}

// JavaSettings mirrors the [java] section.
type JavaSettings struct {
	Mode      string   `json:"mode,omitempty"`
	Edition   string   `json:"edition,omitempty"`
	Version   int      `json:"version,omitempty"`
	Custom    string   `json:"custom,omitempty"`
	Arguments []string `json:"arguments,omitempty"`
	XmsMB     int      `json:"xms,omitempty"`
	XmxMB     int      `json:"xmx,omitempty"`
}

// BackupPolicy mirrors the [backup] section.
type BackupPolicy struct {
	Enabled bool          `json:"enabled"`
	World   bool          `json:"world"`
	Other   bool          `json:"other"`
	Time    *BackupTiming `json:"time,omitempty"`
	Event   *BackupEvents `json:"event,omitempty"`
}

// BackupTiming mirrors [backup.time]: interval seconds and a 5-field cron
// expression, both evaluated while the server runs.
type BackupTiming struct {
	Interval int    `json:"interval,omitempty"`
	Cron     string `json:"cron,omitempty"`
}

// BackupEvents mirrors [backup.event].
type BackupEvents struct {
	Start  bool `json:"start"`
	Stop   bool `json:"stop"`
	Update bool `json:"update"`
}

// PluginsPolicy mirrors the [plugins] section.
type PluginsPolicy struct {
	Manage bool `json:"manage"`
}

// errorEnvelope is the daemon's uniform failure shape.
type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
