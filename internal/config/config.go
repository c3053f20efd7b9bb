// Package config provides configuration loading from environment variables.
package config

import (
	"strconv"
	"strings"
	"time"
)

// ControllerConfig holds configuration for the Controller process: its HTTP
// surface (Task API + RAP API), scheduler tick cadence, and per-backend
// admission limits.
type ControllerConfig struct {
	Port              string
	MetricsPort       string
	DatabaseFile      string
	Backends          []string // CONTROLLER_BACKENDS this process owns
	ClientTokens      map[string]string // backend -> RAP API client token
	TaskAPITokens     map[string]string // backend -> Task API bearer token
	MaxWorkers        map[string]int
	MaxDBWorkers      map[string]int
	JobRetryLimit     int
	SchedulerTick     time.Duration
	MaintenanceTick   time.Duration
	MaintenanceBackends []string
	ShutdownDrainWait time.Duration
	HighPrivacyBase   string // host path the Controller reads to check a SUCCEEDED Job's outputs still exist
	MediumPrivacyBase string
}

// LoadControllerConfig loads Controller configuration from environment
// variables.
func LoadControllerConfig() *ControllerConfig {
	backends := splitList(GetEnv("CONTROLLER_BACKENDS", ""))
	return &ControllerConfig{
		Port:                GetEnv("PORT", "8080"),
		MetricsPort:         GetEnv("METRICS_PORT", "9090"),
		DatabaseFile:        GetEnv("DATABASE_FILE", "jobrunner.db"),
		Backends:            backends,
		ClientTokens:        perBackendSecret("CLIENT_TOKEN", backends),
		TaskAPITokens:       perBackendSecret("TASK_API_TOKEN", backends),
		MaxWorkers:          perBackendInt("MAX_WORKERS", backends, 1),
		MaxDBWorkers:        perBackendInt("MAX_DB_WORKERS", backends, 1),
		JobRetryLimit:       GetIntEnv("JOB_RETRY_LIMIT", 3),
		SchedulerTick:       GetDurationEnv("SCHEDULER_TICK_INTERVAL", time.Second),
		MaintenanceTick:     GetDurationEnv("MAINTENANCE_TICK_INTERVAL", 30*time.Second),
		MaintenanceBackends: splitList(GetEnv("MAINTENANCE_ENABLED_BACKENDS", "")),
		ShutdownDrainWait:   GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		HighPrivacyBase:     GetEnv("HIGH_PRIVACY_STORAGE_BASE", "/storage/high"),
		MediumPrivacyBase:   GetEnv("MEDIUM_PRIVACY_STORAGE_BASE", "/storage/medium"),
	}
}

// AgentConfig holds configuration for the Agent process: which backend it
// serves, how to reach the Controller's Task API, job resource defaults,
// and where to stage workspace storage.
type AgentConfig struct {
	Backend               string
	TaskAPIURL            string
	TaskAPIToken          string
	PrivateRepoAccessToken string
	JobCPUCount           float64
	JobMemoryLimitMB      int
	HighPrivacyBase       string
	MediumPrivacyBase     string
	UsesDummyDataBackend  bool
	PollInterval          time.Duration
	MetricsPort           string
	ShutdownDrainWait     time.Duration
}

// LoadAgentConfig loads Agent configuration from environment variables.
func LoadAgentConfig() *AgentConfig {
	return &AgentConfig{
		Backend:                GetEnv("BACKEND", ""),
		TaskAPIURL:             GetEnv("TASK_API_URL", ""),
		TaskAPIToken:           GetSecretFile(GetEnv("TASK_API_TOKEN_FILE", "")),
		PrivateRepoAccessToken: GetSecretFile(GetEnv("PRIVATE_REPO_ACCESS_TOKEN_FILE", "")),
		JobCPUCount:            GetFloatEnv("JOB_CPU_COUNT", 2),
		JobMemoryLimitMB:       GetIntEnv("JOB_MEMORY_LIMIT", 4096),
		HighPrivacyBase:        GetEnv("HIGH_PRIVACY_STORAGE_BASE", "/storage/high"),
		MediumPrivacyBase:      GetEnv("MEDIUM_PRIVACY_STORAGE_BASE", "/storage/medium"),
		UsesDummyDataBackend:   GetEnv("USES_DUMMY_DATA_BACKEND", "") != "",
		PollInterval:           GetDurationEnv("AGENT_POLL_INTERVAL", 5*time.Second),
		MetricsPort:            GetEnv("METRICS_PORT", "9090"),
		ShutdownDrainWait:      GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}

// SyncConfig holds configuration for the Sync Loop, which runs
// inside the Controller process but polls/pushes to an entirely separate
// external system (the job-server) with its own credentials per backend.
type SyncConfig struct {
	JobServerURL    string
	JobServerTokens map[string]string // backend -> job-server token
	Tick            time.Duration
}

// LoadSyncConfig loads Sync Loop configuration from environment variables.
func LoadSyncConfig(backends []string) *SyncConfig {
	return &SyncConfig{
		JobServerURL:    GetEnv("JOB_SERVER_URL", ""),
		JobServerTokens: perBackendSecret("JOB_SERVER_TOKEN", backends),
		Tick:            GetDurationEnv("SYNC_TICK_INTERVAL", 10*time.Second),
	}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envKeyForBackend upper-cases backend and replaces non-alnum characters
// with underscores, matching shell environment-variable naming rules, so
// e.g. backend "my-backend" looks up "MAX_WORKERS_MY_BACKEND".
func envKeyForBackend(prefix, backend string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('_')
	for _, r := range strings.ToUpper(backend) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func perBackendSecret(prefix string, backends []string) map[string]string {
	out := make(map[string]string, len(backends))
	for _, backend := range backends {
		out[backend] = GetEnv(envKeyForBackend(prefix, backend), "")
	}
	return out
}

func perBackendInt(prefix string, backends []string, defaultValue int) map[string]int {
	out := make(map[string]int, len(backends))
	for _, backend := range backends {
		out[backend] = GetIntEnv(envKeyForBackend(prefix, backend), defaultValue)
	}
	return out
}

// GetFloatEnv returns a float environment variable or a default.
func GetFloatEnv(key string, defaultValue float64) float64 {
	if value := GetEnv(key, ""); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
