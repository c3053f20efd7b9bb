package docker

import (
	"strings"
	"time"

	"github.com/opensafely-core/job-runner/internal/config"
)

// Config holds configuration for the Docker-backed Executor.
type Config struct {
	RetentionPeriod        time.Duration // how long a FINALIZED job's container/volume survive before cleanup sweeps them
	MaintenanceInterval    time.Duration // how often the cleanup sweep runs
	ExtraHosts             []string      // extra /etc/hosts entries, e.g. ["appwrite.test:host-gateway"]
	DatabaseNetwork        string        // Docker network attached only when a job's Definition requires DB access
	StagingImage           string        // lightweight image used for prepare/finalize file staging
	HighPrivacyBase        string        // host path bind-mounted read-write into the staging container for high-privacy output landing
	MediumPrivacyBase      string        // host path bind-mounted read-write into the staging container for medium-privacy output landing
	PrivateRepoAccessToken string        // token the staging container uses to clone private repos in Prepare
	DatabaseStatusImage    string            // image run to probe a backend's database for maintenance mode; empty disables the probe
	DatabaseURLs           map[string]string // backend name -> database connection string, consulted by the DBSTATUS probe
}

// LoadConfigFromEnv loads Executor configuration from environment variables.
func LoadConfigFromEnv() Config {
	var extraHosts []string
	if hosts := config.GetEnv("EXTRA_HOSTS", ""); hosts != "" {
		extraHosts = strings.Split(hosts, ",")
	}

	return Config{
		RetentionPeriod:     config.GetDurationEnv("JOB_RETENTION", 15*time.Minute),
		MaintenanceInterval: config.GetDurationEnv("MAINTENANCE_INTERVAL", 1*time.Minute),
		ExtraHosts:          extraHosts,
		DatabaseNetwork:     config.GetEnv("DATABASE_NETWORK", ""),
		StagingImage:        config.GetEnv("STAGING_IMAGE", "ghcr.io/opensafely-core/job-runner-staging:latest"),
		HighPrivacyBase:     config.GetEnv("HIGH_PRIVACY_STORAGE_BASE", "/storage/high"),
		MediumPrivacyBase:   config.GetEnv("MEDIUM_PRIVACY_STORAGE_BASE", "/storage/medium"),
		DatabaseStatusImage: config.GetEnv("DATABASE_STATUS_IMAGE", ""),
		DatabaseURLs:        parseDatabaseURLs(config.GetEnv("DATABASE_URLS", "")),
	}
}

// parseDatabaseURLs reads "backend=url,backend2=url2" pairs, the same
// comma-separated shape EXTRA_HOSTS uses.
func parseDatabaseURLs(raw string) map[string]string {
	urls := make(map[string]string)
	if raw == "" {
		return urls
	}
	for _, pair := range strings.Split(raw, ",") {
		backend, url, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		urls[backend] = url
	}
	return urls
}
