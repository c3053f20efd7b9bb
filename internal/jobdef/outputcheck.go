package jobdef

import (
	"os"
	"path/filepath"

	"github.com/opensafely-core/job-runner/internal/job"
)

// OutputChecker reports whether every output a SUCCEEDED Job recorded at
// finalize is still present on disk. recursivelyBuildJob consults it before
// letting a dependent action reuse a SUCCEEDED dependency.
type OutputChecker func(j *job.Job) bool

// NewFilesystemOutputChecker builds an OutputChecker that stats each of a
// Job's recorded Outputs under the storage base matching its privacy level,
// mirroring the local dev tooling's needs_run glob check against the same
// high/medium privacy storage layout the Agent mounts into staging
// containers. A Job with no recorded Outputs (e.g. a run that produced none)
// always passes.
func NewFilesystemOutputChecker(highPrivacyBase, mediumPrivacyBase string) OutputChecker {
	bases := map[job.Privacy]string{
		job.PrivacyHigh:     highPrivacyBase,
		job.PrivacyModerate: mediumPrivacyBase,
	}
	return func(j *job.Job) bool {
		for path, privacy := range j.Outputs {
			base := bases[privacy]
			if base == "" {
				continue
			}
			if _, err := os.Stat(filepath.Join(base, j.Workspace, path)); err != nil {
				return false
			}
		}
		return true
	}
}
