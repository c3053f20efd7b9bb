// Package jobdef is the Job Definition Builder: it turns a
// JobRequest plus a parsed pipeline definition into the set of Job rows
// that need to exist, resolving transitive dependencies and deciding,
// action by action, whether to skip, reuse an in-flight Job, fail fast, or
// create a new one.
package jobdef

import (
	"crypto/sha1"
	"encoding/base32"
	"strings"
)

// DeterministicID derives a Job id from its JobRequest id and action name.
// The same (job_request_id, action) pair always yields the same id, so
// re-expanding a JobRequest after a database loss never orphans a Job that
// was already running under the old id.
func DeterministicID(jobRequestID, action string) string {
	sum := sha1.Sum([]byte(jobRequestID + "\n" + action))
	encoded := base32.StdEncoding.EncodeToString(sum[:10])
	return strings.ToLower(encoded)
}
