package jobdef

import "errors"

// ErrNothingToDo means every requested action was already running, pending,
// or (for a "run everything" request) already succeeded — not a failure,
// but nothing new was created either. Callers should treat it as success.
var ErrNothingToDo = errors.New("jobdef: all requested actions already scheduled or complete")

// ErrStaleCodelists means a new Job requires database access but the
// JobRequest's codelists were not current at submission time. The whole
// request fails rather than running with potentially-outdated codelists.
var ErrStaleCodelists = errors.New("jobdef: codelists are out of date for a database action")
