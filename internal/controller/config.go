package controller

// Limits is the per-backend admission-control configuration the scheduler
// consults when deciding whether a PENDING job may start.
type Limits struct {
	MaxWorkers   map[string]int // backend -> max total resource weight running concurrently
	MaxDBWorkers map[string]int // backend -> max concurrent database-requiring jobs
	RetryLimit   int            // resolves Open Question #1; applies to every backend
}

// maxWorkers returns the worker cap for backend, defaulting to 1 so an
// unconfigured backend fails closed rather than admitting unbounded jobs.
func (l Limits) maxWorkers(backend string) int {
	if n, ok := l.MaxWorkers[backend]; ok {
		return n
	}
	return 1
}

func (l Limits) maxDBWorkers(backend string) int {
	if n, ok := l.MaxDBWorkers[backend]; ok {
		return n
	}
	return 1
}
