package jobs

import "github.com/JakeFAU/scheme-crawler/internal/crawler"

// transitions lists the statuses reachable from each non-terminal status.
var transitions = map[crawler.JobStatus][]crawler.JobStatus{
	crawler.JobStatusRunning: {
		crawler.JobStatusPaused,
		crawler.JobStatusStopped,
		crawler.JobStatusCompleted,
		crawler.JobStatusFailed,
	},
	crawler.JobStatusPaused: {
		crawler.JobStatusRunning,
		crawler.JobStatusStopped,
		// A pause that arrives after the last checkpoint never takes effect.
		crawler.JobStatusCompleted,
		crawler.JobStatusFailed,
	},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to crawler.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
