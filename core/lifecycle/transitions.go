package lifecycle

import "fieldops/core/models"

// transitions lists every allowed status change. Leaving paused is further restricted to the
// job's last active status at execution time.
var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusOpen: {
		models.JobStatusOnTheWay,
		models.JobStatusCanceled,
	},
	models.JobStatusOnTheWay: {
		models.JobStatusOnSiteDiagnostics,
		models.JobStatusOnSiteRepair,
		models.JobStatusPaused,
		models.JobStatusCanceled,
	},
	models.JobStatusOnSiteDiagnostics: {
		models.JobStatusOnSiteRepair,
		models.JobStatusPaused,
		models.JobStatusFinished,
		models.JobStatusCanceled,
	},
	models.JobStatusOnSiteRepair: {
		models.JobStatusOnSiteDiagnostics,
		models.JobStatusPaused,
		models.JobStatusFinished,
		models.JobStatusCanceled,
	},
	models.JobStatusPaused: {
		models.JobStatusOnTheWay,
		models.JobStatusOnSiteDiagnostics,
		models.JobStatusOnSiteRepair,
		models.JobStatusCanceled,
	},
	models.JobStatusFinished: {
		models.JobStatusInvoiced,
		models.JobStatusCanceled,
	},
}

// CanTransition reports whether from -> to is an allowed status change.
func CanTransition(from, to models.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next lists the statuses reachable from s.
func Next(s models.JobStatus) []models.JobStatus {
	return append([]models.JobStatus(nil), transitions[s]...)
}
