package api

import "guideline-ingest/internal/models"

// JobStatus is the only view of a job clients ever see.
type JobStatus struct {
	Status models.Status `json:"status"`
	Result *JobResult    `json:"result,omitempty"`
	Error  *string       `json:"error,omitempty"`
}

type JobResult struct {
	Summary   string `json:"summary"`
	Checklist string `json:"checklist"`
}

// project exposes status always, the result only for completed jobs and the error only for
// failed ones.
func project(job models.Job) JobStatus {
	out := JobStatus{Status: job.Status}
	switch job.Status {
	case models.StatusCompleted:
		if job.Summary != nil && job.Checklist != nil {
			out.Result = &JobResult{Summary: *job.Summary, Checklist: *job.Checklist}
		}
	case models.StatusFailed:
		if job.ErrorMessage != nil {
			msg := *job.ErrorMessage
			out.Error = &msg
		}
	}
	return out
}
