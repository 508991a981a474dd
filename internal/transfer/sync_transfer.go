package transfer

type TriggerSyncRequest struct {
	Strategy string `json:"strategy"`
	Wait     bool   `json:"wait"`
	Priority string `json:"priority"`
}

type QueueCleanupResponse struct {
	Removed   int    `json:"removed"`
	OlderThan string `json:"older_than"`
}

type HealthResponse struct {
	Status        string   `json:"status"`
	Backend       string   `json:"backend"`
	UnhealthyJobs []string `json:"unhealthy_jobs"`
}
