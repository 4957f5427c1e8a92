package domain

// ItemError describes why the event at Index was rejected. Detail maps field
// names to messages, or "non_field_errors" for item-level problems.
type ItemError struct {
	Index  int                 `json:"index"`
	Detail map[string][]string `json:"detail"`
}

// IngestBatchResult reports the outcome of one ingest call.
// Inserted + Rejected always equals the submitted count.
type IngestBatchResult struct {
	Inserted int         `json:"inserted"`
	Rejected int         `json:"rejected"`
	Errors   []ItemError `json:"errors"`
}

// ServiceIngestSummary is published on the live feed after a batch commits.
type ServiceIngestSummary struct {
	Service       string `json:"service"`
	Inserted      int    `json:"inserted"`
	Errors        int    `json:"errors"`
	MaxLatencyMS  int    `json:"max_latency_ms"`
	BatchRejected int    `json:"batch_rejected"`
	CommittedAt   string `json:"committed_at"`
}
