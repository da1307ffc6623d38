package types

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	Accepted  uint64 `json:"accepted"`
	Batches   uint64 `json:"batches"`
	Flushed   uint64 `json:"flushed"`
	Persisted uint64 `json:"persisted"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Retried   uint64 `json:"retried"`
	Rejected  uint64 `json:"rejected"`
}
