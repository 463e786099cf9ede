package pipeline

// Result summarizes what happened to one batch.
type Result struct {
	BatchID string `json:"batchId"`
	State   State  `json:"state"`

	// ReceivedCount includes malformed spans.
	ReceivedCount  int `json:"receivedCount"`
	MalformedCount int `json:"malformedCount"`
	SampledCount   int `json:"sampledCount"`
	RetainedCount  int `json:"retainedCount"`
	AcceptedCount  int `json:"acceptedCount"`
	RejectedCount  int `json:"rejectedCount"`

	AnomalousServices []string `json:"anomalousServices,omitempty"`

	Err error `json:"-"`
}

// Persisted reports whether every retained span reached storage.
func (r Result) Persisted() bool {
	return r.State == StatePersisted
}
