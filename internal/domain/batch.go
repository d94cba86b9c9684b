package domain

// Batch identifies a contiguous chunk of submitted records.
type Batch struct {
	Index  int `json:"index"`
	Offset int `json:"offset"`
	Size   int `json:"size"`
}

// BatchFailure is a batch that was skipped, with a caller-safe reason.
type BatchFailure struct {
	Batch
	Reason string `json:"reason"`
}

// BatchOutcome reports which batches were written and which were skipped.
// Persisted always equals the summed size of Succeeded.
type BatchOutcome struct {
	Requested int            `json:"requested"`
	Persisted int            `json:"persisted"`
	Succeeded []Batch        `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
}

// Complete reports whether every requested record was persisted.
func (o *BatchOutcome) Complete() bool {
	return o.Persisted == o.Requested
}
