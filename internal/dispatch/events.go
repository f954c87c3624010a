package dispatch

// Progress event stream payloads. One StartedEvent, one ProgressEvent per
// recipient in send order, then one CompletedEvent; the channel is closed
// after the CompletedEvent.

type StartedEvent struct {
	Type  string `json:"type"` // always "started"
	JobID string `json:"jobId"`
	Total int    `json:"total"`
}

type ProgressEvent struct {
	Type    string  `json:"type"` // always "progress"
	JobID   string  `json:"jobId"`
	Current int     `json:"current"` // recipients processed so far, 1-based
	Total   int     `json:"total"`
	Sent    int     `json:"sent"`
	Failed  int     `json:"failed"`
	Number  string  `json:"number"`
	Status  Outcome `json:"status"`
	Error   string  `json:"error,omitempty"`
}

type CompletedEvent struct {
	Type    string   `json:"type"` // always "completed"
	JobID   string   `json:"jobId"`
	Sent    int      `json:"sent"`
	Failed  int      `json:"failed"`
	Results []Result `json:"results"`
}
