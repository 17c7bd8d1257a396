package harness

// Trace event kinds.
const (
	EventSend  = "send"  // one request to the remote
	EventPage  = "page"  // a pulled page that carried records
	EventDrain = "drain" // counts of a drain step
	EventPull  = "pull"  // counts of a pull step
)

// TraceEvent is one observable sync event.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Step int    `json:"step"` // 1-based scenario step
	Kind string `json:"kind"`

	// Send fields. Ref is the entity's alias, or its local id if it has none.
	Ref      string `json:"ref,omitempty"`
	Action   string `json:"action,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Outcome  string `json:"outcome,omitempty"` // ok, fail or reject
	ServerID *int64 `json:"server_id,omitempty"`

	// Page fields.
	EntityType string `json:"entity_type,omitempty"`
	Since      string `json:"since,omitempty"`
	Records    int    `json:"records,omitempty"`

	// Counts are the non-zero counts of a drain or pull.
	Counts map[string]int `json:"counts,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every expectation held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors contains failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// LocalIDs maps aliases to the local ids they were given.
	LocalIDs map[string]string `json:"local_ids"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		LocalIDs: map[string]string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
