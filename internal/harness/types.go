package harness

// TraceEvent records what happened to one mutation during a scenario run.
// Events are appended in reconciliation order; Seq is 1-based and dense.
type TraceEvent struct {
	Seq        int64  `json:"seq"`
	Batch      int    `json:"batch"`
	DeviceID   string `json:"device_id"`
	MutationID string `json:"mutation_id"`
	ProductID  string `json:"product_id"`

	// Disposition and Causality are empty when the mutation failed.
	Disposition string `json:"disposition,omitempty"`
	Causality   string `json:"causality,omitempty"`
	Reason      string `json:"reason,omitempty"`

	StockAfter    int64            `json:"stock_after"`
	Clock         map[string]int64 `json:"clock"`
	RequiresAudit bool             `json:"requires_audit"`
	Replayed      bool             `json:"replayed"`

	// Error is the reconcile error code, e.g. PRODUCT_NOT_FOUND, or the
	// batch-level code for a rejected batch.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses match.
	Pass bool `json:"pass"`

	// Trace contains one event per reconciled mutation, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// FinalStock is the stock of every product after the last batch.
	FinalStock map[string]int64 `json:"final_stock"`

	// PendingAudits is the number of audit entries still PENDING.
	PendingAudits int `json:"pending_audits"`
}

// NewResult creates a new passing result.
// Used as the starting point for scenario execution.
func NewResult() *Result {
	return &Result{
		Pass:       true,
		Trace:      []TraceEvent{},
		Errors:     []string{},
		FinalStock: make(map[string]int64),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event and assigns its sequence number.
func (r *Result) AddTrace(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	if ev.Clock == nil {
		ev.Clock = map[string]int64{}
	}
	r.Trace = append(r.Trace, ev)
}
