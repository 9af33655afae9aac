package core

// PendingToolCall is a tool invocation proposed by an agent and not yet
// executed. Args is the raw JSON argument payload as produced by the model.
type PendingToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args"`
}

// ApprovalConfig advertises which response kinds the UI may offer for a
// given approval request.
type ApprovalConfig struct {
	AllowAccept  bool `json:"allow_accept"`
	AllowEdit    bool `json:"allow_edit"`
	AllowRespond bool `json:"allow_respond"`
	AllowIgnore  bool `json:"allow_ignore"`
}

// ApprovalRequest is the structured question surfaced to a human before a
// sensitive tool invocation proceeds.
type ApprovalRequest struct {
	ExecutionID string          `json:"execution_id"`
	Action      string          `json:"action"` // tool name
	Args        string          `json:"args"`   // proposed parameters (JSON)
	Config      ApprovalConfig  `json:"config"`
	Description string          `json:"description,omitempty"`
	Call        PendingToolCall `json:"call"`
}

// Decision enumerates the human response kinds to an approval request.
type Decision string

const (
	// DecisionAccept proceeds with the proposal unchanged.
	DecisionAccept Decision = "accept"
	// DecisionEdit proceeds with user-supplied replacement arguments.
	DecisionEdit Decision = "edit"
	// DecisionReject cancels the proposal. Not an error: a valid terminal
	// outcome that replaces the tool calls with an explanatory turn.
	DecisionReject Decision = "reject"
	// DecisionRespond answers the agent with free text instead of deciding.
	DecisionRespond Decision = "respond"
)

// ApprovalResponse is the human answer applied on resume.
type ApprovalResponse struct {
	Decision Decision `json:"decision"`
	// EditedArgs carries replacement arguments for DecisionEdit, keyed by
	// generic UI field names (remapped to tool-specific names on apply).
	EditedArgs map[string]any `json:"edited_args,omitempty"`
	// Reason accompanies DecisionReject.
	Reason string `json:"reason,omitempty"`
	// Text accompanies DecisionRespond.
	Text string `json:"text,omitempty"`
}

// ApprovalSnapshot is the durable suspend state for one paused execution:
// enough to resume from exactly this point after a restart. The replay
// guards — call sets already resolved, keyed by their sorted, joined
// tool-call ids — deliberately live here rather than in transient memory.
type ApprovalSnapshot struct {
	ExecutionID  string            `json:"execution_id"`
	NodeID       string            `json:"node_id"`
	PendingCalls []PendingToolCall `json:"pending_calls"`
	Request      ApprovalRequest   `json:"request"`
	// ApprovedCallSets are call sets cleared to execute (accept, edit).
	ApprovedCallSets []string `json:"approved_call_sets,omitempty"`
	// DismissedCallSets maps call sets resolved without execution (reject,
	// respond) to their replacement message. A replayed entry must come
	// back with no calls, never cleared to run.
	DismissedCallSets map[string]string `json:"dismissed_call_sets,omitempty"`
}
