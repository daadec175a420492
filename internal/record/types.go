package record

import "fmt"

// Stage is a position in the deployment state machine.
type Stage string

const (
	StagePending          Stage = "pending"
	StageMapped           Stage = "mapped"
	StagePlanReady        Stage = "plan_ready"
	StageImplemented      Stage = "implemented"
	StageTested           Stage = "tested"
	StageAwaitingApproval Stage = "awaiting_approval"
	StageCommitted        Stage = "committed"
	StageReviewRequested  Stage = "review_requested"
	StageSucceeded        Stage = "succeeded"
	StageFailed           Stage = "failed"
	StageRolledBack       Stage = "rolled_back"
)

// order is the forward path. Failed and RolledBack sit outside it.
var order = []Stage{
	StagePending,
	StageMapped,
	StagePlanReady,
	StageImplemented,
	StageTested,
	StageAwaitingApproval,
	StageCommitted,
	StageReviewRequested,
	StageSucceeded,
}

// Index returns the stage's position on the forward path, or -1 for
// Failed, RolledBack, and unknown stages.
func (s Stage) Index() int {
	for i, st := range order {
		if st == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether no further transition may leave s.
func (s Stage) Terminal() bool {
	return s == StageSucceeded || s == StageFailed || s == StageRolledBack
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.Index() >= 0 || s == StageFailed || s == StageRolledBack
}

// CanTransition reports whether a record may move from one stage to another.
// Forward moves along the path are allowed (stages may be skipped, e.g. the
// approval gate); Failed and RolledBack are reachable from any non-terminal stage.
func CanTransition(from, to Stage) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to == StageFailed || to == StageRolledBack {
		return true
	}
	return to.Index() > from.Index()
}

// Status is the coarse lifecycle state shown to operators.
type Status string

const (
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusRolledBack       Status = "rolled_back"
)

// Decision values carried in Approval.
const (
	ApprovalNone     = "none"
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// DeploymentRecord is the durable state of one recommendation's run.
type DeploymentRecord struct {
	RecommendationID string             `json:"recommendation_id"`
	Title            string             `json:"title"`
	RunID            string             `json:"run_id"`
	Mode             string             `json:"mode"`
	CurrentStage     Stage              `json:"current_stage"`
	Status           Status             `json:"status"`
	StageHistory     []StageEntry       `json:"stage_history"`
	CumulativeCost   float64            `json:"cumulative_cost_usd"`
	Costs            []CostEntry        `json:"costs,omitempty"`
	Confidence       float64            `json:"confidence,omitempty"`
	RiskScore        float64            `json:"risk_score,omitempty"`
	RiskFactors      map[string]float64 `json:"risk_factors,omitempty"`
	RiskReasons      []string           `json:"risk_reasons,omitempty"`
	Approval         Approval           `json:"approval"`
	Worktree         string             `json:"worktree,omitempty"`
	IndexHash        string             `json:"index_hash,omitempty"`
	FilesTouched     []string           `json:"files_touched,omitempty"`
	FilesWritten     bool               `json:"files_written"`
	RolledBack       bool               `json:"rolled_back"`
	Branch           string             `json:"branch,omitempty"`
	Commit           string             `json:"commit,omitempty"`
	ReviewID         string             `json:"review_id,omitempty"`
	ReviewURL        string             `json:"review_url,omitempty"`
	Failure          *Failure           `json:"failure,omitempty"`
	Explanation      string             `json:"explanation,omitempty"`
	CreatedAt        string             `json:"created_at"`
	UpdatedAt        string             `json:"updated_at"`
}

// StageEntry records entry into a stage.
type StageEntry struct {
	Stage     Stage   `json:"stage"`
	EnteredAt string  `json:"entered_at"`
	Duration  string  `json:"duration,omitempty"`
	Outcome   string  `json:"outcome,omitempty"`
	Detail    string  `json:"detail,omitempty"`
	Cost      float64 `json:"cost_usd"`
}

// CostEntry is one cost-incurring attempt.
type CostEntry struct {
	Stage        Stage   `json:"stage"`
	Attempt      int     `json:"attempt"`
	USD          float64 `json:"usd"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	At           string  `json:"at"`
}

// Approval is the gate state of a record.
type Approval struct {
	Required  bool   `json:"required"`
	Decision  string `json:"decision"`
	Comment   string `json:"comment,omitempty"`
	By        string `json:"by,omitempty"`
	DecidedAt string `json:"decided_at,omitempty"`
}

// Failure is the typed failure attached to a terminal record.
type Failure struct {
	Kind    string `json:"kind"`
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

func (f *Failure) String() string {
	return fmt.Sprintf("%s during %s: %s", f.Kind, f.Stage, f.Message)
}

// Terminal reports whether the record has reached a terminal stage.
func (r *DeploymentRecord) Terminal() bool {
	return r.CurrentStage.Terminal()
}

// LastEntry returns the most recent stage entry, or nil.
func (r *DeploymentRecord) LastEntry() *StageEntry {
	if len(r.StageHistory) == 0 {
		return nil
	}
	return &r.StageHistory[len(r.StageHistory)-1]
}

// StatusFor maps a stage to the coarse status it implies.
func StatusFor(s Stage) Status {
	switch s {
	case StageSucceeded:
		return StatusSucceeded
	case StageFailed:
		return StatusFailed
	case StageRolledBack:
		return StatusRolledBack
	case StageAwaitingApproval:
		return StatusAwaitingApproval
	default:
		return StatusRunning
	}
}
