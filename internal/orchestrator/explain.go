package orchestrator

import (
	"fmt"
	"strings"

	"github.com/lucasnoah/recdeploy/internal/record"
)

// Explain describes where r stands in plain language. Terminal records
// carry their explanation from the moment they finished.
func Explain(r *record.DeploymentRecord) string {
	if r.Terminal() && r.Explanation != "" {
		return r.Explanation
	}
	switch r.CurrentStage {
	case record.StageSucceeded:
		return explainSuccess(r)
	case record.StageFailed, record.StageRolledBack:
		return explainFailure(r)
	case record.StageAwaitingApproval:
		return explainAwaiting(r)
	}
	return fmt.Sprintf("In progress in %s mode: reached %s, $%.4f spent so far.", orUnknown(r.Mode), r.CurrentStage, r.CumulativeCost)
}

func explainSuccess(r *record.DeploymentRecord) string {
	var b strings.Builder
	switch Mode(r.Mode) {
	case ModeLocalCommit:
		fmt.Fprintf(&b, "Committed %s on branch %s at %s. Not pushed and no review requested (local-commit mode).",
			files(len(r.FilesTouched)), r.Branch, shortSHA(r.Commit))
	default:
		fmt.Fprintf(&b, "Review %s opened for branch %s at %s with %s.",
			orUnknown(r.ReviewURL), r.Branch, shortSHA(r.Commit), files(len(r.FilesTouched)))
	}
	writeTests(&b, r)
	writeRisk(&b, r, false)
	fmt.Fprintf(&b, " Cost $%.4f.", r.CumulativeCost)
	return b.String()
}

// explainDryRun reports what a full run would have done.
func explainDryRun(r *record.DeploymentRecord, branch string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dry run: would create branch %s and commit %s (%s).",
		branch, files(len(r.FilesTouched)), strings.Join(r.FilesTouched, ", "))
	writeTests(&b, r)
	writeRisk(&b, r, true)
	fmt.Fprintf(&b, " Cost $%.4f.", r.CumulativeCost)
	if r.RolledBack {
		b.WriteString(" Worktree rolled back.")
	}
	return b.String()
}

func explainFailure(r *record.DeploymentRecord) string {
	var b strings.Builder
	if r.Failure == nil {
		fmt.Fprintf(&b, "Ended at %s.", r.CurrentStage)
	} else {
		kind := Kind(r.Failure.Kind)
		if kind == KindCancelled {
			fmt.Fprintf(&b, "Cancelled while working towards %s.", r.Failure.Stage)
		} else {
			fmt.Fprintf(&b, "Failed during %s (%s): %s.", r.Failure.Stage, kind, strings.TrimSuffix(r.Failure.Message, "."))
		}
		if hint, ok := hints[kind]; ok {
			b.WriteString(" ")
			b.WriteString(hint)
		}
	}
	switch {
	case r.RolledBack:
		fmt.Fprintf(&b, " Rolled back %s to their pre-run content.", files(len(r.FilesTouched)))
	case r.Commit != "":
		fmt.Fprintf(&b, " The change remains committed on branch %s at %s.", r.Branch, shortSHA(r.Commit))
	case !r.FilesWritten:
		b.WriteString(" No files were written.")
	default:
		b.WriteString(" Files were written but could not be rolled back; inspect the worktree.")
	}
	fmt.Fprintf(&b, " Cost $%.4f.", r.CumulativeCost)
	return b.String()
}

func explainAwaiting(r *record.DeploymentRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Awaiting approval for %s.", files(len(r.FilesTouched)))
	writeTests(&b, r)
	writeRisk(&b, r, false)
	fmt.Fprintf(&b, " Approve with `recdeploy approve %s` or reject with `recdeploy reject %s`.",
		r.RecommendationID, r.RecommendationID)
	return b.String()
}

func writeTests(b *strings.Builder, r *record.DeploymentRecord) {
	for i := len(r.StageHistory) - 1; i >= 0; i-- {
		if e := r.StageHistory[i]; e.Stage == record.StageTested && e.Detail != "" {
			fmt.Fprintf(b, " Tests: %s.", e.Detail)
			return
		}
	}
}

func writeRisk(b *strings.Builder, r *record.DeploymentRecord, hypothetical bool) {
	if r.RiskFactors == nil {
		return
	}
	fmt.Fprintf(b, " Risk %.2f", r.RiskScore)
	switch {
	case r.Approval.Required && hypothetical:
		fmt.Fprintf(b, ", would require approval: %s.", strings.Join(r.RiskReasons, "; "))
	case r.Approval.Required && r.Approval.Decision == record.ApprovalApproved:
		fmt.Fprintf(b, ", approved by %s.", orUnknown(r.Approval.By))
	case r.Approval.Required:
		fmt.Fprintf(b, ": %s.", strings.Join(r.RiskReasons, "; "))
	default:
		b.WriteString(", below the approval threshold.")
	}
}

func files(n int) string {
	if n == 1 {
		return "1 file"
	}
	return fmt.Sprintf("%d files", n)
}
