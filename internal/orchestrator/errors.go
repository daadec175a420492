package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/lucasnoah/recdeploy/internal/codegen"
	"github.com/lucasnoah/recdeploy/internal/integration"
	"github.com/lucasnoah/recdeploy/internal/lock"
	"github.com/lucasnoah/recdeploy/internal/record"
	"github.com/lucasnoah/recdeploy/internal/safety"
	"github.com/lucasnoah/recdeploy/internal/testrun"
	"github.com/lucasnoah/recdeploy/internal/vcs"
)

// Kind is the failure kind preserved on a record for audit.
type Kind string

const (
	KindMappingFailure         Kind = "mapping_failure"
	KindNoViableInsertionPoint Kind = "no_viable_insertion_point"
	KindImplementationInvalid  Kind = "implementation_invalid"
	KindBackendFailure         Kind = "backend_failure"
	KindTestTimeout            Kind = "test_timeout"
	KindTestUnstable           Kind = "test_unstable"
	KindTestFailed             Kind = "test_failed"
	KindCostLimitExceeded      Kind = "cost_limit_exceeded"
	KindPushConflict           Kind = "push_conflict"
	KindMergeConflict          Kind = "merge_conflict"
	KindBranchExists           Kind = "branch_exists"
	KindApprovalRejected       Kind = "approval_rejected"
	KindCancelled              Kind = "cancelled"
	KindInternal               Kind = "internal"
)

// StageError is a pipeline failure attributed to the stage being produced.
type StageError struct {
	Kind  Kind
	Stage record.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s during %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(kind Kind, stage record.Stage, format string, args ...any) *StageError {
	return &StageError{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// classify maps an error from producing stage to a StageError. Errors that
// already carry a kind keep it.
func classify(stage record.Stage, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	kind := KindInternal
	switch {
	case errors.Is(err, safety.ErrCostLimitExceeded):
		kind = KindCostLimitExceeded
	case errors.Is(err, integration.ErrNoViableInsertionPoint):
		kind = KindNoViableInsertionPoint
	case errors.Is(err, codegen.ErrImplementationInvalid):
		kind = KindImplementationInvalid
	case errors.Is(err, codegen.ErrBackend):
		kind = KindBackendFailure
	case errors.Is(err, vcs.ErrPushConflict):
		kind = KindPushConflict
	case errors.Is(err, vcs.ErrMergeConflict):
		kind = KindMergeConflict
	case errors.Is(err, vcs.ErrBranchExists):
		kind = KindBranchExists
	case errors.Is(err, testrun.ErrNoTestCommand):
		kind = KindTestFailed
	case errors.Is(err, context.Canceled):
		kind = KindCancelled
	case stage == record.StageMapped:
		kind = KindMappingFailure
	}
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

// IsLockHeld reports whether err means another worker owns the id.
func IsLockHeld(err error) bool {
	return errors.Is(err, lock.ErrLockHeld)
}

// hints suggest what an operator can do about each kind.
var hints = map[Kind]string{
	KindMappingFailure:         "Check that the repository path is readable.",
	KindNoViableInsertionPoint: "No writable location exists in the repository; check permissions on the target and misc directories.",
	KindImplementationInvalid:  "The generated code never passed validation; refine the recommendation or raise codegen.max_attempts.",
	KindBackendFailure:         "The code-generation backend kept failing; check credentials, rate limits and codegen.timeout.",
	KindTestTimeout:            "The test suite exceeded tests.timeout on every attempt; raise the timeout or narrow tests.command.",
	KindTestUnstable:           "Test results differed between identical runs and the change was not approved.",
	KindTestFailed:             "The change broke the test suite; see the failures in the tests artifact.",
	KindCostLimitExceeded:      "Spend would exceed the cost ceiling; raise safety.cost_ceiling_usd to continue.",
	KindPushConflict:           "The remote rejected the push after a re-fetch; the base branch is moving, retry later.",
	KindMergeConflict:          "The change conflicts with the base branch and was not resolved automatically.",
	KindBranchExists:           "The recommendation's branch already exists; another run owns it.",
	KindApprovalRejected:       "An operator rejected the change.",
	KindCancelled:              "Resubmit the recommendation to run it again.",
	KindInternal:               "Unexpected error; see the logs for the run id.",
}
