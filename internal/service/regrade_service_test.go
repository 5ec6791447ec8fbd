package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograde/internal/dto"
	"github.com/noah-isme/gema-autograde/internal/models"
	"github.com/noah-isme/gema-autograde/internal/service"
)

func TestChunkIDsPreservesOrderAndBounds(t *testing.T) {
	ids := make([]uint, 250)
	for i := range ids {
		ids[i] = uint(i + 1)
	}

	chunks := service.ChunkIDs(ids, 100)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 100)
	require.Len(t, chunks[1], 100)
	require.Len(t, chunks[2], 50)

	var joined []uint
	for _, chunk := range chunks {
		joined = append(joined, chunk...)
	}
	require.Equal(t, ids, joined)

	require.Len(t, service.ChunkIDs(ids, 0), 3)
	require.Empty(t, service.ChunkIDs(nil, 100))
	require.Equal(t, [][]uint{{1, 2}, {3}}, service.ChunkIDs([]uint{1, 2, 3}, 2))
}

func TestRegradeAssignmentEnqueuesOneJobPerChunk(t *testing.T) {
	h := newHarness(t)
	assignment := h.seedAssignment(t, "hw1", "abc123")
	user := h.seedUser(t, "jd1", "jdoe")

	var owned []uint
	for _, commit := range []string{"c1", "c2", "c3", "c4", "c5"} {
		owned = append(owned, h.seedSubmission(t, assignment, commit, &user.ID, true).ID)
	}
	h.seedSubmission(t, assignment, "dangling", nil, true)

	resp, err := h.regrade(2).RegradeAssignment(context.Background(), "hw1", dto.RegradeFilter{})
	require.NoError(t, err)
	require.Equal(t, owned, resp.Submissions)
	require.Equal(t, 3, resp.Chunks)

	jobs := h.publisher.byKind(service.JobBulkRegrade)
	require.Len(t, jobs, 3)
	var scheduled []uint
	for _, job := range jobs {
		require.Equal(t, service.QueueDefault, job.Queue)
		var chunk []uint
		require.NoError(t, job.DecodeArgs(&chunk))
		require.LessOrEqual(t, len(chunk), 2)
		scheduled = append(scheduled, chunk...)
	}
	require.ElementsMatch(t, owned, scheduled)
}

func TestRegradeAssignmentFilters(t *testing.T) {
	h := newHarness(t)
	assignment := h.seedAssignment(t, "hw1", "abc123")
	user := h.seedUser(t, "jd1", "jdoe")

	recent := h.seedSubmission(t, assignment, "recent", &user.ID, false)
	old := h.seedSubmission(t, assignment, "old", &user.ID, true)
	require.NoError(t, h.db.Model(&models.Submission{}).Where("id = ?", old.ID).
		UpdateColumn("created_at", time.Now().Add(-48*time.Hour)).Error)

	svc := h.regrade(100)
	resp, err := svc.RegradeAssignment(context.Background(), "hw1", dto.RegradeFilter{Hours: 24})
	require.NoError(t, err)
	require.Equal(t, []uint{recent.ID}, resp.Submissions)

	resp, err = svc.RegradeAssignment(context.Background(), "hw1", dto.RegradeFilter{Processed: true})
	require.NoError(t, err)
	require.Equal(t, []uint{old.ID}, resp.Submissions)

	_, err = svc.RegradeAssignment(context.Background(), "missing", dto.RegradeFilter{})
	require.ErrorIs(t, err, service.ErrAssignmentUnknown)
}

func TestRegradeAssignmentReportsPartialEnqueue(t *testing.T) {
	h := newHarness(t)
	assignment := h.seedAssignment(t, "hw1", "abc123")
	user := h.seedUser(t, "jd1", "jdoe")
	for _, commit := range []string{"c1", "c2", "c3"} {
		h.seedSubmission(t, assignment, commit, &user.ID, true)
	}

	h.publisher.failAfter = 1
	resp, err := h.regrade(1).RegradeAssignment(context.Background(), "hw1", dto.RegradeFilter{})
	require.ErrorIs(t, err, service.ErrEnqueueFailed)
	require.Equal(t, 1, resp.Chunks)
	require.Len(t, h.publisher.byKind(service.JobBulkRegrade), 1)
}

func TestExecuteChunkRegradesOwnedAndSkipsMissing(t *testing.T) {
	h := newHarness(t)
	assignment := h.seedAssignment(t, "hw1", "abc123", "unit")
	user := h.seedUser(t, "jd1", "jdoe")

	first := h.seedSubmission(t, assignment, "c1", &user.ID, true)
	second := h.seedSubmission(t, assignment, "c2", &user.ID, true)
	dangling := h.seedSubmission(t, assignment, "c3", nil, true)

	err := h.regrade(100).ExecuteChunk(context.Background(), []uint{first.ID, 9999, second.ID, dangling.ID}, time.Now())
	require.NoError(t, err)

	for _, id := range []uint{first.ID, second.ID} {
		stored, err := h.submissions.GetByID(context.Background(), id)
		require.NoError(t, err)
		require.False(t, stored.Processed)
		require.Equal(t, models.ControlRegrading, stored.Control)
		require.Equal(t, models.StateRegrading, stored.State)
	}

	jobs := h.publisher.byKind(service.JobPipelineRun)
	require.Len(t, jobs, 2)
	require.Equal(t, first.ID, jobSubmissionID(t, jobs[0]))
	require.Equal(t, second.ID, jobSubmissionID(t, jobs[1]))
}

func TestExecuteChunkCollectsFailuresWithoutAborting(t *testing.T) {
	h := newHarness(t)
	assignment := h.seedAssignment(t, "hw1", "abc123")
	user := h.seedUser(t, "jd1", "jdoe")
	first := h.seedSubmission(t, assignment, "c1", &user.ID, true)
	second := h.seedSubmission(t, assignment, "c2", &user.ID, true)

	h.publisher.failOn[service.JobPipelineRun] = true
	err := h.regrade(100).ExecuteChunk(context.Background(), []uint{first.ID, second.ID}, time.Now())
	require.ErrorIs(t, err, service.ErrEnqueueFailed)
	require.Contains(t, err.Error(), "submission 1")
	require.Contains(t, err.Error(), "submission 2")
}

func TestExecuteChunkRedeliverySkipsSubmissionsAlreadyDispatched(t *testing.T) {
	h := newHarness(t)
	assignment := h.seedAssignment(t, "hw1", "abc123")
	user := h.seedUser(t, "jd1", "jdoe")
	first := h.seedSubmission(t, assignment, "c1", &user.ID, true)
	second := h.seedSubmission(t, assignment, "c2", &user.ID, true)
	require.NoError(t, h.db.Model(&models.Submission{}).Where("id IN ?", []uint{first.ID, second.ID}).
		UpdateColumn("dispatched_at", time.Now().Add(-time.Hour)).Error)

	svc := h.regrade(100)
	ctx := context.Background()
	enqueuedAt := time.Now().Add(-time.Second)

	h.publisher.failAfter = 1
	err := svc.ExecuteChunk(ctx, []uint{first.ID, second.ID}, enqueuedAt)
	require.ErrorIs(t, err, service.ErrEnqueueFailed)
	require.Len(t, h.publisher.byKind(service.JobPipelineRun), 1)

	h.publisher.failAfter = -1
	require.NoError(t, svc.ExecuteChunk(ctx, []uint{first.ID, second.ID}, enqueuedAt))

	jobs := h.publisher.byKind(service.JobPipelineRun)
	require.Len(t, jobs, 2)
	require.Equal(t, first.ID, jobSubmissionID(t, jobs[0]))
	require.Equal(t, second.ID, jobSubmissionID(t, jobs[1]))

	for _, id := range []uint{first.ID, second.ID} {
		stored, err := h.submissions.GetByID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.ControlRegrading, stored.Control)
		require.NotNil(t, stored.DispatchedAt)
		require.True(t, stored.DispatchedAt.After(enqueuedAt))
	}
}

func TestRegradeOwnCommitRules(t *testing.T) {
	h := newHarness(t)
	assignment := h.seedAssignment(t, "hw1", "abc123")
	owner := h.seedUser(t, "jd1", "jdoe")
	other := h.seedUser(t, "xy1", "xyz")

	finished := h.seedSubmission(t, assignment, "done", &owner.ID, true)
	h.seedSubmission(t, assignment, "running", &owner.ID, false)

	svc := h.regrade(100)
	ctx := context.Background()

	_, err := svc.RegradeOwnCommit(ctx, other.ID, "done")
	require.ErrorIs(t, err, service.ErrSubmissionForbidden)

	_, err = svc.RegradeOwnCommit(ctx, owner.ID, "running")
	require.ErrorIs(t, err, service.ErrSubmissionInFlight)

	_, err = svc.RegradeOwnCommit(ctx, owner.ID, "unknown")
	require.ErrorIs(t, err, service.ErrSubmissionNotFound)

	status, err := svc.RegradeOwnCommit(ctx, owner.ID, "done")
	require.NoError(t, err)
	require.Equal(t, finished.ID, status.ID)
	require.Equal(t, string(models.ControlRegrading), status.Control)
	require.Len(t, h.publisher.byKind(service.JobPipelineRun), 1)

	require.NoError(t, h.db.Model(&models.Assignment{}).Where("id = ?", assignment.ID).Update("autograde_enabled", false).Error)
	require.NoError(t, h.db.Model(&models.Submission{}).Where("id = ?", finished.ID).UpdateColumn("processed", true).Error)
	_, err = svc.RegradeOwnCommit(ctx, owner.ID, "done")
	require.ErrorIs(t, err, service.ErrAutogradeDisabled)
}

func TestRegradeCommitRejectsDangling(t *testing.T) {
	h := newHarness(t)
	assignment := h.seedAssignment(t, "hw1", "abc123")
	h.seedSubmission(t, assignment, "orphan", nil, true)

	_, err := h.regrade(100).RegradeCommit(context.Background(), "orphan")
	require.ErrorIs(t, err, service.ErrSubmissionDangling)
	require.Empty(t, h.publisher.byKind(service.JobPipelineRun))
}

func TestReportStateSanitizesAndTerminates(t *testing.T) {
	h := newHarness(t)
	assignment := h.seedAssignment(t, "hw1", "abc123")
	user := h.seedUser(t, "jd1", "jdoe")
	submission := h.seedSubmission(t, assignment, "c1", &user.ID, false)
	ctx := context.Background()

	progress, err := h.lifecycle.ReportState(ctx, submission.ID, dto.StateReportRequest{State: "<b>Running tests</b>"})
	require.NoError(t, err)
	require.Equal(t, "Running tests", progress.State)
	require.False(t, progress.Processed)

	done, err := h.lifecycle.ReportState(ctx, submission.ID, dto.StateReportRequest{State: "Tests complete", Processed: true})
	require.NoError(t, err)
	require.True(t, done.Processed)
	require.Equal(t, string(models.ControlTerminal), done.Control)

	_, err = h.lifecycle.ReportState(ctx, submission.ID, dto.StateReportRequest{State: "<b></b>"})
	require.ErrorIs(t, err, service.ErrInvalidStateReport)

	_, err = h.lifecycle.ReportState(ctx, 4242, dto.StateReportRequest{State: "Running"})
	require.ErrorIs(t, err, service.ErrSubmissionNotFound)
}
