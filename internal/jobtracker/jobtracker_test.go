package jobtracker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackRejectsDuplicateJobID(t *testing.T) {
	tr := New()

	ok := tr.Track(Assignment{JobID: "job-1", TargetID: "t1", AssignedAt: time.Now()})
	require.True(t, ok)

	ok = tr.Track(Assignment{JobID: "job-1", TargetID: "t2", AssignedAt: time.Now()})
	assert.False(t, ok, "a job ID must be assigned at most once")

	a, ok := tr.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, "t1", a.TargetID, "the original assignment must not be overwritten")
}

func TestHasReflectsTrackedJobs(t *testing.T) {
	tr := New()
	assert.False(t, tr.Has("job-1"))

	tr.Track(Assignment{JobID: "job-1", TargetID: "t1", AssignedAt: time.Now()})
	assert.True(t, tr.Has("job-1"))
}

func TestRunServiceURLDoubleKeying(t *testing.T) {
	tr := New()

	tr.SetRunServiceURL("job-1", "https://run.example/a/")
	tr.SetRunServiceURL("msg-1", "https://run.example/a/")

	byJob, ok := tr.RunServiceURL("job-1")
	require.True(t, ok)
	assert.Equal(t, "https://run.example/a/", byJob)

	byMessage, ok := tr.RunServiceURL("msg-1")
	require.True(t, ok)
	assert.Equal(t, "https://run.example/a/", byMessage)

	_, ok = tr.RunServiceURL("unknown")
	assert.False(t, ok)
}

func TestAcquiredDetailsRoundTrip(t *testing.T) {
	tr := New()
	body := json.RawMessage(`{"runServiceUrl":"https://run.example/"}`)

	tr.SetAcquiredDetails("job-1", body)

	got, ok := tr.AcquiredDetails("job-1")
	require.True(t, ok)
	assert.JSONEq(t, string(body), string(got))
}

func TestRemoveClearsJobKeyedEntriesOnly(t *testing.T) {
	tr := New()
	tr.Track(Assignment{JobID: "job-1", TargetID: "t1", AssignedAt: time.Now()})
	tr.SetRunServiceURL("job-1", "https://run.example/")
	tr.SetRunServiceURL("msg-1", "https://run.example/")

	tr.Remove("job-1")

	assert.False(t, tr.Has("job-1"))
	_, ok := tr.RunServiceURL("job-1")
	assert.False(t, ok)

	// The message-ID-keyed entry is untouched — Remove only clears the
	// job-ID-keyed view.
	_, ok = tr.RunServiceURL("msg-1")
	assert.True(t, ok)
}

func TestGetJobsForTargetFiltersByTarget(t *testing.T) {
	tr := New()
	tr.Track(Assignment{JobID: "job-1", TargetID: "t1", AssignedAt: time.Now()})
	tr.Track(Assignment{JobID: "job-2", TargetID: "t1", AssignedAt: time.Now()})
	tr.Track(Assignment{JobID: "job-3", TargetID: "t2", AssignedAt: time.Now()})

	assert.Len(t, tr.GetJobsForTarget("t1"), 2)
	assert.Len(t, tr.GetJobsForTarget("t2"), 1)
	assert.Empty(t, tr.GetJobsForTarget("t3"))
}

func TestClearTargetRemovesOnlyThatTargetsJobs(t *testing.T) {
	tr := New()
	tr.Track(Assignment{JobID: "job-1", TargetID: "t1", AssignedAt: time.Now()})
	tr.Track(Assignment{JobID: "job-2", TargetID: "t2", AssignedAt: time.Now()})

	tr.ClearTarget("t1")

	assert.False(t, tr.Has("job-1"))
	assert.True(t, tr.Has("job-2"))
}

func TestClearAllDropsEverything(t *testing.T) {
	tr := New()
	tr.Track(Assignment{JobID: "job-1", TargetID: "t1", AssignedAt: time.Now()})
	tr.SetRunServiceURL("job-1", "https://run.example/")

	tr.ClearAll()

	assert.Equal(t, 0, tr.Count())
	_, ok := tr.RunServiceURL("job-1")
	assert.False(t, ok)
}
