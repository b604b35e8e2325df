package jobs_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentkit/entitlement/pkg/jobs"
)

type countingJob struct {
	name  string
	runs  atomic.Int64
	panic bool
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(context.Context) error {
	j.runs.Add(1)
	if j.panic {
		panic("boom")
	}
	return nil
}

func TestRunner(t *testing.T) {
	t.Parallel()

	t.Run("jobs run immediately and then on the ticker", func(t *testing.T) {
		t.Parallel()

		runner := jobs.NewRunner(testLog)
		job := &countingJob{name: "counter"}
		require.NoError(t, runner.Register(job, 20*time.Millisecond))

		require.NoError(t, runner.Start(context.Background()))
		defer runner.Stop()

		assert.Eventually(t, func() bool {
			return job.runs.Load() >= 2
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("stop waits for loops to exit", func(t *testing.T) {
		t.Parallel()

		runner := jobs.NewRunner(testLog)
		job := &countingJob{name: "counter"}
		require.NoError(t, runner.Register(job, time.Hour))

		require.NoError(t, runner.Start(context.Background()))
		runner.Stop()

		ran := job.runs.Load()
		assert.GreaterOrEqual(t, ran, int64(1), "immediate run happened before stop")
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, ran, job.runs.Load(), "no runs after stop")
	})

	t.Run("a panicking job does not kill the runner", func(t *testing.T) {
		t.Parallel()

		runner := jobs.NewRunner(testLog)
		job := &countingJob{name: "fragile", panic: true}
		require.NoError(t, runner.Register(job, 10*time.Millisecond))

		require.NoError(t, runner.Start(context.Background()))
		defer runner.Stop()

		assert.Eventually(t, func() bool {
			return job.runs.Load() >= 2
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("registration is rejected after start", func(t *testing.T) {
		t.Parallel()

		runner := jobs.NewRunner(testLog)
		require.NoError(t, runner.Start(context.Background()))
		defer runner.Stop()

		err := runner.Register(&countingJob{name: "late"}, time.Minute)
		assert.ErrorIs(t, err, jobs.ErrRunnerStarted)
	})

	t.Run("invalid registrations", func(t *testing.T) {
		t.Parallel()

		runner := jobs.NewRunner(testLog)
		assert.Error(t, runner.Register(nil, time.Minute))
		assert.Error(t, runner.Register(&countingJob{name: "zero"}, 0))
	})
}
