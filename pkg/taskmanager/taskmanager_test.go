package taskmanager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTaskManager_RunsAndRecordsStatus(t *testing.T) {
	tm := New(Config{MaxTasks: 2}, zap.NewNop())

	okID, err := tm.Submit("ok", func(context.Context) error { return nil })
	require.NoError(t, err)
	failID, err := tm.Submit("fail", func(context.Context) error { return errors.New("boom") })
	require.NoError(t, err)
	panicID, err := tm.Submit("panic", func(context.Context) error { panic("kaboom") })
	require.NoError(t, err)

	tm.Wait()

	task, err := tm.GetTask(okID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCompleted, task.Status)

	task, err = tm.GetTask(failID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, task.Status)
	assert.Equal(t, "boom", task.Message)

	task, err = tm.GetTask(panicID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, task.Status)
	assert.Contains(t, task.Message, "kaboom")
	assert.Zero(t, tm.Active())
}

func TestTaskManager_LimitsConcurrency(t *testing.T) {
	tm := New(Config{MaxTasks: 2}, zap.NewNop())
	release := make(chan struct{})
	var running, peak atomic.Int32

	for i := 0; i < 6; i++ {
		_, err := tm.Submit("stage", func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		})
		require.NoError(t, err)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	tm.Wait()
	assert.Equal(t, int32(2), peak.Load())
}

func TestTaskManager_CancelTask(t *testing.T) {
	tm := New(Config{MaxTasks: 1}, zap.NewNop())
	started := make(chan struct{})
	id, err := tm.Submit("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, tm.CancelTask(id))
	tm.Wait()

	task, err := tm.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCancelled, task.Status)
	assert.Error(t, tm.CancelTask(id), "finished task cannot be cancelled")
	_, err = tm.GetTask(uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskManager_ShutdownWaitsThenRejects(t *testing.T) {
	tm := New(Config{MaxTasks: 4}, zap.NewNop())
	var done atomic.Bool
	_, err := tm.Submit("short", func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		done.Store(true)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, tm.Shutdown(context.Background()))
	assert.True(t, done.Load())

	_, err = tm.Submit("late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTaskManager_ShutdownTimeoutCancels(t *testing.T) {
	tm := New(Config{MaxTasks: 1}, zap.NewNop())
	started := make(chan struct{})
	_, err := tm.Submit("stuck", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, tm.Shutdown(ctx))
	tm.Wait()
}

func TestTaskManager_CleanupTasks(t *testing.T) {
	tm := New(Config{}, zap.NewNop())
	_, err := tm.Submit("ok", func(context.Context) error { return nil })
	require.NoError(t, err)
	tm.Wait()

	assert.Zero(t, tm.CleanupTasks(time.Hour))
	assert.Equal(t, 1, tm.CleanupTasks(0))
}
