package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netraven/netraven/pkg/types"
)

func TestComputeNextFire_IntervalStartupWithoutFireImmediately(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	def := &types.JobDefinition{Schedule: types.Schedule{Kind: types.ScheduleInterval, IntervalSecs: 300}}

	at, err := computeNextFire(def, time.Time{}, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), at)
}

func TestComputeNextFire_IntervalStartupWithFireImmediately(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	def := &types.JobDefinition{Schedule: types.Schedule{Kind: types.ScheduleInterval, IntervalSecs: 300, FireImmediately: true}}

	at, err := computeNextFire(def, time.Time{}, now)
	require.NoError(t, err)
	assert.Equal(t, now, at)
}

func TestComputeNextFire_IntervalNextAfterLastFire(t *testing.T) {
	last := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := last.Add(time.Minute)
	def := &types.JobDefinition{Schedule: types.Schedule{Kind: types.ScheduleInterval, IntervalSecs: 300}}

	at, err := computeNextFire(def, last, now)
	require.NoError(t, err)
	assert.Equal(t, last.Add(5*time.Minute), at)
}

func TestComputeNextFire_IntervalCatchesUpWhenOverdue(t *testing.T) {
	last := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := last.Add(time.Hour)
	def := &types.JobDefinition{Schedule: types.Schedule{Kind: types.ScheduleInterval, IntervalSecs: 300}}

	at, err := computeNextFire(def, last, now)
	require.NoError(t, err)
	assert.Equal(t, now, at, "an overdue interval fires at now rather than accumulating a backlog")
}

func TestComputeNextFire_IntervalRejectsNonPositivePeriod(t *testing.T) {
	def := &types.JobDefinition{Schedule: types.Schedule{Kind: types.ScheduleInterval, IntervalSecs: 0}}
	_, err := computeNextFire(def, time.Time{}, time.Now())
	assert.Error(t, err)
}

func TestComputeNextFire_CronMatchesNextUTCOccurrence(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	def := &types.JobDefinition{Schedule: types.Schedule{Kind: types.ScheduleCron, CronExpression: "0 13 * * *"}}

	at, err := computeNextFire(def, time.Time{}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC), at)
}

func TestComputeNextFire_CronRejectsSixFieldExpression(t *testing.T) {
	def := &types.JobDefinition{Schedule: types.Schedule{Kind: types.ScheduleCron, CronExpression: "0 0 13 * * *"}}
	_, err := computeNextFire(def, time.Time{}, time.Now())
	assert.Error(t, err)
}

func TestComputeNextFire_OneTimeFiresOnceThenNever(t *testing.T) {
	fireAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	def := &types.JobDefinition{Schedule: types.Schedule{Kind: types.ScheduleOneTime, OneTimeAt: fireAt}}

	at, err := computeNextFire(def, time.Time{}, fireAt.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, fireAt, at)

	_, err = computeNextFire(def, fireAt, fireAt.Add(time.Hour))
	assert.Error(t, err)
}

func TestComputeNextFire_UnknownKindRejected(t *testing.T) {
	def := &types.JobDefinition{Schedule: types.Schedule{Kind: types.ScheduleKind("weekly")}}
	_, err := computeNextFire(def, time.Time{}, time.Now())
	assert.Error(t, err)
}
