package jobdef_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netraven/netraven/pkg/jobdef"
	"github.com/netraven/netraven/pkg/types"
)

type fakeRegistry struct{ types []string }

func (r fakeRegistry) Types() []string { return r.types }

var registry = fakeRegistry{types: []string{"backup", "reachability", "command_run"}}

func validDef() *types.JobDefinition {
	return &types.JobDefinition{
		Name:     "nightly-backup",
		Type:     "backup",
		Target:   types.Target{DeviceID: uuid.New()},
		Schedule: types.Schedule{Kind: types.ScheduleInterval, IntervalSecs: 3600},
	}
}

func TestValidate_AcceptsWellFormedDefinition(t *testing.T) {
	v := jobdef.New(registry)
	assert.NoError(t, v.Validate(context.Background(), validDef(), time.Now().UTC()))
}

func TestValidate_RejectsEmptyName(t *testing.T) {
	v := jobdef.New(registry)
	def := validDef()
	def.Name = ""
	assert.Error(t, v.Validate(context.Background(), def, time.Now().UTC()))
}

func TestValidate_RejectsUnregisteredType(t *testing.T) {
	v := jobdef.New(registry)
	def := validDef()
	def.Type = "factory_reset"
	assert.Error(t, v.Validate(context.Background(), def, time.Now().UTC()))
}

func TestValidate_RejectsAmbiguousTarget(t *testing.T) {
	v := jobdef.New(registry)
	def := validDef()
	def.Target = types.Target{DeviceID: uuid.New(), TagIDs: []uuid.UUID{uuid.New()}}
	assert.Error(t, v.Validate(context.Background(), def, time.Now().UTC()))
}

func TestValidate_RejectsEmptyTarget(t *testing.T) {
	v := jobdef.New(registry)
	def := validDef()
	def.Target = types.Target{}
	assert.Error(t, v.Validate(context.Background(), def, time.Now().UTC()))
}

func TestValidate_RejectsIntervalBelowMinimum(t *testing.T) {
	v := jobdef.New(registry)
	def := validDef()
	def.Schedule = types.Schedule{Kind: types.ScheduleInterval, IntervalSecs: 30}
	assert.Error(t, v.Validate(context.Background(), def, time.Now().UTC()))
}

func TestValidate_AcceptsValidCron(t *testing.T) {
	v := jobdef.New(registry)
	def := validDef()
	def.Schedule = types.Schedule{Kind: types.ScheduleCron, CronExpression: "0 2 * * *"}
	assert.NoError(t, v.Validate(context.Background(), def, time.Now().UTC()))
}

func TestValidate_RejectsMalformedCron(t *testing.T) {
	v := jobdef.New(registry)
	def := validDef()
	def.Schedule = types.Schedule{Kind: types.ScheduleCron, CronExpression: "not a cron expression"}
	assert.Error(t, v.Validate(context.Background(), def, time.Now().UTC()))
}

func TestValidate_RejectsSixFieldCron(t *testing.T) {
	v := jobdef.New(registry)
	def := validDef()
	def.Schedule = types.Schedule{Kind: types.ScheduleCron, CronExpression: "0 0 2 * * *"}
	assert.Error(t, v.Validate(context.Background(), def, time.Now().UTC()))
}

func TestValidate_RejectsPastOneTime(t *testing.T) {
	v := jobdef.New(registry)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	def := validDef()
	def.Schedule = types.Schedule{Kind: types.ScheduleOneTime, OneTimeAt: now.Add(-time.Hour)}
	assert.Error(t, v.Validate(context.Background(), def, now))
}

func TestValidate_AcceptsFutureOneTime(t *testing.T) {
	v := jobdef.New(registry)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	def := validDef()
	def.Schedule = types.Schedule{Kind: types.ScheduleOneTime, OneTimeAt: now.Add(time.Hour)}
	require.NoError(t, v.Validate(context.Background(), def, now))
}

func TestValidate_RejectsUnknownScheduleKind(t *testing.T) {
	v := jobdef.New(registry)
	def := validDef()
	def.Schedule = types.Schedule{Kind: types.ScheduleKind("weekly")}
	assert.Error(t, v.Validate(context.Background(), def, time.Now().UTC()))
}
