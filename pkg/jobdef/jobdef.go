// Package jobdef validates JobDefinition input at create/update time,
// so malformed schedules, unknown job types, and ambiguous targets are
// rejected before they ever reach the scheduler or dispatcher.
package jobdef

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/netraven/netraven/pkg/types"
)

// minIntervalSeconds is spec.md's floor on interval schedules, chosen
// to keep a misconfigured job from saturating the dispatcher.
const minIntervalSeconds = 60

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type input struct {
	Name string `validate:"required"`
	Type string `validate:"required"`
}

// TypeRegistry is the subset of handlers.Registry jobdef needs: enough
// to reject an unregistered job type without importing the handlers
// package (which would make jobdef depend on every handler's own
// dependency tree).
type TypeRegistry interface {
	Types() []string
}

// Validator checks JobDefinition input against struct-tag rules plus
// the relational invariants validator tags can't express on their
// own: exactly-one-of target, schedule descriptor shape, and
// registered job type.
type Validator struct {
	structValidate *validator.Validate
	registry       TypeRegistry
}

// New builds a Validator. registry supplies the set of job type keys
// considered valid.
func New(registry TypeRegistry) *Validator {
	return &Validator{
		structValidate: validator.New(validator.WithRequiredStructEnabled()),
		registry:       registry,
	}
}

// Validate rejects def if it fails any struct-tag rule, references an
// unregistered job type, sets zero or both of device/tags on its
// target, or carries a schedule whose shape is invalid for its kind.
// now is the reference instant for one-time schedule future checks
// and is normally time.Now().UTC(); tests pass a fixed value.
func (v *Validator) Validate(ctx context.Context, def *types.JobDefinition, now time.Time) error {
	if err := v.structValidate.StructCtx(ctx, input{Name: def.Name, Type: def.Type}); err != nil {
		return fmt.Errorf("jobdef: %w", err)
	}

	if !v.isRegisteredType(def.Type) {
		return fmt.Errorf("jobdef: unknown job type %q", def.Type)
	}

	if err := def.Target.Validate(); err != nil {
		return fmt.Errorf("jobdef: %w", err)
	}

	if err := validateSchedule(def.Schedule, now); err != nil {
		return fmt.Errorf("jobdef: %w", err)
	}

	return nil
}

func (v *Validator) isRegisteredType(typeKey string) bool {
	for _, t := range v.registry.Types() {
		if t == typeKey {
			return true
		}
	}
	return false
}

func validateSchedule(s types.Schedule, now time.Time) error {
	switch s.Kind {
	case types.ScheduleInterval:
		if s.IntervalSecs < minIntervalSeconds {
			return fmt.Errorf("interval schedule must be at least %d seconds, got %d", minIntervalSeconds, s.IntervalSecs)
		}
		return nil

	case types.ScheduleCron:
		if _, err := cronParser.Parse(s.CronExpression); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.CronExpression, err)
		}
		return nil

	case types.ScheduleOneTime:
		if !s.OneTimeAt.After(now) {
			return fmt.Errorf("onetime schedule must fire in the future, got %s (now is %s)", s.OneTimeAt, now)
		}
		return nil

	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}
