// Package credentials implements the ordered, lazy credential
// resolution sequence the device-session worker loop consumes: given
// a device, produce candidates in a deterministic order and let the
// caller record each attempt's outcome.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/netraven/netraven/pkg/storage"
	"github.com/netraven/netraven/pkg/types"
)

// ErrNoCandidates is returned by Resolve when no credential's tag set
// intersects the device's tag set.
var ErrNoCandidates = errors.New("credentials: no candidates for device")

// DecryptError reports that a specific credential's secret could not
// be decrypted. It is fatal only for that candidate; the sequence
// continues to the next one.
type DecryptError struct {
	CredentialID uuid.UUID
	Err          error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("credentials: decrypt credential %s: %v", e.CredentialID, e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// Candidate is one credential offered by the resolver, paired with a
// callback to record whether using it succeeded.
type Candidate struct {
	CredentialID uuid.UUID
	Username     string
	Secret       []byte

	repo storage.Repository
}

// RecordOutcome persists the success/failure counter update for this
// candidate's credential. Only authentication outcomes should be
// recorded here — network-unreachability failures never count against
// a credential (see pkg/session and pkg/dispatcher).
func (c *Candidate) RecordOutcome(ctx context.Context, success bool) error {
	return c.repo.RecordCredentialOutcome(ctx, c.CredentialID, nil, success)
}

// Sequence is the ordered, lazy stream of Candidates for one device.
// Each call to Next decrypts the next candidate's secret; a candidate
// whose secret cannot be decrypted is reported via a *DecryptError and
// the internal cursor still advances, so the caller can simply retry
// Next until it returns (nil, nil) for exhaustion.
type Sequence struct {
	repo  storage.Repository
	creds []*types.Credential
	idx   int
}

// Next returns the next candidate, or (nil, nil) once exhausted, or
// (nil, *DecryptError) if the next candidate's secret failed to
// decrypt — the caller should log that and call Next again.
func (s *Sequence) Next(ctx context.Context) (*Candidate, error) {
	if s.idx >= len(s.creds) {
		return nil, nil
	}
	cred := s.creds[s.idx]
	s.idx++

	plaintext, err := s.repo.DecryptSecret(ctx, cred.EncryptedSecret)
	if err != nil {
		return nil, &DecryptError{CredentialID: cred.ID, Err: err}
	}
	return &Candidate{
		CredentialID: cred.ID,
		Username:     cred.Username,
		Secret:       plaintext,
		repo:         s.repo,
	}, nil
}

// Remaining reports how many undecrypted candidates are still queued.
func (s *Sequence) Remaining() int { return len(s.creds) - s.idx }

// Resolver resolves credential candidates for devices against a
// Repository.
type Resolver struct {
	repo storage.Repository
}

// NewResolver builds a Resolver backed by repo.
func NewResolver(repo storage.Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve returns the ordered candidate sequence for device. Ordering
// is (priority asc, success-count desc, failure-count asc, id asc),
// a total order so repeated calls with identical inputs produce
// identical sequences.
func (r *Resolver) Resolve(ctx context.Context, device *types.Device) (*Sequence, error) {
	creds, err := r.repo.ListCredentialsForDevice(ctx, device.ID)
	if err != nil {
		return nil, fmt.Errorf("credentials: list credentials for device %s: %w", device.ID, err)
	}
	if len(creds) == 0 {
		return nil, ErrNoCandidates
	}

	sort.SliceStable(creds, func(i, j int) bool {
		a, b := creds[i], creds[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.SuccessCount != b.SuccessCount {
			return a.SuccessCount > b.SuccessCount
		}
		if a.FailureCount != b.FailureCount {
			return a.FailureCount < b.FailureCount
		}
		return a.ID.String() < b.ID.String()
	})

	return &Sequence{repo: r.repo, creds: creds}, nil
}
