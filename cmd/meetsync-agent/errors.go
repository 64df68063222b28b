// Copyright Meridian Apps, Inc.
// SPDX-License-Identifier: MIT

// The meetsync-agent service.
package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/nats-io/nats.go"
)

// errorKind is the tag consumed by the presentation layer. Three buckets:
// silent failures are logged only, actionable ones are shown with a button,
// everything else falls back to a generic alert.
type errorKind int

const (
	// errKindSilent covers user-cancelled sign-in, transient network
	// blips, and rate limiting. Logged, never surfaced.
	errKindSilent errorKind = iota
	// errKindActionable covers conditions a user can fix: missing
	// account, storage quota, revoked credential.
	errKindActionable
	// errKindGeneric is the fallback for anything unrecognized.
	errKindGeneric
)

func (k errorKind) String() string {
	switch k {
	case errKindSilent:
		return "silent"
	case errKindActionable:
		return "actionable"
	default:
		return "generic"
	}
}

// Sentinel errors for conditions the agent raises itself.
var (
	// errNotSignedIn is raised when no actor identity is configured.
	errNotSignedIn = errors.New("no signed-in account")
	// errQuotaExceeded is raised when the remote store rejects a write
	// for capacity reasons.
	errQuotaExceeded = errors.New("remote storage quota exceeded")
	// errShareRevoked is raised when a share handle no longer resolves.
	errShareRevoked = errors.New("share has been revoked")
)

// errUnknownCommand rejects a command subject the agent does not serve.
func errUnknownCommand(op string) error {
	return fmt.Errorf("unknown command %q", op)
}

// errMeetingNotPushed rejects sharing a meeting that only exists as a local
// dirty draft. A share handle for a record the remote store has never seen
// would hand out a dead link.
func errMeetingNotPushed(id RecordID) error {
	return fmt.Errorf("meeting %s has unpushed local edits", id)
}

// classifyError buckets an error into its kind.
func classifyError(err error) errorKind {
	switch {
	case err == nil:
		return errKindSilent
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errKindSilent
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrNoResponders):
		return errKindSilent
	case errors.Is(err, errNotSignedIn), errors.Is(err, errQuotaExceeded), errors.Is(err, errShareRevoked):
		return errKindActionable
	}

	var throttled *dynamotypes.ProvisionedThroughputExceededException
	if errors.As(err, &throttled) {
		// Rate limiting resolves itself on the next cycle.
		return errKindSilent
	}
	var limitExceeded *dynamotypes.LimitExceededException
	if errors.As(err, &limitExceeded) {
		return errKindActionable
	}

	return errKindGeneric
}

// lastError is the single observable error slot the presentation layer reads
// and clears. Setting a silent error only logs; anything else replaces the
// current value.
type lastError struct {
	mu   sync.Mutex
	err  error
	kind errorKind
}

// set records err unless it classifies as silent.
func (l *lastError) set(err error) {
	if err == nil {
		return
	}
	kind := classifyError(err)
	if kind == errKindSilent {
		logger.With(errKey, err).Debug("suppressing silent error")
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
	l.kind = kind
}

// take returns and clears the current error.
func (l *lastError) take() (error, errorKind) {
	l.mu.Lock()
	defer l.mu.Unlock()
	err, kind := l.err, l.kind
	l.err = nil
	l.kind = errKindSilent
	return err, kind
}

// failureEscalator counts consecutive failures on one path and reports when
// the count crosses the surfacing threshold. Used on the location-push path,
// where individual blips stay silent but a run of them deserves UI.
type failureEscalator struct {
	mu        sync.Mutex
	threshold int
	count     int
}

func newFailureEscalator(threshold int) *failureEscalator {
	return &failureEscalator{threshold: threshold}
}

// observe records one outcome and returns true when consecutive failures have
// reached the threshold. A success resets the run.
func (f *failureEscalator) observe(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		f.count = 0
		return false
	}
	f.count++
	return f.count >= f.threshold
}
