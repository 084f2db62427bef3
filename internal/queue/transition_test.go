package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
)

func TestTransition(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := Policy{BaseDelay: time.Second, MaxRetries: 3}
	remoteRec := entity.NewNote("n-1", 4, "Server", "", "")
	boom := errors.New("boom")

	tests := []struct {
		name       string
		op         oplog.Operation
		ev         Event
		wantStatus oplog.Status
		wantErr    error
		check      func(t *testing.T, op oplog.Operation)
	}{
		{
			name:       "dispatch pending",
			op:         oplog.Operation{Status: oplog.StatusPending},
			ev:         Event{Kind: EventDispatch},
			wantStatus: oplog.StatusInFlight,
		},
		{
			name:       "dispatch failed when due",
			op:         oplog.Operation{Status: oplog.StatusFailed, NextAttemptAt: now},
			ev:         Event{Kind: EventDispatch},
			wantStatus: oplog.StatusInFlight,
		},
		{
			name:    "dispatch failed before due",
			op:      oplog.Operation{Status: oplog.StatusFailed, NextAttemptAt: now.Add(time.Second)},
			ev:      Event{Kind: EventDispatch},
			wantErr: ErrNotDue,
		},
		{
			name:    "dispatch conflicted",
			op:      oplog.Operation{Status: oplog.StatusConflicted},
			ev:      Event{Kind: EventDispatch},
			wantErr: ErrInvalidTransition,
		},
		{
			name:       "success clears error state",
			op:         oplog.Operation{Status: oplog.StatusInFlight, LastError: "old", ErrorKind: oplog.ErrorTransient},
			ev:         Event{Kind: EventSuccess},
			wantStatus: oplog.StatusConfirmed,
			check: func(t *testing.T, op oplog.Operation) {
				if op.LastError != "" || op.ErrorKind != oplog.ErrorNone {
					t.Errorf("error state not cleared: %q %q", op.LastError, op.ErrorKind)
				}
			},
		},
		{
			name:       "transient schedules linear backoff",
			op:         oplog.Operation{Status: oplog.StatusInFlight, RetryCount: 1},
			ev:         Event{Kind: EventTransient, Err: boom},
			wantStatus: oplog.StatusFailed,
			check: func(t *testing.T, op oplog.Operation) {
				if op.RetryCount != 2 {
					t.Errorf("RetryCount = %d, want 2", op.RetryCount)
				}
				if want := now.Add(2 * time.Second); !op.NextAttemptAt.Equal(want) {
					t.Errorf("NextAttemptAt = %v, want %v", op.NextAttemptAt, want)
				}
				if op.LastError != "boom" || op.ErrorKind != oplog.ErrorTransient {
					t.Errorf("unexpected error state: %q %q", op.LastError, op.ErrorKind)
				}
			},
		},
		{
			name:       "transient at budget stays retryable",
			op:         oplog.Operation{Status: oplog.StatusInFlight, RetryCount: 2},
			ev:         Event{Kind: EventTransient, Err: boom},
			wantStatus: oplog.StatusFailed,
		},
		{
			name:       "transient past budget fails permanently",
			op:         oplog.Operation{Status: oplog.StatusInFlight, RetryCount: 3},
			ev:         Event{Kind: EventTransient, Err: boom},
			wantStatus: oplog.StatusPermanentlyFailed,
			check: func(t *testing.T, op oplog.Operation) {
				if op.RetryCount != 4 || op.ErrorKind != oplog.ErrorPermanent {
					t.Errorf("unexpected state: retries=%d kind=%q", op.RetryCount, op.ErrorKind)
				}
			},
		},
		{
			name:       "conflict records server state",
			op:         oplog.Operation{Status: oplog.StatusInFlight},
			ev:         Event{Kind: EventConflict, Err: boom, Remote: &remoteRec},
			wantStatus: oplog.StatusConflicted,
			check: func(t *testing.T, op oplog.Operation) {
				if op.Remote == nil || op.Remote.Version != 4 {
					t.Errorf("Remote = %+v, want version 4", op.Remote)
				}
				if op.ErrorKind != oplog.ErrorConflict {
					t.Errorf("ErrorKind = %q", op.ErrorKind)
				}
			},
		},
		{
			name:       "conflict against deleted record",
			op:         oplog.Operation{Status: oplog.StatusInFlight},
			ev:         Event{Kind: EventConflict, RemoteDeleted: true},
			wantStatus: oplog.StatusConflicted,
			check: func(t *testing.T, op oplog.Operation) {
				if !op.RemoteDeleted || op.Remote != nil {
					t.Errorf("unexpected remote state: deleted=%v remote=%+v", op.RemoteDeleted, op.Remote)
				}
			},
		},
		{
			name:       "validation",
			op:         oplog.Operation{Status: oplog.StatusInFlight},
			ev:         Event{Kind: EventValidation, Err: boom},
			wantStatus: oplog.StatusPermanentlyFailed,
			check: func(t *testing.T, op oplog.Operation) {
				if op.ErrorKind != oplog.ErrorValidation {
					t.Errorf("ErrorKind = %q, want validation", op.ErrorKind)
				}
			},
		},
		{
			name:       "permanent",
			op:         oplog.Operation{Status: oplog.StatusInFlight},
			ev:         Event{Kind: EventPermanent, Err: boom},
			wantStatus: oplog.StatusPermanentlyFailed,
		},
		{
			name:    "success on pending rejected",
			op:      oplog.Operation{Status: oplog.StatusPending},
			ev:      Event{Kind: EventSuccess},
			wantErr: ErrInvalidTransition,
		},
		{
			name:       "reset in flight",
			op:         oplog.Operation{Status: oplog.StatusInFlight},
			ev:         Event{Kind: EventReset},
			wantStatus: oplog.StatusPending,
		},
		{
			name:       "manual retry restores budget",
			op:         oplog.Operation{Status: oplog.StatusPermanentlyFailed, RetryCount: 6, LastError: "boom"},
			ev:         Event{Kind: EventRetry},
			wantStatus: oplog.StatusPending,
			check: func(t *testing.T, op oplog.Operation) {
				if op.RetryCount != 0 || op.LastError != "" || !op.NextAttemptAt.IsZero() {
					t.Errorf("retry state not cleared: %+v", op)
				}
			},
		},
		{
			name:    "retry on conflicted rejected",
			op:      oplog.Operation{Status: oplog.StatusConflicted},
			ev:      Event{Kind: EventRetry},
			wantErr: ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			patch, err := Transition(tt.op, tt.ev, policy, now)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := oplog.ApplyPatch(tt.op, patch)
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", got.Status, tt.wantStatus)
			}
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestBackoffIsLinear(t *testing.T) {
	p := Policy{BaseDelay: 500 * time.Millisecond}
	for n, want := range []time.Duration{0, 500 * time.Millisecond, time.Second, 1500 * time.Millisecond} {
		if got := p.Backoff(n); got != want {
			t.Errorf("Backoff(%d) = %v, want %v", n, got, want)
		}
	}
}
