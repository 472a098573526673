package protocol_test

import (
	"errors"
	"testing"
	"time"

	"fixloop/pkg/protocol"
)

func TestParseWorkflow(t *testing.T) {
	got, err := protocol.ParseWorkflow(" Implement ")
	if err != nil {
		t.Fatalf("ParseWorkflow: %v", err)
	}
	if got != protocol.WorkflowImplement {
		t.Errorf("got %q, want %q", got, protocol.WorkflowImplement)
	}

	for _, bad := range []string{"", "deploy"} {
		_, err := protocol.ParseWorkflow(bad)
		var verr *protocol.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("ParseWorkflow(%q): expected ValidationError, got %v", bad, err)
		}
	}
}

func TestVerificationStatus_Unresolved(t *testing.T) {
	cases := map[protocol.VerificationStatus]bool{
		protocol.VerificationPending:   true,
		protocol.VerificationVerifying: true,
		protocol.VerificationVerified:  false,
		protocol.VerificationFailed:    false,
	}
	for status, want := range cases {
		if got := status.Unresolved(); got != want {
			t.Errorf("%s.Unresolved() = %v, want %v", status, got, want)
		}
	}
}

func TestSpawnBudget_Remaining(t *testing.T) {
	if got := (protocol.SpawnBudget{SpawnCount: 3, MaxSpawns: 10}).Remaining(); got != 7 {
		t.Errorf("Remaining = %d, want 7", got)
	}
	// Races may record max+1 launches; remaining never goes negative.
	if got := (protocol.SpawnBudget{SpawnCount: 11, MaxSpawns: 10}).Remaining(); got != 0 {
		t.Errorf("Remaining = %d, want 0", got)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	in := time.Date(2026, 3, 1, 12, 30, 0, 500, time.FixedZone("X", 3600))
	out, err := protocol.ParseTime(protocol.FormatTime(in))
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if !out.Equal(in) {
		t.Errorf("round trip = %v, want %v", out, in)
	}

	empty, err := protocol.ParseTime("")
	if err != nil || empty != nil {
		t.Errorf("ParseTime(\"\") = %v, %v; want nil, nil", empty, err)
	}
}

func TestBudgetDateUsesUTC(t *testing.T) {
	late := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("W", -5*3600))
	if got := protocol.BudgetDate(late); got != "2026-03-02" {
		t.Errorf("BudgetDate = %q, want 2026-03-02", got)
	}
}

func TestUserActor(t *testing.T) {
	if got := protocol.UserActor("alice"); got != "user:alice" {
		t.Errorf("UserActor = %q", got)
	}
	if got := protocol.UserActor(""); got != "user" {
		t.Errorf("UserActor(\"\") = %q", got)
	}
}
