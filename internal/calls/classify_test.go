package calls

import "testing"

func TestClassifyHangup(t *testing.T) {
	cases := []struct {
		name     string
		cause    string
		answered bool
		want     Outcome
	}{
		{"busy", "USER_BUSY", false, OutcomeBusy},
		{"clean teardown without answer", "NORMAL_CLEARING", false, OutcomeNoAnswer},
		{"clean teardown after answer", "NORMAL_CLEARING", true, OutcomeCompleted},
		{"invalid number", "UNALLOCATED_NUMBER", false, OutcomeInvalidNumber},
		{"bad format", "INVALID_NUMBER_FORMAT", false, OutcomeInvalidNumber},
		{"rejected", "CALL_REJECTED", false, OutcomeRejected},
		{"network", "NETWORK_OUT_OF_ORDER", false, OutcomeNetworkError},
		{"ring timeout", "ALLOTTED_TIMEOUT", false, OutcomeNoAnswer},
		{"unknown cause unanswered", "SOME_NEW_CAUSE", false, OutcomeFailed},
		{"unknown cause answered", "SOME_NEW_CAUSE", true, OutcomeCompleted},
		{"empty cause answered", "", true, OutcomeCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyHangup(tc.cause, tc.answered); got != tc.want {
				t.Fatalf("ClassifyHangup(%q, %v) = %q, want %q", tc.cause, tc.answered, got, tc.want)
			}
		})
	}
}

func TestAnswered_DurationAloneIsPositiveSignal(t *testing.T) {
	if !Answered(false, 42) {
		t.Fatalf("expected duration > 0 to count as answered")
	}
	if !Answered(true, 0) {
		t.Fatalf("expected answer timestamp to count as answered")
	}
	if Answered(false, 0) {
		t.Fatalf("expected no signal to mean not answered")
	}
}

func TestStatusAdvances(t *testing.T) {
	if !StatusInitiated.Advances(StatusRinging) {
		t.Fatalf("initiated -> ringing should advance")
	}
	if StatusEnded.Advances(StatusRinging) {
		t.Fatalf("ended -> ringing must not advance")
	}
	if StatusEnded.Advances(StatusEnded) {
		t.Fatalf("same state is not an advance")
	}
	if !StatusEnded.Advances(StatusCompleted) {
		t.Fatalf("ended -> completed should advance")
	}
}
