package calls

// Hangup classification: maps provider hangup/failure cause codes to the
// canonical Outcome. The table is static but load-bearing: it decides whether
// the post-call pipeline runs and feeds downstream analytics.

// hangupCauses covers the Q.850-style cause strings our telephony providers emit.
var hangupCauses = map[string]Outcome{
	"USER_BUSY":                 OutcomeBusy,
	"NO_ANSWER":                 OutcomeNoAnswer,
	"NO_USER_RESPONSE":          OutcomeNoAnswer,
	"ORIGINATOR_CANCEL":         OutcomeNoAnswer,
	"ALLOTTED_TIMEOUT":          OutcomeNoAnswer,
	"CALL_REJECTED":             OutcomeRejected,
	"UNALLOCATED_NUMBER":        OutcomeInvalidNumber,
	"INVALID_NUMBER_FORMAT":     OutcomeInvalidNumber,
	"NO_ROUTE_DESTINATION":      OutcomeInvalidNumber,
	"NETWORK_OUT_OF_ORDER":      OutcomeNetworkError,
	"NORMAL_TEMPORARY_FAILURE":  OutcomeNetworkError,
	"NORMAL_CIRCUIT_CONGESTION": OutcomeNetworkError,
	"RECOVERY_ON_TIMER_EXPIRE":  OutcomeNetworkError,
	"DESTINATION_OUT_OF_ORDER":  OutcomeNetworkError,
}

// ClassifyHangup translates a raw provider hangup cause plus the answered
// signal into a canonical Outcome.
//
// NORMAL_CLEARING is ambiguous on its own: it means "the call tore down
// cleanly", which covers both a finished conversation and a caller giving up
// before pickup. The answered signal disambiguates.
func ClassifyHangup(cause string, answered bool) Outcome {
	switch cause {
	case "NORMAL_CLEARING", "":
		if answered {
			return OutcomeCompleted
		}
		return OutcomeNoAnswer
	}
	if out, ok := hangupCauses[cause]; ok {
		return out
	}
	if answered {
		// The call connected; an unknown teardown cause still counts as a
		// completed conversation for pipeline purposes.
		return OutcomeCompleted
	}
	return OutcomeFailed
}

// Answered derives the "call was answered" signal from a hangup notification.
// Duration alone is a valid positive signal even when the explicit answer
// marker is absent.
func Answered(answerTimePresent bool, durationSeconds int) bool {
	return answerTimePresent || durationSeconds > 0
}
