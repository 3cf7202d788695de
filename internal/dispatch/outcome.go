package dispatch

import "net/http"

// Outcome is the terminal state of one delivery attempt. An attempt never
// returns to pending and is never retried within the same batch.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeExpired
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeExpired:
		return "expired"
	default:
		return "failed"
	}
}

// Classify reduces one attempt's transport result to an Outcome. Only an
// explicit 404/410 from the push service retires an endpoint; timeouts and
// every other error leave it in place, since the endpoint may still be valid.
func Classify(statusCode int, err error) Outcome {
	if err != nil {
		return OutcomeFailed
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return OutcomeDelivered
	case statusCode == http.StatusNotFound, statusCode == http.StatusGone:
		return OutcomeExpired
	default:
		return OutcomeFailed
	}
}
