package domain

// OutcomeKind is the settled state of one deploy attempt.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomePending OutcomeKind = "pending"
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
)

// FailureReason classifies a failed deploy attempt.
type FailureReason string

// Failure reasons reported to the presentation layer.
const (
	ReasonNetworkError    FailureReason = "network_error"
	ReasonServiceRejected FailureReason = "service_rejected"
	ReasonSuperseded      FailureReason = "superseded"
)

// Outcome is the reconciled result of one deploy attempt.
type Outcome struct {
	Kind   OutcomeKind   `json:"kind"`
	URL    string        `json:"url,omitempty"`
	Reason FailureReason `json:"reason,omitempty"`
	Detail string        `json:"detail,omitempty"`
}

// Settled reports whether the outcome has left the pending state.
func (o Outcome) Settled() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeFailure
}

// Success builds a successful outcome.
func Success(url string) Outcome {
	return Outcome{Kind: OutcomeSuccess, URL: url}
}

// Failure builds a failed outcome.
func Failure(reason FailureReason, detail string) Outcome {
	return Outcome{Kind: OutcomeFailure, Reason: reason, Detail: detail}
}

// Message renders a human readable summary of the outcome.
func (o Outcome) Message() string {
	switch o.Kind {
	case OutcomeSuccess:
		if o.URL == "" {
			return "Deployment successful"
		}
		return "Deployment successful: " + o.URL
	case OutcomeFailure:
		msg := "Deployment failed"
		switch o.Reason {
		case ReasonNetworkError:
			msg += ": the deployment service could not be reached"
		case ReasonServiceRejected:
			msg += ": the deployment service rejected the request"
		case ReasonSuperseded:
			return "Deployment replaced by a newer request"
		}
		if o.Detail != "" {
			msg += " (" + o.Detail + ")"
		}
		return msg + ". Please try again."
	default:
		return "Deployment in progress"
	}
}
