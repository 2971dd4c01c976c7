package archive

// OutcomeKind tags the variant of an Outcome.
type OutcomeKind string

const (
	// OutcomeFetched means bytes were received and written.
	OutcomeFetched OutcomeKind = "fetched"
	// OutcomeSkipped means no fetch was needed or no data exists upstream.
	OutcomeSkipped OutcomeKind = "skipped"
	// OutcomeFailed means the unit could not be completed.
	OutcomeFailed OutcomeKind = "failed"
)

// Reason qualifies skipped and failed outcomes.
type Reason string

// Skip reasons.
const (
	ReasonAlreadyExists  Reason = "already-exists"
	ReasonNoDataUpstream Reason = "no-data-upstream"
)

// Failure reasons.
const (
	ReasonNetworkError      Reason = "network-error"
	ReasonHTTPStatus        Reason = "http-status"
	ReasonMalformedResponse Reason = "malformed-response"
	ReasonLocalIOError      Reason = "local-io-error"
	ReasonCanceled          Reason = "canceled"
)

// Outcome is the result of processing one WorkUnit. Exactly one is produced per unit.
type Outcome struct {
	Unit       WorkUnit    `json:"unit" yaml:"unit"`
	Kind       OutcomeKind `json:"kind" yaml:"kind"`
	Reason     Reason      `json:"reason,omitempty" yaml:"reason,omitempty"`
	Attempts   int         `json:"attempts" yaml:"attempts"`
	StatusCode int         `json:"status_code,omitempty" yaml:"status_code,omitempty"`
	Bytes      int64       `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Path       string      `json:"path,omitempty" yaml:"path,omitempty"`
	Error      string      `json:"error,omitempty" yaml:"error,omitempty"`

	// Body carries fetched bytes from the fetcher to the writer. Cleared once written.
	Body []byte `json:"-" yaml:"-"`
}

// Fetched builds a successful outcome holding the downloaded body.
func Fetched(unit WorkUnit, body []byte, attempts int) Outcome {
	return Outcome{
		Unit:     unit,
		Kind:     OutcomeFetched,
		Attempts: attempts,
		Bytes:    int64(len(body)),
		Body:     body,
	}
}

// Skipped builds a skipped outcome.
func Skipped(unit WorkUnit, reason Reason, attempts int) Outcome {
	return Outcome{
		Unit:     unit,
		Kind:     OutcomeSkipped,
		Reason:   reason,
		Attempts: attempts,
	}
}

// Failed builds a failed outcome.
func Failed(unit WorkUnit, reason Reason, attempts int, err error) Outcome {
	out := Outcome{
		Unit:     unit,
		Kind:     OutcomeFailed,
		Reason:   reason,
		Attempts: attempts,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// WithStatus records the last HTTP status observed.
func (o Outcome) WithStatus(code int) Outcome {
	o.StatusCode = code
	return o
}
