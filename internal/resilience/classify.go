package resilience

import (
	"errors"

	"github.com/sells-group/harvest-cli/internal/model"
)

// Classification pairs a failure kind with its retry decision.
type Classification struct {
	Kind      model.ErrorKind
	Retryable bool
}

// Classify maps a raw failure onto the taxonomy. Typed errors win over
// heuristics; anything unrecognized is fatal so that silent new failure
// modes halt the job instead of looping.
func Classify(err error) Classification {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return Classification{Kind: model.ErrKindRateLimited, Retryable: true}
	}

	var ae *AuthExpiredError
	if errors.As(err, &ae) {
		return Classification{Kind: model.ErrKindAuthExpired, Retryable: true}
	}

	var bp *BadPayloadError
	if errors.As(err, &bp) {
		return Classification{Kind: model.ErrKindDataQuality, Retryable: false}
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == 429:
			return Classification{Kind: model.ErrKindRateLimited, Retryable: true}
		case se.Code == 401 || se.Code == 403:
			return Classification{Kind: model.ErrKindAuthExpired, Retryable: true}
		case se.Code == 408 || se.Code >= 500:
			return Classification{Kind: model.ErrKindNetwork, Retryable: true}
		default:
			// Unexpected 4xx: the request was understood and rejected, so the
			// unit's data is suspect, not the transport.
			return Classification{Kind: model.ErrKindDataQuality, Retryable: false}
		}
	}

	if isNetworkError(err) {
		return Classification{Kind: model.ErrKindNetwork, Retryable: true}
	}

	return Classification{Kind: model.ErrKindFatal, Retryable: false}
}

// Retryable reports whether err would be retried under the default policy.
func Retryable(err error) bool {
	return Classify(err).Retryable
}
