package queue

import (
	"math"
	"time"

	"github.com/burrowci/burrow/pkg/types"
)

// NextDelay computes the backoff before the given attempt is retried.
// attempt is 1-based: the delay after the first failure uses attempt=1.
func NextDelay(policy types.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch policy.Strategy {
	case types.BackoffFixed:
		delay = policy.BaseDelay

	case types.BackoffLinear:
		step := time.Duration(policy.Multiplier * float64(time.Second))
		if policy.Multiplier == 0 {
			step = policy.BaseDelay
		}
		delay = policy.BaseDelay + time.Duration(attempt)*step

	case types.BackoffExponential:
		factor := policy.Multiplier
		if factor <= 0 {
			factor = 2
		}
		delay = time.Duration(float64(policy.BaseDelay) * math.Pow(factor, float64(attempt-1)))

	case types.BackoffCustom:
		if len(policy.CustomDelays) == 0 {
			delay = policy.BaseDelay
		} else if attempt <= len(policy.CustomDelays) {
			delay = policy.CustomDelays[attempt-1]
		} else {
			delay = policy.CustomDelays[len(policy.CustomDelays)-1]
		}

	default:
		delay = policy.BaseDelay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if delay < 0 {
		delay = policy.MaxDelay
	}
	return delay
}

// ShouldRetry decides whether a failure with the given error code is
// retryable under the policy. The deny list wins, then the allow list (when
// defined, codes outside it are denied), then the attempt budget.
func ShouldRetry(policy types.RetryPolicy, errorCode string, attempts int) bool {
	for _, code := range policy.NonRetryable {
		if code == errorCode {
			return false
		}
	}
	if len(policy.Retryable) > 0 {
		allowed := false
		for _, code := range policy.Retryable {
			if code == errorCode {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return attempts < policy.MaxAttempts
}
