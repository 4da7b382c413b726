package worker

import (
	"time"

	"github.com/Lllllllleong/drawingtileflow/internal/errkind"
)

// RetryPolicy decides what happens to a job after a failed attempt.
type RetryPolicy struct {
	// MaxRetries is the failure count at which a job fails terminally.
	MaxRetries int
	// Base is multiplied by 2^retryCount to get the delay before the next attempt.
	Base time.Duration
	// RetryPermanent keeps retrying errors classified as permanent.
	RetryPermanent bool
}

// DefaultRetryPolicy retries three times with 2, 4, 8 minute delays and
// treats permanent and transient errors alike.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Base: time.Minute, RetryPermanent: true}
}

// Next returns the job's new retry count and either the time of its next
// attempt or terminal == true.
func (p RetryPolicy) Next(retryCount int, err error, now time.Time) (count int, runAt time.Time, terminal bool) {
	count = retryCount + 1
	if count >= p.MaxRetries {
		return count, time.Time{}, true
	}
	if !p.RetryPermanent && errkind.IsPermanent(err) {
		return count, time.Time{}, true
	}
	return count, now.Add(p.Base * time.Duration(1<<count)), false
}
