package rtm

import "time"

const (
	backoffBase = time.Second
	backoffMax  = 30 * time.Second
)

// backoff yields min(30s, 2^(n-1) s) for the n-th consecutive failure.
type backoff struct {
	attempt int
}

func (b *backoff) next() time.Duration {
	var d time.Duration
	if b.attempt >= 5 {
		d = backoffMax
	} else {
		d = backoffBase << b.attempt
		if d > backoffMax {
			d = backoffMax
		}
	}
	b.attempt++
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
