package transport

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

const minBurst = 32 * 1024

// NewLimiter returns a limiter allowing bytesPerSecond, or nil for unlimited.
func NewLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	return rate.NewLimiter(rate.Limit(bytesPerSecond), int(max(bytesPerSecond, minBurst)))
}

type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// LimitReader throttles reads from r with limiter. A nil limiter returns r.
// One limiter may be shared by several readers to cap total bandwidth.
func LimitReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}

	return &limitedReader{ctx: ctx, r: r, limiter: limiter}
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if b := l.limiter.Burst(); len(p) > b {
		p = p[:b]
	}

	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}

	return n, err
}
