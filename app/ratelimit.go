package directchat

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/putto11262002/directchat/core"
	"github.com/putto11262002/directchat/pkg/router"
	"golang.org/x/time/rate"
)

type sendBucket struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

func (b *sendBucket) touch(now time.Time) {
	b.mu.Lock()
	b.lastSeen = now
	b.mu.Unlock()
}

func (b *sendBucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastSeen)
}

// SendLimiter limits how fast each participant may send messages.
// A limiter with a non-positive rate allows everything.
type SendLimiter struct {
	perSecond rate.Limit
	burst     int
	buckets   *core.SyncMap[string, *sendBucket]
	now       func() time.Time
}

func NewSendLimiter(perSecond float64, burst int) *SendLimiter {
	if burst < 1 {
		burst = 1
	}
	return &SendLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		buckets:   core.NewSyncMap[string, *sendBucket](),
		now:       time.Now,
	}
}

func (l *SendLimiter) enabled() bool {
	return l != nil && l.perSecond > 0
}

// Allow reports whether participant may send a message now and consumes a token if so.
func (l *SendLimiter) Allow(participant string) bool {
	if !l.enabled() {
		return true
	}
	now := l.now()
	bucket := l.buckets.LoadOrCreate(participant, func() *sendBucket {
		return &sendBucket{limiter: rate.NewLimiter(l.perSecond, l.burst)}
	})
	bucket.touch(now)
	return bucket.limiter.AllowN(now, 1)
}

// Middleware rejects requests of participants over their limit with core.ErrRateLimited.
// It must run after the JWTMiddleware.
func (l *SendLimiter) Middleware() router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) error {
			if !l.Allow(core.SessionFromRequest(r).Participant) {
				return core.ErrRateLimited
			}
			next.ServeHTTP(w, r)
			return nil
		}
	}
}

// Cleanup forgets the participants that have not sent anything for idle.
func (l *SendLimiter) Cleanup(idle time.Duration) {
	now := l.now()
	l.buckets.WRange(func(_ string, b *sendBucket) bool {
		return b.idleSince(now) < idle
	})
}

// Run calls Cleanup every interval until ctx is done.
func (l *SendLimiter) Run(ctx context.Context, interval time.Duration) {
	if !l.enabled() {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Cleanup(interval)
		case <-ctx.Done():
			return
		}
	}
}
