package lock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"example.com/retention/internal/observability"
)

const (
	defaultLeaseTTL   = 30 * time.Second
	redisRetryDelay   = 200 * time.Millisecond
	redisKeyPrefix    = "lock:"
	errSharedRedisMsg = "redis locks are exclusive only"
)

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker holds leases on Redis keys for deployments without a shared
// filesystem. A lease expires after its TTL unless refreshed, so a crashed
// holder frees the lock on its own.
type RedisLocker struct {
	client   redis.UniversalClient
	ttl      time.Duration
	identity string
	clock    quartz.Clock
	logger   *zap.Logger
}

// NewRedisLocker constructs a RedisLocker. A non-positive ttl selects 30s.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger, opts ...Option) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions(opts)
	return &RedisLocker{client: client, ttl: ttl, identity: Identity(), clock: o.clock, logger: logger}
}

// Acquire implements Locker. Only Exclusive mode is supported.
func (l *RedisLocker) Acquire(ctx context.Context, name string, mode Mode, wait bool) (Lease, error) {
	if mode != Exclusive {
		return nil, xerrors.New(errSharedRedisMsg)
	}

	key := redisKeyPrefix + name
	token := l.identity + ":" + uuid.NewString()
	started := l.clock.Now()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			observability.RecordLockWait("redis", "error", l.clock.Since(started))
			return nil, xerrors.Errorf("lock %q: %w", name, err)
		}
		if ok {
			break
		}
		if !wait {
			observability.RecordLockWait("redis", "held", l.clock.Since(started))
			return nil, &HeldError{Name: name, Holder: l.holder(ctx, key)}
		}

		timer := l.clock.NewTimer(redisRetryDelay, "lock", "retry")
		select {
		case <-ctx.Done():
			timer.Stop()
			observability.RecordLockWait("redis", "error", l.clock.Since(started))
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	observability.RecordLockWait("redis", "acquired", l.clock.Since(started))
	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	lease := &redisLease{
		client:  l.client,
		key:     key,
		token:   token,
		clock:   l.clock,
		cancel:  cancel,
		stopped: make(chan struct{}),
		lost:    make(chan struct{}),
	}
	ticker := l.clock.NewTicker(max(l.ttl/3, time.Millisecond), "lock", "refresh")
	go lease.refresh(refreshCtx, ticker, l.ttl, l.logger)
	l.logger.Debug("redis lease acquired", zap.String("key", key))
	return lease, nil
}

func (l *RedisLocker) holder(ctx context.Context, key string) string {
	value, err := l.client.Get(ctx, key).Result()
	if err != nil {
		return ""
	}
	// Tokens are host:pid:uuid; the uuid only distinguishes leases.
	if i := strings.LastIndex(value, ":"); i > 0 {
		return value[:i]
	}
	return value
}

type redisLease struct {
	client  redis.UniversalClient
	key     string
	token   string
	clock   quartz.Clock
	cancel  context.CancelFunc
	stopped chan struct{}
	lost    chan struct{}
	once    sync.Once
}

// refresh extends the key every tick. The lease is lost when the key no
// longer carries its token, or when no refresh succeeded for a whole ttl.
func (r *redisLease) refresh(ctx context.Context, ticker *quartz.Ticker, ttl time.Duration, logger *zap.Logger) {
	defer close(r.stopped)
	defer ticker.Stop()
	extended := r.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := refreshScript.Run(ctx, r.client, []string{r.key}, r.token, ttl.Milliseconds()).Int()
			if ctx.Err() != nil {
				return
			}
			switch {
			case err == nil && ok == 1:
				extended = r.clock.Now()
				continue
			case err == nil:
				logger.Error("redis lease lost", zap.String("key", r.key))
			case r.clock.Since(extended) < ttl:
				logger.Warn("redis lease refresh failed", zap.String("key", r.key), zap.Error(err))
				continue
			default:
				logger.Error("redis lease expired without a successful refresh", zap.String("key", r.key), zap.Error(err))
			}
			close(r.lost)
			return
		}
	}
}

func (r *redisLease) Done() <-chan struct{} {
	return r.lost
}

func (r *redisLease) Release(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		r.cancel()
		<-r.stopped
		err = unlockScript.Run(ctx, r.client, []string{r.key}, r.token).Err()
	})
	return err
}
