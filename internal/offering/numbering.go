package offering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

// DefaultBatchPrefix is used when no prefix is configured.
const DefaultBatchPrefix = "OFF"

// Numberer issues human-readable batch numbers.
type Numberer interface {
	Next(ctx context.Context, scope shared.Scope, day time.Time) (string, error)
}

// SequenceFloor reports the highest sequence already stored for numbers
// starting with numberPrefix, or 0 when there is none.
type SequenceFloor interface {
	LastBatchSequence(ctx context.Context, scope shared.Scope, numberPrefix string) (int64, error)
}

// SequenceNumberer issues PREFIX-YYYYMMDD-NNNN numbers from a redis counter
// kept per branch and day. A counter that starts over (expired key, flushed
// redis, late entry for an old date) is raised past the stored numbers.
type SequenceNumberer struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	floor  SequenceFloor
}

// NewSequenceNumberer constructs a redis backed numberer.
func NewSequenceNumberer(client *redis.Client, prefix string) *SequenceNumberer {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = DefaultBatchPrefix
	}
	return &SequenceNumberer{client: client, prefix: prefix, ttl: 72 * time.Hour}
}

// WithFloor sets the store consulted when a day counter starts over.
func (n *SequenceNumberer) WithFloor(floor SequenceFloor) {
	n.floor = floor
}

// raiseCounter lifts KEYS[1] to at least ARGV[1], increments it and refreshes
// its TTL (ARGV[2], milliseconds) in one step.
var raiseCounter = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if cur < floor then
	redis.call('SET', KEYS[1], floor)
end
local v = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return v
`)

// Next increments the day counter and formats the number.
func (n *SequenceNumberer) Next(ctx context.Context, scope shared.Scope, day time.Time) (string, error) {
	if n == nil || n.client == nil {
		return "", errors.New("offering: numberer not initialised")
	}
	key := shared.BatchSequenceKey(scope, day)
	numberPrefix := fmt.Sprintf("%s-%s-", n.prefix, day.Format("20060102"))
	seq, err := n.client.Incr(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("offering: next batch number: %w", err)
	}
	if seq == 1 {
		var last int64
		if n.floor != nil {
			last, err = n.floor.LastBatchSequence(ctx, scope, numberPrefix)
			if err != nil {
				return "", fmt.Errorf("offering: load last batch number: %w", err)
			}
		}
		if last > 0 {
			seq, err = raiseCounter.Run(ctx, n.client, []string{key}, last, n.ttl.Milliseconds()).Int64()
			if err != nil {
				return "", fmt.Errorf("offering: raise batch counter: %w", err)
			}
		} else if err := n.client.Expire(ctx, key, n.ttl).Err(); err != nil {
			return "", fmt.Errorf("offering: expire batch counter: %w", err)
		}
	}
	return fmt.Sprintf("%s%04d", numberPrefix, seq), nil
}

// RandomNumberer issues PREFIX-YYYYMMDD-XXXXXXXX numbers without shared
// state. It is used when redis is not configured.
type RandomNumberer struct {
	prefix string
}

// NewRandomNumberer constructs a RandomNumberer.
func NewRandomNumberer(prefix string) *RandomNumberer {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = DefaultBatchPrefix
	}
	return &RandomNumberer{prefix: prefix}
}

// Next returns a number with a random suffix.
func (n *RandomNumberer) Next(_ context.Context, _ shared.Scope, day time.Time) (string, error) {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("%s-%s-%s", n.prefix, day.Format("20060102"), suffix), nil
}
