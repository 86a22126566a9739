package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Queue names consumed by the workers.
const (
	QueueWalletOperations = "wallet_operations"
	QueueMatchTimeout     = "match_timeout"
	QueueGameJobs         = "game_jobs"
)

// Pub/sub channels for broadcast events.
const (
	ChannelWalletEvents      = "wallet:events"
	ChannelGameUpdates       = "game:updates"
	ChannelMatchmakingEvents = "matchmaking:events"
)

// Job is the envelope stored on a relay queue.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Event is the envelope published on a broadcast channel.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Relay is an asynchronous command queue plus a publish/subscribe channel,
// both on Redis. Jobs are JSON envelopes on a list per queue; delayed and
// retried jobs sit in a sorted set scored by their ready time and are
// promoted onto the list by the worker's promoter loop.
type Relay struct {
	rdb         *redis.Client
	maxAttempts int
	backoffBase time.Duration
}

// New creates a relay on the given Redis client.
func New(rdb *redis.Client) *Relay {
	viper.SetDefault("relay.max_attempts", 5)
	viper.SetDefault("relay.backoff_base", 500*time.Millisecond)

	return &Relay{
		rdb:         rdb,
		maxAttempts: viper.GetInt("relay.max_attempts"),
		backoffBase: viper.GetDuration("relay.backoff_base"),
	}
}

func queueKey(queue string) string   { return "relay:queue:" + queue }
func delayedKey(queue string) string { return "relay:delayed:" + queue }

// Enqueue adds a job to the tail of a queue for immediate execution.
func (r *Relay) Enqueue(ctx context.Context, queue, name string, payload any) error {
	job, err := r.newJob(name, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", name, err)
	}
	if err := r.rdb.RPush(ctx, queueKey(queue), string(data)).Err(); err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", name, queue, err)
	}
	return nil
}

// EnqueueDelayed schedules a job to run after the given delay.
func (r *Relay) EnqueueDelayed(ctx context.Context, queue, name string, payload any, delay time.Duration) error {
	job, err := r.newJob(name, payload)
	if err != nil {
		return err
	}
	return r.schedule(ctx, queue, job, time.Now().Add(delay))
}

// schedule places a job envelope in the delayed set at the given ready time.
// Also used by the worker to reschedule failed jobs with backoff.
func (r *Relay) schedule(ctx context.Context, queue string, job Job, runAt time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.Name, err)
	}
	err = r.rdb.ZAdd(ctx, delayedKey(queue), &redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("schedule %s on %s: %w", job.Name, queue, err)
	}
	return nil
}

func (r *Relay) newJob(name string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal payload for %s: %w", name, err)
	}
	return Job{
		ID:          uuid.NewString(),
		Name:        name,
		Payload:     raw,
		MaxAttempts: r.maxAttempts,
		EnqueuedAt:  time.Now(),
	}, nil
}

// Publish broadcasts an event on a channel. Subscribers that are not
// listening simply miss it; broadcast is fire-and-forget.
func (r *Relay) Publish(ctx context.Context, channel, name string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", name, err)
	}
	msg, err := json.Marshal(Event{Name: name, Data: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", name, err)
	}
	if err := r.rdb.Publish(ctx, channel, string(msg)).Err(); err != nil {
		return fmt.Errorf("publish %s on %s: %w", name, channel, err)
	}
	return nil
}

// Subscribe returns a subscription on the given channels. The caller owns
// the returned PubSub and must Close it.
func (r *Relay) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return r.rdb.Subscribe(ctx, channels...)
}
