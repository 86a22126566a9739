package relay

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// HandlerFunc processes one job. A non-nil error triggers a retry with
// exponential backoff until the job's attempt budget is exhausted.
type HandlerFunc func(ctx context.Context, job Job) error

// Worker consumes one relay queue: a promoter loop moves due delayed jobs
// onto the list, and a pool of consumer goroutines pops and dispatches.
type Worker struct {
	relay       *Relay
	queue       string
	concurrency int
	handlers    map[string]HandlerFunc
}

// NewWorker creates a worker for the given queue.
func NewWorker(r *Relay, queue string, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		relay:       r,
		queue:       queue,
		concurrency: concurrency,
		handlers:    make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for a job name. Must be called before Run.
func (w *Worker) Handle(name string, fn HandlerFunc) {
	w.handlers[name] = fn
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[RELAY] Worker starting for queue %s (concurrency %d)", w.queue, w.concurrency)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.promoteLoop(ctx)
	}()

	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consumeLoop(ctx)
		}()
	}

	wg.Wait()
	log.Printf("[RELAY] Worker stopped for queue %s", w.queue)
}

// promoteLoop moves jobs whose ready time has passed from the delayed set
// to the queue list. ZRem decides ownership: only the caller that removes
// the member gets to push it, so concurrent promoters never duplicate.
func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		due, err := w.relay.rdb.ZRangeByScore(ctx, delayedKey(w.queue), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   formatScore(time.Now()),
			Count: 100,
		}).Result()
		if err != nil && err != redis.Nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[RELAY] Promote scan failed on %s: %v", w.queue, err)
			continue
		}

		for _, member := range due {
			removed, err := w.relay.rdb.ZRem(ctx, delayedKey(w.queue), member).Result()
			if err != nil || removed == 0 {
				continue
			}
			if err := w.relay.rdb.RPush(ctx, queueKey(w.queue), member).Err(); err != nil {
				log.Printf("[RELAY] Promote push failed on %s: %v", w.queue, err)
			}
		}
	}
}

func (w *Worker) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := w.relay.rdb.BLPop(ctx, time.Second, queueKey(w.queue)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[RELAY] BLPOP failed on %s: %v", w.queue, err)
			time.Sleep(time.Second)
			continue
		}
		if len(res) != 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			log.Printf("[RELAY] Dropping undecodable job on %s: %v", w.queue, err)
			continue
		}

		w.dispatch(ctx, job)
	}
}

func (w *Worker) dispatch(ctx context.Context, job Job) {
	handler, ok := w.handlers[job.Name]
	if !ok {
		log.Printf("[RELAY] Unknown job name %s on %s", job.Name, w.queue)
		return
	}

	job.Attempts++
	if err := handler(ctx, job); err != nil {
		if job.Attempts >= job.MaxAttempts {
			log.Printf("[RELAY] Job %s (%s) failed permanently after %d attempts: %v",
				job.Name, job.ID, job.Attempts, err)
			return
		}

		backoff := w.relay.backoffBase << (job.Attempts - 1)
		log.Printf("[RELAY] Job %s (%s) attempt %d/%d failed, retrying in %s: %v",
			job.Name, job.ID, job.Attempts, job.MaxAttempts, backoff, err)

		if err := w.relay.schedule(ctx, w.queue, job, time.Now().Add(backoff)); err != nil {
			log.Printf("[RELAY] Failed to reschedule job %s (%s): %v", job.Name, job.ID, err)
		}
	}
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
