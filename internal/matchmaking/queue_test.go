package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/stakeduel/backend/internal/models"
	"github.com/stakeduel/backend/internal/relay"
)

type recordedCall struct {
	queue   string
	name    string
	payload any
	delay   time.Duration
}

type fakeDispatcher struct {
	delayed   []recordedCall
	published []recordedCall
}

func (d *fakeDispatcher) EnqueueDelayed(_ context.Context, queue, name string, payload any, delay time.Duration) error {
	d.delayed = append(d.delayed, recordedCall{queue: queue, name: name, payload: payload, delay: delay})
	return nil
}

func (d *fakeDispatcher) Publish(_ context.Context, channel, name string, data any) error {
	d.published = append(d.published, recordedCall{queue: channel, name: name, payload: data})
	return nil
}

type fakeCreator struct {
	created []models.MatchFound
	err     error
}

func (c *fakeCreator) CreateGame(_ context.Context, mf models.MatchFound) error {
	if c.err != nil {
		return c.err
	}
	c.created = append(c.created, mf)
	return nil
}

func entryJSON(t *testing.T, entry models.QueueEntry) []byte {
	data, err := json.Marshal(entry)
	assert.NoError(t, err)
	return data
}

func TestQueue_Join(t *testing.T) {
	ctx := context.Background()

	t.Run("validation rejects before touching the queue", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		q := NewQueue(rdb, &fakeDispatcher{}, &fakeCreator{})

		entry := models.QueueEntry{UserID: "userA", Username: "alice", BetAmount: decimal.NewFromInt(10)}

		err := q.Join(ctx, "chess", "bronze", entry)
		assert.ErrorIs(t, err, ErrInvalidGameType)

		err = q.Join(ctx, "dice", "diamond", entry)
		assert.ErrorIs(t, err, ErrInvalidTier)

		entry.BetAmount = decimal.Zero
		err = q.Join(ctx, "dice", "bronze", entry)
		assert.ErrorIs(t, err, ErrInvalidBet)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("appends entry and schedules expiry", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		dispatcher := &fakeDispatcher{}
		q := NewQueue(rdb, dispatcher, &fakeCreator{})

		entry := models.QueueEntry{UserID: "userA", Username: "alice", BetAmount: decimal.NewFromInt(10)}
		mock.ExpectRPush("queue:dice:bronze", entryJSON(t, entry)).SetVal(1)

		err := q.Join(ctx, "dice", "bronze", entry)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())

		assert.Len(t, dispatcher.delayed, 1)
		assert.Equal(t, relay.QueueMatchTimeout, dispatcher.delayed[0].queue)
		assert.Equal(t, JobQueueTimeout, dispatcher.delayed[0].name)
		assert.Equal(t, 60*time.Second, dispatcher.delayed[0].delay)
	})
}

func TestQueue_PairOnce(t *testing.T) {
	ctx := context.Background()

	entryA := models.QueueEntry{UserID: "userA", Username: "alice", BetAmount: decimal.NewFromInt(10)}
	entryB := models.QueueEntry{UserID: "userB", Username: "bob", BetAmount: decimal.NewFromInt(10)}

	t.Run("pairs two waiting entries in order", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		dispatcher := &fakeDispatcher{}
		creator := &fakeCreator{}
		q := NewQueue(rdb, dispatcher, creator)

		mock.ExpectBLPop(time.Second, "queue:dice:bronze", "queue:dice:standard").
			SetVal([]string{"queue:dice:bronze", string(entryJSON(t, entryA))})
		mock.ExpectLPop("queue:dice:bronze").SetVal(string(entryJSON(t, entryB)))

		err := q.pairOnce(ctx)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())

		assert.Len(t, creator.created, 1)
		mf := creator.created[0]
		assert.Equal(t, "dice", mf.GameType)
		assert.Equal(t, models.ModeRandom, mf.Mode)
		assert.Equal(t, "userA", mf.Players[0].UserID)
		assert.Equal(t, "userB", mf.Players[1].UserID)
		assert.True(t, mf.Config.BetAmount.Equal(decimal.NewFromInt(10)))
		assert.Contains(t, []string{"userA", "userB"}, mf.Turn)
		assert.GreaterOrEqual(t, mf.Config.TargetNumber, 2)
		assert.LessOrEqual(t, mf.Config.TargetNumber, 12)

		assert.Len(t, dispatcher.published, 1)
		assert.Equal(t, EventMatchFound, dispatcher.published[0].name)
	})

	t.Run("empty queues are a quiet pass", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		q := NewQueue(rdb, &fakeDispatcher{}, &fakeCreator{})

		mock.ExpectBLPop(time.Second, "queue:dice:bronze", "queue:dice:standard").RedisNil()

		assert.NoError(t, q.pairOnce(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lone entry is re-queued at the head and queue rotates", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		creator := &fakeCreator{}
		q := NewQueue(rdb, &fakeDispatcher{}, creator)

		payloadA := string(entryJSON(t, entryA))
		mock.ExpectBLPop(time.Second, "queue:dice:bronze", "queue:dice:standard").
			SetVal([]string{"queue:dice:bronze", payloadA})
		mock.ExpectLPop("queue:dice:bronze").RedisNil()
		mock.ExpectBLPop(2*time.Second, "queue:dice:bronze").RedisNil()
		mock.ExpectLPush("queue:dice:bronze", payloadA).SetVal(1)

		assert.NoError(t, q.pairOnce(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.Empty(t, creator.created)

		// The starved queue moves to the back of the scan order.
		assert.Equal(t, []string{"queue:dice:standard", "queue:dice:bronze"}, q.queues)
	})

	t.Run("partner arriving inside the grace window is paired", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		creator := &fakeCreator{}
		q := NewQueue(rdb, &fakeDispatcher{}, creator)

		mock.ExpectBLPop(time.Second, "queue:dice:bronze", "queue:dice:standard").
			SetVal([]string{"queue:dice:bronze", string(entryJSON(t, entryA))})
		mock.ExpectLPop("queue:dice:bronze").RedisNil()
		mock.ExpectBLPop(2*time.Second, "queue:dice:bronze").
			SetVal([]string{"queue:dice:bronze", string(entryJSON(t, entryB))})

		assert.NoError(t, q.pairOnce(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.Len(t, creator.created, 1)
	})

	t.Run("both entries are re-queued when match creation fails", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		dispatcher := &fakeDispatcher{}
		creator := &fakeCreator{err: errors.New("state machine down")}
		q := NewQueue(rdb, dispatcher, creator)

		payloadA := string(entryJSON(t, entryA))
		payloadB := string(entryJSON(t, entryB))
		mock.ExpectBLPop(time.Second, "queue:dice:bronze", "queue:dice:standard").
			SetVal([]string{"queue:dice:bronze", payloadA})
		mock.ExpectLPop("queue:dice:bronze").SetVal(payloadB)
		mock.ExpectLPush("queue:dice:bronze", payloadB, payloadA).SetVal(2)

		assert.NoError(t, q.pairOnce(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.Empty(t, dispatcher.published)
	})
}

func TestQueue_HandleTimeout(t *testing.T) {
	ctx := context.Background()
	entry := models.QueueEntry{UserID: "userA", Username: "alice", BetAmount: decimal.NewFromInt(10)}

	timeoutJob := func(t *testing.T) relay.Job {
		payload, err := json.Marshal(QueueTimeoutPayload{Entry: entry, GameType: "dice", Tier: "bronze"})
		assert.NoError(t, err)
		return relay.Job{Name: JobQueueTimeout, Payload: payload}
	}

	t.Run("still-waiting entry is removed and announced", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		dispatcher := &fakeDispatcher{}
		q := NewQueue(rdb, dispatcher, &fakeCreator{})

		mock.ExpectLRem("queue:dice:bronze", 1, entryJSON(t, entry)).SetVal(1)

		assert.NoError(t, q.handleTimeout(ctx, timeoutJob(t)))
		assert.NoError(t, mock.ExpectationsWereMet())

		assert.Len(t, dispatcher.published, 1)
		assert.Equal(t, EventMatchTimeout, dispatcher.published[0].name)
	})

	t.Run("already-paired entry is ignored", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		dispatcher := &fakeDispatcher{}
		q := NewQueue(rdb, dispatcher, &fakeCreator{})

		mock.ExpectLRem("queue:dice:bronze", 1, entryJSON(t, entry)).SetVal(0)

		assert.NoError(t, q.handleTimeout(ctx, timeoutJob(t)))
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.Empty(t, dispatcher.published)
	})
}
