package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/kumbupay/ledger-service/internal/logger"
	"github.com/stretchr/testify/assert"
)

func member(t *testing.T, name string, payload interface{}) string {
	t.Helper()
	body, err := json.Marshal(payload)
	assert.NoError(t, err)
	raw, err := json.Marshal(envelope{ID: "job-1", Name: name, Payload: body, EnqueuedAt: time.Now()})
	assert.NoError(t, err)
	return string(raw)
}

func TestRunDue_DispatchesAndRemoves(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	log, _ := logger.NewLogger()
	q := NewRedisQueue(rdb, log)

	m := member(t, JobRateioProcess, map[string]uint64{"transaction_id": 42})

	var got uint64
	q.Register(JobRateioProcess, func(ctx context.Context, payload []byte) error {
		var p struct {
			TransactionID uint64 `json:"transaction_id"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		got = p.TransactionID
		return nil
	})

	mock.Regexp().ExpectZRangeByScore("jobs:scheduled", &redis.ZRangeBy{Min: `-inf`, Max: `\d+`}).SetVal([]string{m})
	mock.ExpectZRem("jobs:scheduled", m).SetVal(1)

	assert.NoError(t, q.RunDue(context.Background()))
	assert.Equal(t, uint64(42), got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunDue_KeepsFailedJob(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	log, _ := logger.NewLogger()
	q := NewRedisQueue(rdb, log)

	m := member(t, JobRateioProcess, map[string]uint64{"transaction_id": 42})
	q.Register(JobRateioProcess, func(ctx context.Context, payload []byte) error {
		return errors.New("downstream unavailable")
	})

	// no ZRem: the job stays scheduled for the next poll
	mock.Regexp().ExpectZRangeByScore("jobs:scheduled", &redis.ZRangeBy{Min: `-inf`, Max: `\d+`}).SetVal([]string{m})

	assert.NoError(t, q.RunDue(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunDue_DropsUndecodableJob(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	log, _ := logger.NewLogger()
	q := NewRedisQueue(rdb, log)

	// a failing removal is logged, never raised
	mock.Regexp().ExpectZRangeByScore("jobs:scheduled", &redis.ZRangeBy{Min: `-inf`, Max: `\d+`}).SetVal([]string{"not json"})
	mock.ExpectZRem("jobs:scheduled", "not json").SetErr(errors.New("connection reset"))

	assert.NoError(t, q.RunDue(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunDue_DropsUnknownJob(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	log, _ := logger.NewLogger()
	q := NewRedisQueue(rdb, log)

	m := member(t, "no:such:job", nil)

	mock.Regexp().ExpectZRangeByScore("jobs:scheduled", &redis.ZRangeBy{Min: `-inf`, Max: `\d+`}).SetVal([]string{m})
	mock.ExpectZRem("jobs:scheduled", m).SetVal(1)

	assert.NoError(t, q.RunDue(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
