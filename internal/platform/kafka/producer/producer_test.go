package producer_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustlayer/internal/platform/kafka/producer"
)

func TestProduceAsyncDropsWhenBufferIsFull(t *testing.T) {
	cfg := producer.DefaultConfig("127.0.0.1:1")
	cfg.MaxBufferedRecords = 1
	cfg.DeliveryTimeout = time.Minute
	prod, err := producer.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer prod.Close(10 * time.Millisecond)

	var full int
	start := time.Now()
	for range 100 {
		err := prod.ProduceAsync(&producer.Message{Topic: "security.alerts", Value: []byte("{}")})
		if err != nil {
			require.ErrorIs(t, err, producer.ErrBufferFull)
			full++
		}
	}

	assert.Less(t, time.Since(start), time.Second, "ProduceAsync must not wait for buffer space")
	assert.Positive(t, full)
}

func TestNewRequiresBrokers(t *testing.T) {
	_, err := producer.New(producer.DefaultConfig(" "), nil)
	require.Error(t, err)
}
