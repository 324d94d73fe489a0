package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the bus-backed messenger.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Partition must be the same for every instance; ordering holds within one partition.
	Partition int
	// BatchWait bounds how long Poll waits for the next message before returning the batch.
	BatchWait time.Duration
}

// Kafka implements Messenger over a single Kafka partition. The partition
// offset is the sequence; the cursor (message time, offset) is persisted in
// a CursorStore so restarts resume where polling stopped.
type Kafka struct {
	brokers   []string
	topic     string
	partition int
	writer    *kafka.Writer
	reader    *kafka.Reader
	cursors   CursorStore
	instance  string
	clock     clockwork.Clock
	batchWait time.Duration

	dispatchMu sync.Mutex
	lastStamp  int64

	polling atomic.Bool
	closed  atomic.Bool
}

// NewKafka creates a Kafka messenger. Call SetInitialTimestamp before polling.
func NewKafka(cfg KafkaConfig, instance string, cursors CursorStore, clk clockwork.Clock) *Kafka {
	partition := cfg.Partition
	batchWait := cfg.BatchWait
	if batchWait <= 0 {
		batchWait = 250 * time.Millisecond
	}
	return &Kafka{
		brokers:   cfg.Brokers,
		topic:     cfg.Topic,
		partition: partition,
		writer: &kafka.Writer{
			Addr:  kafka.TCP(cfg.Brokers...),
			Topic: cfg.Topic,
			Balancer: kafka.BalancerFunc(func(_ kafka.Message, _ ...int) int {
				return partition
			}),
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:   cfg.Brokers,
			Topic:     cfg.Topic,
			Partition: partition,
			MinBytes:  1,
			MaxBytes:  10e6,
			MaxWait:   batchWait,
		}),
		cursors:   cursors,
		instance:  instance,
		clock:     clk,
		batchWait: batchWait,
	}
}

func (k *Kafka) Dispatch(ctx context.Context, payload []byte) error {
	if k.closed.Load() {
		return ErrClosed
	}
	k.dispatchMu.Lock()
	defer k.dispatchMu.Unlock()

	stamp := max(k.clock.Now().UnixMilli(), k.lastStamp)
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Value: payload,
		Time:  time.UnixMilli(stamp),
	})
	if err != nil {
		return fmt.Errorf("dispatching sync message to kafka: %w", err)
	}
	k.lastStamp = stamp
	return nil
}

// Poll reads until no message arrives within the batch wait.
// If the transport fails after some messages were read, those messages are
// returned and the error surfaces on the next poll.
func (k *Kafka) Poll(ctx context.Context) ([][]byte, error) {
	if k.closed.Load() {
		return nil, ErrClosed
	}
	if !k.polling.CompareAndSwap(false, true) {
		return nil, ErrPollInFlight
	}
	defer k.polling.Store(false)

	var (
		payloads [][]byte
		last     Position
	)
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, k.batchWait)
		m, err := k.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			if len(payloads) == 0 {
				return nil, fmt.Errorf("polling kafka: %w", err)
			}
			slog.Warn("kafka poll interrupted, returning partial batch",
				"instance", k.instance, "messages", len(payloads), "err", err)
			break
		}
		payloads = append(payloads, m.Value)
		last = Position{Time: m.Time.UnixMilli(), Seq: m.Offset}
	}

	if len(payloads) > 0 {
		if err := k.cursors.StoreCursor(ctx, k.instance, last); err != nil {
			slog.Error("storing kafka sync cursor", "instance", k.instance, "offset", last.Seq, "err", err)
		}
	}
	return payloads, nil
}

func (k *Kafka) SetInitialTimestamp(ctx context.Context) error {
	pos, ok, err := k.cursors.Cursor(ctx, k.instance)
	if err != nil {
		return fmt.Errorf("loading kafka sync cursor: %w", err)
	}
	if ok {
		if err := k.reader.SetOffset(pos.Seq + 1); err != nil {
			return fmt.Errorf("seeking kafka reader to %d: %w", pos.Seq+1, err)
		}
		return nil
	}
	return k.ResetLastTimestamp(ctx)
}

// ResetLastTimestamp seeks to the partition end as reported by its leader and
// stores the offset before it as the cursor.
func (k *Kafka) ResetLastTimestamp(ctx context.Context) error {
	end, err := k.endOffset(ctx)
	if err != nil {
		return fmt.Errorf("reading kafka partition end: %w", err)
	}
	if err := k.reader.SetOffset(end); err != nil {
		return fmt.Errorf("seeking kafka reader to %d: %w", end, err)
	}
	pos := Position{Time: k.clock.Now().UnixMilli(), Seq: end - 1}
	if err := k.cursors.StoreCursor(ctx, k.instance, pos); err != nil {
		return fmt.Errorf("storing kafka sync cursor: %w", err)
	}
	slog.Info("kafka sync cursor reset", "instance", k.instance, "offset", end)
	return nil
}

func (k *Kafka) endOffset(ctx context.Context) (int64, error) {
	var errs []error
	for _, broker := range k.brokers {
		conn, err := kafka.DialLeader(ctx, "tcp", broker, k.topic, k.partition)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		end, err := conn.ReadLastOffset()
		_ = conn.Close()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return end, nil
	}
	return 0, errors.Join(errs...)
}

// Close releases the writer and reader.
func (k *Kafka) Close() error {
	if !k.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(k.writer.Close(), k.reader.Close())
}
