package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/kz-records/internal/config"
	"github.com/kz-records/internal/domain"
)

const (
	defaultReadyTimeout = 10 * time.Second
	defaultRetryBackoff = 2 * time.Second
)

// RunHandler applies batches of completed runs
type RunHandler interface {
	HandleRunEvents(ctx context.Context, events []domain.RunEvent) (int, error)
}

// Observer counts consumed events by outcome
type Observer interface {
	RunEvent(result string)
}

// Consumer consumes run events from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       RunHandler
	observer      Observer
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	readyTimeout  time.Duration
	retryBackoff  time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler RunHandler, observer Observer, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	return newConsumer(cfg, consumerGroup, handler, observer, logger), nil
}

func newConsumer(cfg *config.KafkaConfig, group sarama.ConsumerGroup, handler RunHandler, observer Observer, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:        cfg,
		handler:       handler,
		observer:      observer,
		logger:        logger,
		consumerGroup: group,
		readyTimeout:  defaultReadyTimeout,
		retryBackoff:  defaultRetryBackoff,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start joins the consumer group and returns once the first session is set
// up or the ready timeout passes, whichever is first. Consume errors are
// logged and the session is rejoined after a backoff until Stop.
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	ready := make(chan struct{})
	c.wg.Add(2)
	go c.consumeLoop(ready)
	go c.logErrors()

	timer := time.NewTimer(c.readyTimeout)
	defer timer.Stop()

	select {
	case <-ready:
		c.logger.Info("Kafka consumer ready")
	case <-timer.C:
		c.logger.Warn("Kafka consumer not ready yet, continuing in background", "timeout", c.readyTimeout)
	case <-c.ctx.Done():
	}
	return nil
}

func (c *Consumer) consumeLoop(ready chan struct{}) {
	defer c.wg.Done()

	handler := &consumerGroupHandler{consumer: c, ready: ready}
	for {
		if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			c.logger.Error("consume failed", "error", err, "retry_in", c.retryBackoff)
			select {
			case <-time.After(c.retryBackoff):
			case <-c.ctx.Done():
				return
			}
		}
		if c.ctx.Err() != nil {
			return
		}
	}
}

func (c *Consumer) logErrors() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case err, ok := <-c.consumerGroup.Errors():
			if !ok {
				return
			}
			c.logger.Error("consumer group error", "error", err)
		}
	}
}

// Stop leaves the group and waits for the loops to exit
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

func (c *Consumer) count(result string, n int) {
	if c.observer == nil {
		return
	}
	for i := 0; i < n; i++ {
		c.observer.RunEvent(result)
	}
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan struct{}
	once     sync.Once
}

// Setup signals Start on the first session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() { close(h.ready) })
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// runBatch accumulates decoded events of one claim
type runBatch struct {
	consumer *Consumer
	events   []domain.RunEvent
}

// flush hands the pending events to the run handler and resets the batch
func (b *runBatch) flush() {
	if len(b.events) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n := len(b.events)
	maps, err := b.consumer.handler.HandleRunEvents(ctx, b.events)
	if err != nil {
		b.consumer.logger.Error("failed to apply run events", "error", err, "batch_size", n)
		b.consumer.count("failed", n)
	} else {
		b.consumer.logger.Debug("applied run events", "batch_size", n, "maps", maps)
		b.consumer.count("applied", n)
	}
	b.events = b.events[:0]
}

// ConsumeClaim batches run events and flushes when the batch is full, the
// batch timeout fires or the claim ends. Undecodable messages are marked and
// dropped.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	cfg := h.consumer.config
	batch := &runBatch{consumer: h.consumer, events: make([]domain.RunEvent, 0, cfg.BatchSize)}
	defer batch.flush()

	timer := time.NewTimer(cfg.BatchTimeout)
	defer timer.Stop()

	for {
		select {
		case <-session.Context().Done():
			return nil

		case <-timer.C:
			batch.flush()
			timer.Reset(cfg.BatchTimeout)

		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			session.MarkMessage(msg, "")

			event, err := DecodeRunEvent(msg.Value)
			if err != nil {
				h.consumer.logger.Warn("dropping run event",
					"error", err,
					"partition", msg.Partition,
					"offset", msg.Offset,
				)
				h.consumer.count("invalid", 1)
				continue
			}

			batch.events = append(batch.events, event)
			if len(batch.events) >= cfg.BatchSize {
				batch.flush()
				timer.Reset(cfg.BatchTimeout)
			}
		}
	}
}

// ErrInvalidRunEvent is returned for messages that are not usable run events
var ErrInvalidRunEvent = errors.New("invalid run event")

// DecodeRunEvent parses a run event message. The map and player are required.
func DecodeRunEvent(value []byte) (domain.RunEvent, error) {
	var event domain.RunEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return domain.RunEvent{}, errors.Join(ErrInvalidRunEvent, err)
	}
	if event.Map == "" || event.SteamID == "" {
		return domain.RunEvent{}, ErrInvalidRunEvent
	}
	return event, nil
}
