package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rediscommon "wisefido-carelink/common/redis"
	"wisefido-carelink/internal/domain"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 视图控制事件类型
const (
	EventViewOpen        = "view.open"
	EventViewClose       = "view.close"
	EventAccountUpdated  = "account.updated"
	EventScheduleRequest = "schedule.request"
)

// ControlEvent 视图控制事件
type ControlEvent struct {
	EventType string `json:"event_type"`
	Viewer    string `json:"viewer"`             // 任意写法的账号标识
	Category  string `json:"category,omitempty"` // view.open / view.close 必填
	Person    string `json:"person,omitempty"`   // schedule.request：被查询人，为空时取 viewer
	Timestamp int64  `json:"timestamp"`
}

// Handler 控制事件的处理方
type Handler interface {
	OpenView(ctx context.Context, viewer string, category domain.Category) error
	CloseView(ctx context.Context, viewer string, category domain.Category) error
	AccountUpdated(ctx context.Context, viewer string) error
	RequestSchedule(ctx context.Context, viewer, person string) error
}

// EventConsumer 视图控制事件消费者（Redis Streams 消费者组）
type EventConsumer struct {
	redisClient  *redis.Client
	handler      Handler
	logger       *zap.Logger
	stream       string
	groupName    string
	consumerName string
	batchSize    int64
	block        time.Duration
	onEvent      func(eventType string)
}

// NewEventConsumer 创建事件消费者
func NewEventConsumer(
	redisClient *redis.Client,
	handler Handler,
	logger *zap.Logger,
	stream string,
	groupName string,
	consumerName string,
	batchSize int64,
) *EventConsumer {
	return &EventConsumer{
		redisClient:  redisClient,
		handler:      handler,
		logger:       logger,
		stream:       stream,
		groupName:    groupName,
		consumerName: consumerName,
		batchSize:    batchSize,
		block:        2 * time.Second,
		onEvent:      func(string) {},
	}
}

// SetEventHook 每条成功解析的事件回调一次（用于指标）
func (c *EventConsumer) SetEventHook(hook func(eventType string)) {
	if hook != nil {
		c.onEvent = hook
	}
}

// Start 启动事件消费者，阻塞直到 ctx 取消
func (c *EventConsumer) Start(ctx context.Context) error {
	// 创建消费者组
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.stream, c.groupName); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Event consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.groupName),
		zap.String("consumer_name", c.consumerName),
	)

	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := c.consumeEvents(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume events",
				zap.Error(err),
				zap.Duration("backoff", backoffDuration),
			)

			// 指数退避
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoffDuration):
				backoffDuration *= 2
				if backoffDuration > maxBackoff {
					backoffDuration = maxBackoff
				}
			}
			continue
		}
		// 成功时重置退避时间
		backoffDuration = time.Second
	}
}

// consumeEvents 读取并处理一批事件
func (c *EventConsumer) consumeEvents(ctx context.Context) error {
	messages, err := rediscommon.ReadFromStream(
		ctx,
		c.redisClient,
		c.stream,
		c.groupName,
		c.consumerName,
		c.batchSize,
		c.block,
	)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		if err := c.processEvent(ctx, msg); err != nil {
			c.logger.Error("Failed to process event",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			// 不确认，继续处理下一条
			continue
		}
		if err := rediscommon.Ack(ctx, c.redisClient, c.stream, c.groupName, msg.ID); err != nil {
			c.logger.Warn("Failed to ack message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// processEvent 处理单个事件
func (c *EventConsumer) processEvent(ctx context.Context, msg rediscommon.StreamMessage) error {
	event, err := parseEvent(msg)
	if err != nil {
		return fmt.Errorf("failed to parse event: %w", err)
	}
	c.onEvent(event.EventType)

	c.logger.Info("Processing control event",
		zap.String("event_type", event.EventType),
		zap.String("viewer", event.Viewer),
		zap.String("category", event.Category),
	)

	switch event.EventType {
	case EventViewOpen, EventViewClose:
		category, ok := domain.ParseCategory(event.Category)
		if !ok {
			return fmt.Errorf("invalid category %q", event.Category)
		}
		if event.EventType == EventViewOpen {
			return c.handler.OpenView(ctx, event.Viewer, category)
		}
		return c.handler.CloseView(ctx, event.Viewer, category)

	case EventAccountUpdated:
		return c.handler.AccountUpdated(ctx, event.Viewer)

	case EventScheduleRequest:
		person := event.Person
		if person == "" {
			person = event.Viewer
		}
		return c.handler.RequestSchedule(ctx, event.Viewer, person)

	default:
		c.logger.Warn("Unknown event type",
			zap.String("event_type", event.EventType),
		)
		return nil
	}
}

// parseEvent 优先解析 data 字段中的 JSON，否则按扁平字段解析
func parseEvent(msg rediscommon.StreamMessage) (*ControlEvent, error) {
	if dataStr, ok := msg.Values["data"].(string); ok {
		var event ControlEvent
		if err := json.Unmarshal([]byte(dataStr), &event); err == nil && event.EventType != "" {
			if event.Viewer == "" {
				return nil, fmt.Errorf("invalid event: missing viewer")
			}
			return &event, nil
		}
	}

	event := &ControlEvent{}
	if v, ok := msg.Values["event_type"].(string); ok {
		event.EventType = v
	}
	if v, ok := msg.Values["viewer"].(string); ok {
		event.Viewer = v
	}
	if v, ok := msg.Values["category"].(string); ok {
		event.Category = v
	}
	if v, ok := msg.Values["person"].(string); ok {
		event.Person = v
	}

	if event.EventType == "" || event.Viewer == "" {
		return nil, fmt.Errorf("invalid event: missing event_type or viewer")
	}
	return event, nil
}
