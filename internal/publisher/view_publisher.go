package publisher

import (
	"encoding/json"
	"fmt"
	"strings"

	"wisefido-carelink/common/mqtt"
	"wisefido-carelink/internal/domain"
	"wisefido-carelink/internal/models"

	"go.uber.org/zap"
)

// ViewPublisher 把合并视图以保留消息发布到 MQTT
// 主题：<prefix>/<viewerKey>/<category>
type ViewPublisher struct {
	pub    mqtt.Publisher
	prefix string
	qos    byte
	logger *zap.Logger
}

// NewViewPublisher 创建视图发布器
func NewViewPublisher(pub mqtt.Publisher, prefix string, qos byte, logger *zap.Logger) *ViewPublisher {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = "carelink/view"
	}
	return &ViewPublisher{pub: pub, prefix: prefix, qos: qos, logger: logger}
}

// Topic 视图对应的主题（'/' '+' '#' 在键中替换为 '_'）
func (p *ViewPublisher) Topic(viewer string, category domain.Category) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, topicSegment(viewer), topicSegment(strings.ToLower(string(category))))
}

// Publish 发布一次视图快照；失败只返回错误，不影响视图本身
func (p *ViewPublisher) Publish(view *models.MergedView) error {
	if view == nil {
		return nil
	}
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to marshal view: %w", err)
	}

	topic := p.Topic(view.Viewer, view.Category)
	if err := p.pub.Publish(topic, p.qos, true, payload); err != nil {
		p.logger.Error("Failed to publish view",
			zap.String("topic", topic),
			zap.Uint64("generation", view.Generation),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish view: %w", err)
	}

	p.logger.Debug("View published",
		zap.String("topic", topic),
		zap.Uint64("generation", view.Generation),
		zap.Int("item_count", view.Len()),
	)
	return nil
}

// ScheduleTopic 日程聚合结果主题：<prefix>/<viewerKey>/schedule/<personKey>
func (p *ViewPublisher) ScheduleTopic(viewer, person string) string {
	return fmt.Sprintf("%s/%s/schedule/%s", p.prefix, topicSegment(viewer), topicSegment(person))
}

// PublishSchedule 发布一次日程聚合结果（含降级标记）
func (p *ViewPublisher) PublishSchedule(viewer string, bundle models.ScheduleBundle) error {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	topic := p.ScheduleTopic(viewer, bundle.PersonKey)
	if err := p.pub.Publish(topic, p.qos, true, payload); err != nil {
		return fmt.Errorf("failed to publish schedule: %w", err)
	}
	p.logger.Debug("Schedule published",
		zap.String("topic", topic),
		zap.Bool("degraded", bundle.Degraded),
		zap.Int("item_count", len(bundle.Items)),
	)
	return nil
}

// Clear 清除保留消息（视图关闭时调用）
func (p *ViewPublisher) Clear(viewer string, category domain.Category) error {
	topic := p.Topic(viewer, category)
	if err := p.pub.Publish(topic, p.qos, true, []byte{}); err != nil {
		return fmt.Errorf("failed to clear view: %w", err)
	}
	return nil
}

var topicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func topicSegment(s string) string {
	return topicReplacer.Replace(s)
}
