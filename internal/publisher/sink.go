package publisher

import (
	"context"
	"sync"

	"wisefido-carelink/internal/domain"
	"wisefido-carelink/internal/models"

	"go.uber.org/zap"
)

// Sink 视图发布的非阻塞前端
// 每个主题只保留最新一次待发布的快照（保留消息只有最新的有意义），由后台协程依次发布；
// Offer 只做一次内存写入，可以在合并循环中直接调用
type Sink struct {
	target *ViewPublisher
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*models.MergedView
	order   []string
	wake    chan struct{}

	// publishMu 串行化发布与清除：Clear 返回后该主题不会再出现旧快照
	publishMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewSink 创建并启动发布协程
func NewSink(target *ViewPublisher, logger *zap.Logger) *Sink {
	s := &Sink{
		target:  target,
		logger:  logger,
		pending: make(map[string]*models.MergedView),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Offer 登记一次待发布的视图，覆盖同一主题尚未发布的旧快照；不阻塞
func (s *Sink) Offer(view *models.MergedView) {
	if view == nil {
		return
	}
	topic := s.target.Topic(view.Viewer, view.Category)

	s.mu.Lock()
	if _, queued := s.pending[topic]; !queued {
		s.order = append(s.order, topic)
	}
	s.pending[topic] = view
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Clear 丢弃该主题尚未发布的快照并清除保留消息
// 若发布协程正在发布该主题，等待其完成后再清除
func (s *Sink) Clear(viewer string, category domain.Category) error {
	topic := s.target.Topic(viewer, category)

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	if _, queued := s.pending[topic]; queued {
		delete(s.pending, topic)
		s.order = removeTopic(s.order, topic)
	}
	s.mu.Unlock()

	return s.target.Clear(viewer, category)
}

// Pending 尚未发布的主题数
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Close 发布剩余快照后停止发布协程；ctx 到期时不再等待
func (s *Sink) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("View sink stopped before draining", zap.Int("pending", s.Pending()))
		return ctx.Err()
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			for s.publishNext() {
			}
			return
		case <-s.wake:
			for s.publishNext() {
			}
		}
	}
}

func (s *Sink) publishNext() bool {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	if len(s.order) == 0 {
		s.mu.Unlock()
		return false
	}
	topic := s.order[0]
	s.order = s.order[1:]
	view := s.pending[topic]
	delete(s.pending, topic)
	s.mu.Unlock()

	// 失败已由 ViewPublisher 记录；下一次更新会带着最新快照重新发布
	_ = s.target.Publish(view)
	return true
}

func removeTopic(order []string, topic string) []string {
	out := order[:0]
	for _, t := range order {
		if t != topic {
			out = append(out, t)
		}
	}
	return out
}
