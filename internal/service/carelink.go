package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"wisefido-carelink/common/database"
	"wisefido-carelink/common/mqtt"
	rediscommon "wisefido-carelink/common/redis"
	"wisefido-carelink/internal/aggregator"
	"wisefido-carelink/internal/config"
	"wisefido-carelink/internal/consumer"
	"wisefido-carelink/internal/domain"
	"wisefido-carelink/internal/identity"
	"wisefido-carelink/internal/merge"
	"wisefido-carelink/internal/metrics"
	"wisefido-carelink/internal/models"
	"wisefido-carelink/internal/publisher"
	"wisefido-carelink/internal/repository"
	"wisefido-carelink/internal/resolver"
	"wisefido-carelink/internal/store"
	"wisefido-carelink/internal/subscription"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Dependencies 已建立连接的外部依赖
type Dependencies struct {
	Redis     *redis.Client
	DB        *sql.DB        // 为空时不做资料查询，只按写法规范化
	Publisher mqtt.Publisher // 为空时不发布视图
	Registry  *prometheus.Registry
}

// CarelinkService 关系解析与实时聚合服务
type CarelinkService struct {
	config        *config.Config
	logger        *zap.Logger
	db            *sql.DB
	redisClient   *redis.Client
	mqttClient    *mqtt.Client
	normalizer    *identity.Normalizer
	accounts      *store.AccountStore
	resolver      *resolver.Resolver
	feeds         *store.RedisFeedSource
	manager       *subscription.Manager
	publisher     *publisher.ViewPublisher
	sink          *publisher.Sink
	profiles      *repository.ProfileRepository
	schedules     *store.ScheduleCache
	aggregator    *aggregator.Client
	eventConsumer *consumer.EventConsumer
	metrics       *metrics.Metrics
	metricsServer *http.Server

	mu         sync.Mutex
	views      map[string]*subscription.View
	viewCtx    context.Context
	viewCancel context.CancelFunc
}

// NewCarelinkService 连接数据库 / Redis / MQTT 并创建服务
func NewCarelinkService(cfg *config.Config, logger *zap.Logger) (*CarelinkService, error) {
	ctx := context.Background()

	// 初始化数据库
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 初始化 Redis（存储、账号、控制事件）
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(ctx, redisClient); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 初始化 MQTT（视图发布）
	var mqttClient *mqtt.Client
	deps := Dependencies{Redis: redisClient, DB: db, Registry: prometheus.NewRegistry()}
	if cfg.Carelink.PublishViews {
		mqttClient, err = mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			_ = rediscommon.Close(redisClient)
			_ = database.Close(db)
			return nil, fmt.Errorf("failed to connect to mqtt: %w", err)
		}
		deps.Publisher = mqttClient
	}

	s := New(cfg, deps, logger)
	s.mqttClient = mqttClient
	return s, nil
}

// New 使用已建立的连接创建服务
func New(cfg *config.Config, deps Dependencies, logger *zap.Logger) *CarelinkService {
	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	s := &CarelinkService{
		config:      cfg,
		logger:      logger,
		db:          deps.DB,
		redisClient: deps.Redis,
		metrics:     metrics.New(registry),
		views:       make(map[string]*subscription.View),
	}
	s.viewCtx, s.viewCancel = context.WithCancel(context.Background())

	var lookup identity.ProfileLookup
	if deps.DB != nil {
		s.profiles = repository.NewProfileRepository(deps.DB, logger)
		lookup = s.profiles
	}
	cache := identity.NewProfileCache(cfg.Carelink.ProfileCacheTTL, cfg.Carelink.ProfileCacheSize)
	s.normalizer = identity.NewNormalizer(lookup, cache, logger)

	kv := store.NewRedisKV(deps.Redis)
	s.accounts = store.NewAccountStore(kv)
	s.schedules = store.NewScheduleCache(kv, cfg.Carelink.ScheduleCacheTTL)
	s.resolver = resolver.NewResolver(s.accounts, s.normalizer, logger)
	s.feeds = store.NewRedisFeedSource(deps.Redis, logger)
	s.manager = subscription.NewManager(s.feeds, logger,
		subscription.WithNameLookup(s.displayName),
		subscription.WithRecorder(s.metrics),
	)

	if deps.Publisher != nil {
		s.publisher = publisher.NewViewPublisher(deps.Publisher, cfg.Carelink.ViewTopicPrefix, cfg.MQTT.QoS, logger)
		s.sink = publisher.NewSink(s.publisher, logger)
	}

	s.aggregator = aggregator.NewClient(aggregator.Config{
		URL:            cfg.Aggregation.URL,
		Timeout:        cfg.Aggregation.Timeout,
		MaxAttempts:    cfg.Aggregation.MaxAttempts,
		InitialBackoff: cfg.Aggregation.InitialBackoff,
		MaxBackoff:     cfg.Aggregation.MaxBackoff,
	}, aggregator.LocalSourceFunc(s.localItems), logger, aggregator.WithRecorder(s.metrics))

	s.eventConsumer = consumer.NewEventConsumer(
		deps.Redis,
		s,
		logger,
		cfg.Carelink.EventStream,
		cfg.Carelink.ConsumerGroup,
		cfg.Carelink.ConsumerName,
		int64(cfg.Carelink.BatchSize),
	)
	s.eventConsumer.SetEventHook(s.metrics.ControlEvent)

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s
}

// Start 启动服务，阻塞直到 ctx 取消
func (s *CarelinkService) Start(ctx context.Context) error {
	s.logger.Info("Starting carelink service",
		zap.String("event_stream", s.config.Carelink.EventStream),
		zap.Bool("publish_views", s.publisher != nil),
		zap.Bool("aggregation_configured", s.config.Aggregation.URL != ""),
	)

	if s.metricsServer != nil {
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	return s.eventConsumer.Start(ctx)
}

// Stop 关闭全部视图并释放连接
func (s *CarelinkService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping carelink service")

	s.mu.Lock()
	for id, v := range s.views {
		v.Detach()
		delete(s.views, id)
	}
	s.metrics.SetOpenViews(0)
	s.mu.Unlock()
	s.viewCancel()

	var errs []error
	if s.sink != nil {
		if err := s.sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain view sink: %w", err))
		}
	}
	if s.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop metrics server: %w", err))
		}
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// OpenView 为 viewer 打开一个类别的合并视图；已打开时不重复打开
func (s *CarelinkService) OpenView(ctx context.Context, viewer string, category domain.Category) error {
	res, err := s.resolver.ResolveByIdentifier(ctx, viewer)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("Cannot open view", zap.String("viewer", viewer), zap.Error(err))
			s.publishNotice(ctx, viewer, category, err)
			return nil
		}
		return err
	}
	if res.Notice != nil {
		s.logger.Info("Opening view with notice",
			zap.String("viewer", res.Viewer.ID),
			zap.String("notice", res.Notice.Actionable()),
		)
	}

	id := viewKey(res.Viewer.ID, category)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.views[id]; ok {
		return nil
	}

	v, err := s.manager.Attach(s.viewCtx, res.Viewer.ID, res.Keys, category, s.onViewUpdate,
		subscription.WithNotice(models.NewNotice(res.Notice)))
	if err != nil {
		return fmt.Errorf("failed to attach view: %w", err)
	}
	s.views[id] = v
	s.metrics.SetOpenViews(len(s.views))
	return nil
}

// CloseView 关闭视图并清除保留消息
func (s *CarelinkService) CloseView(ctx context.Context, viewer string, category domain.Category) error {
	key, err := s.normalizer.Normalize(ctx, viewer)
	if err != nil {
		s.logger.Warn("Cannot close view", zap.String("viewer", viewer), zap.Error(err))
		return nil
	}

	id := viewKey(key.ID, category)
	s.mu.Lock()
	v, ok := s.views[id]
	delete(s.views, id)
	s.metrics.SetOpenViews(len(s.views))
	s.mu.Unlock()
	if !ok {
		return nil
	}

	v.Detach()
	if s.sink == nil {
		return nil
	}
	// 等写者协程退出，确保清除之后不会再有该视图的快照进入发布队列
	select {
	case <-v.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := s.sink.Clear(key.ID, category); err != nil {
		s.logger.Warn("Failed to clear retained view", zap.String("view_id", v.ID()), zap.Error(err))
	}
	return nil
}

// AccountUpdated 刷新资料，重新解析关联关系，把增量应用到该 viewer 已打开的视图
func (s *CarelinkService) AccountUpdated(ctx context.Context, viewer string) error {
	key, err := s.normalizer.Normalize(ctx, viewer)
	if err != nil {
		s.logger.Warn("Ignoring account update", zap.String("viewer", viewer), zap.Error(err))
		return nil
	}
	s.refreshProfile(ctx, key)
	s.normalizer.Invalidate(key)
	if err := s.schedules.Invalidate(ctx, key.ID); err != nil {
		s.logger.Warn("Failed to invalidate cached schedule", zap.String("person", key.ID), zap.Error(err))
	}

	views := s.viewsOf(key.ID)
	res, err := s.resolver.ResolveByIdentifier(ctx, viewer)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if len(views) == 0 {
			return nil
		}
		// 账号已不存在：关闭其视图
		s.logger.Warn("Account removed, closing views", zap.String("viewer", key.ID))
		for _, v := range views {
			if err := s.CloseView(ctx, key.ID, v.Category()); err != nil {
				return err
			}
		}
		return nil
	}

	s.announceRelationships(ctx, res)

	notice := models.NewNotice(res.Notice)
	for _, v := range views {
		v.SetLinks(res.Keys, notice)
	}
	s.logger.Info("Applied relationship change",
		zap.String("viewer", key.ID),
		zap.Strings("keys", res.KeyIDs()),
		zap.Int("view_count", len(views)),
	)
	return nil
}

// RequestSchedule 获取 person 的跨类别日程并发布给 viewer
func (s *CarelinkService) RequestSchedule(ctx context.Context, viewer, person string) error {
	viewerKey, err := s.normalizer.Normalize(ctx, viewer)
	if err != nil {
		s.logger.Warn("Ignoring schedule request", zap.String("viewer", viewer), zap.Error(err))
		return nil
	}
	personKey, err := s.normalizer.Normalize(ctx, person)
	if err != nil {
		s.logger.Warn("Ignoring schedule request", zap.String("person", person), zap.Error(err))
		return nil
	}

	bundle := s.FetchSchedule(ctx, personKey)
	if s.publisher == nil {
		return nil
	}
	return s.publisher.PublishSchedule(viewerKey.ID, bundle)
}

// FetchSchedule 缓存的远端结果优先，其次外部聚合接口，失败时使用本地合并数据
func (s *CarelinkService) FetchSchedule(ctx context.Context, person identity.Key) models.ScheduleBundle {
	cached, err := s.schedules.Get(ctx, person.ID)
	if err != nil {
		s.logger.Warn("Failed to read cached schedule", zap.String("person", person.ID), zap.Error(err))
	}
	if cached != nil {
		return *cached
	}

	bundle := s.aggregator.FetchAggregateSchedule(ctx, person.ID)
	if err := s.schedules.Put(ctx, bundle); err != nil {
		s.logger.Warn("Failed to cache schedule", zap.String("person", person.ID), zap.Error(err))
	}
	return bundle
}

// onViewUpdate 在视图写者协程中调用：只登记快照，由 sink 在后台发布
func (s *CarelinkService) onViewUpdate(view *models.MergedView) {
	if s.sink == nil {
		return
	}
	s.sink.Offer(view)
}

// publishNotice 无法打开视图时发布只含提示的视图，客户端据此展示原因
func (s *CarelinkService) publishNotice(ctx context.Context, viewer string, category domain.Category, err error) {
	if s.sink == nil {
		return
	}
	var cerr *domain.CareError
	if !errors.As(err, &cerr) {
		return
	}
	key, nerr := s.normalizer.Normalize(ctx, viewer)
	if nerr != nil {
		return
	}
	s.sink.Offer(&models.MergedView{
		Viewer:     key.ID,
		Category:   category,
		Keys:       []string{},
		Items:      []models.MergedItem{},
		Notice:     models.NewNotice(cerr),
		ProducedAt: time.Now().UTC(),
	})
}

// refreshProfile 用账号记录更新资料表（账号存储是资料的来源）
// 失败只记录日志：关联关系解析不依赖资料表
func (s *CarelinkService) refreshProfile(ctx context.Context, key identity.Key) {
	if s.profiles == nil || key.EmailPath() == "" {
		return
	}
	acc, err := s.accounts.GetAccount(ctx, key.EmailPath())
	if err != nil || acc == nil || strings.TrimSpace(acc.UID) == "" {
		return
	}

	email := acc.Email
	if email == "" {
		email = key.EmailPath()
	}
	profile := identity.Profile{
		UID:         acc.UID,
		Email:       email,
		DisplayName: strings.TrimSpace(acc.FirstName + " " + acc.LastName),
	}
	if err := s.profiles.UpsertProfile(ctx, profile); err != nil {
		s.logger.Warn("Failed to refresh profile", zap.String("uid", acc.UID), zap.Error(err))
		return
	}
	s.logger.Debug("Profile refreshed", zap.String("uid", acc.UID), zap.String("email_key", key.EmailPath()))
}

// announceRelationships 把重新解析的关联关系发布到下游 stream
func (s *CarelinkService) announceRelationships(ctx context.Context, res *resolver.Resolution) {
	stream := s.config.Carelink.RelationshipStream
	if stream == "" || s.redisClient == nil {
		return
	}
	event := models.RelationshipEvent{
		EventType:     models.EventRelationshipChanged,
		Viewer:        res.Viewer.ID,
		Keys:          res.KeyIDs(),
		Relationships: res.Relationships,
		Notice:        models.NewNotice(res.Notice),
		Timestamp:     time.Now().Unix(),
	}
	id, err := rediscommon.PublishJSONToStream(ctx, s.redisClient, stream, event)
	if err != nil {
		s.logger.Warn("Failed to publish relationship event",
			zap.String("stream", stream),
			zap.String("viewer", res.Viewer.ID),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("Relationship event published", zap.String("stream", stream), zap.String("message_id", id))
}

func (s *CarelinkService) viewsOf(viewerID string) []*subscription.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*subscription.View
	for _, v := range s.views {
		if v.Viewer() == viewerID {
			out = append(out, v)
		}
	}
	return out
}

// displayName 资料展示名优先，其次账号姓名
func (s *CarelinkService) displayName(ctx context.Context, key identity.Key) string {
	p, err := s.normalizer.Profile(ctx, key)
	if err != nil {
		s.logger.Debug("Profile lookup failed", zap.String("key", key.ID), zap.Error(err))
	}
	if p != nil && p.DisplayName != "" {
		return p.DisplayName
	}
	if key.EmailKey == "" {
		return ""
	}
	acc, err := s.accounts.GetAccount(ctx, key.EmailKey)
	if err != nil || acc == nil {
		return ""
	}
	return acc.DisplayName()
}

// localItems 降级数据：逐类别取已打开视图中该人的实时条目，没有该类别视图时读取存储
func (s *CarelinkService) localItems(ctx context.Context, personKey string) []models.MergedItem {
	key, err := s.normalizer.Normalize(ctx, personKey)
	if err != nil {
		return nil
	}

	live, liveName := s.liveItems(key.ID)
	var items []domain.TimedItem
	for _, category := range scheduleCategories {
		if catItems, ok := live[category]; ok {
			items = append(items, catItems...)
			continue
		}
		items = append(items, s.loadStored(ctx, category, key)...)
	}
	if len(items) == 0 {
		return nil
	}

	name := liveName
	if name == "" {
		name = s.displayName(ctx, key)
	}
	return merge.Merge([]merge.KeySnapshot{{Key: key, Items: items}}, func(k identity.Key) string {
		if name != "" {
			return name
		}
		return merge.DefaultName(k)
	})
}

var scheduleCategories = []domain.Category{domain.CategoryAppointments, domain.CategoryMedications, domain.CategoryReminders}

// liveItems 已打开视图中该人（订阅正常）的条目，按类别分组
// 某类别出现在结果中即表示有实时数据，即使条目为空
func (s *CarelinkService) liveItems(keyID string) (map[domain.Category][]domain.TimedItem, string) {
	s.mu.Lock()
	views := make([]*subscription.View, 0, len(s.views))
	for _, v := range s.views {
		views = append(views, v)
	}
	s.mu.Unlock()

	out := make(map[domain.Category][]domain.TimedItem)
	var name string
	for _, v := range views {
		cur := v.Current()
		if cur == nil || !contains(cur.Keys, keyID) || contains(cur.FailedKeys, keyID) {
			continue
		}
		if _, seen := out[cur.Category]; seen {
			continue
		}
		items := []domain.TimedItem{}
		for _, it := range cur.Items {
			if it.SourceKey != keyID {
				continue
			}
			item := it.TimedItem
			if item.Category == "" {
				item.Category = cur.Category
			}
			items = append(items, item)
			if name == "" {
				name = it.OwnerName
			}
		}
		out[cur.Category] = items
	}
	return out, name
}

// loadStored 按编码顺序读取该类别第一个有数据的路径
func (s *CarelinkService) loadStored(ctx context.Context, category domain.Category, key identity.Key) []domain.TimedItem {
	for _, path := range s.manager.Paths(category, key) {
		ok, err := s.feeds.Exists(ctx, path)
		if err != nil || !ok {
			continue
		}
		items, err := s.feeds.Load(ctx, path)
		if err != nil {
			s.logger.Warn("Failed to load local items", zap.String("path", path.String()), zap.Error(err))
			return nil
		}
		for i := range items {
			if items[i].Category == "" {
				items[i].Category = category
			}
		}
		return items
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func viewKey(viewerID string, category domain.Category) string {
	return viewerID + "|" + string(category)
}
