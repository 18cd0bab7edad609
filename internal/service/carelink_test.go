package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wisefido-carelink/common/mqtt"
	"wisefido-carelink/internal/config"
	"wisefido-carelink/internal/domain"
	"wisefido-carelink/internal/models"
	"wisefido-carelink/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu       sync.Mutex
	payloads map[string][]byte
	counts   map[string]int
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{payloads: make(map[string][]byte), counts: make(map[string]int)}
}

func (f *fakePublisher) Publish(topic string, _ byte, _ bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[topic] = append([]byte(nil), payload...)
	f.counts[topic]++
	return nil
}

func (f *fakePublisher) latest(topic string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payloads[topic]
	return p, ok
}

// waitView 等待主题上出现满足条件的视图
func (f *fakePublisher) waitView(t *testing.T, topic string, cond func(v models.MergedView) bool) models.MergedView {
	t.Helper()
	var view models.MergedView
	require.Eventually(t, func() bool {
		raw, ok := f.latest(topic)
		if !ok || len(raw) == 0 {
			return false
		}
		var v models.MergedView
		if err := json.Unmarshal(raw, &v); err != nil {
			return false
		}
		view = v
		return cond(v)
	}, 3*time.Second, 10*time.Millisecond)
	return view
}

type testEnv struct {
	svc    *CarelinkService
	pub    *fakePublisher
	redis  *redis.Client
	writer *store.ItemWriter
	accts  *store.AccountStore
}

func setupService(t *testing.T) *testEnv {
	t.Helper()
	pub := newFakePublisher()
	return setupServiceWith(t, pub, pub, nil, nil)
}

// setupServiceWith 可替换 MQTT 发布端、数据库与配置的测试环境
func setupServiceWith(t *testing.T, pub mqtt.Publisher, recorded *fakePublisher, db *sql.DB, tweak func(cfg *config.Config)) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{}
	cfg.Carelink.ViewTopicPrefix = "carelink/view"
	cfg.Carelink.EventStream = "carelink:events"
	cfg.Carelink.ConsumerGroup = "carelink-group"
	cfg.Carelink.ConsumerName = "carelink-test"
	cfg.Carelink.BatchSize = 10
	cfg.Aggregation.MaxAttempts = 1
	if tweak != nil {
		tweak(cfg)
	}

	svc := New(cfg, Dependencies{Redis: client, DB: db, Publisher: pub}, zap.NewNop())
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	return &testEnv{
		svc:    svc,
		pub:    recorded,
		redis:  client,
		writer: store.NewItemWriter(client),
		accts:  store.NewAccountStore(store.NewRedisKV(client)),
	}
}

func (e *testEnv) putAccount(t *testing.T, email string, role domain.Role, first string, links string) {
	t.Helper()
	acc := &domain.Account{Email: email, Role: role, FirstName: first}
	if links != "" {
		acc.Fields = map[string]json.RawMessage{"elderlyIds": json.RawMessage(links)}
	}
	require.NoError(t, e.accts.PutAccount(context.Background(), acc))
}

func (e *testEnv) putItem(t *testing.T, category domain.Category, physicalKey string, item domain.TimedItem) {
	t.Helper()
	require.NoError(t, e.writer.Put(context.Background(), store.Path{Category: category, PhysicalKey: physicalKey}, item))
}

const carolTopic = "carelink/view/carol@example_com/appointments"

func seedFamily(t *testing.T, e *testEnv) {
	t.Helper()
	e.putAccount(t, "carol@example.com", domain.RoleCaregiver, "Carol", `["Mom.Smith@example.com","dad@example.com"]`)
	e.putAccount(t, "mom.smith@example.com", domain.RoleElderly, "Mom", "")
	e.putAccount(t, "dad@example.com", domain.RoleElderly, "Dad", "")

	e.putItem(t, domain.CategoryAppointments, "mom_smith@example_com", domain.TimedItem{ID: "a1", Title: "Dentist", Date: "2024-05-02", Time: "09:00", UpdatedAt: 1})
	e.putItem(t, domain.CategoryAppointments, "dad@example_com", domain.TimedItem{ID: "d1", Title: "Checkup", Date: "2024-05-01", Time: "14:00", UpdatedAt: 1})
}

func TestOpenView_PublishesLiveMergedView(t *testing.T) {
	e := setupService(t)
	seedFamily(t, e)
	ctx := context.Background()

	require.NoError(t, e.svc.OpenView(ctx, "Carol@Example.com", domain.CategoryAppointments))
	// 重复打开不产生第二个视图
	require.NoError(t, e.svc.OpenView(ctx, "carol@example_com", domain.CategoryAppointments))
	assert.Len(t, e.svc.viewsOf("carol@example_com"), 1)

	view := e.pub.waitView(t, carolTopic, func(v models.MergedView) bool { return v.Len() == 2 })
	assert.Equal(t, []string{"d1", "a1"}, view.ItemIDs())
	assert.Equal(t, "Mom", view.Items[1].OwnerName)
	assert.Equal(t, "mom_smith@example_com", view.Items[1].SourceKey)

	done := domain.TimedItem{ID: "a1", Title: "Dentist", Date: "2024-05-02", Time: "09:00", Completed: true, UpdatedAt: 2}
	e.putItem(t, domain.CategoryAppointments, "mom_smith@example_com", done)
	view = e.pub.waitView(t, carolTopic, func(v models.MergedView) bool {
		return v.Len() == 2 && v.Items[1].Completed
	})
	assert.Equal(t, []string{"d1", "a1"}, view.ItemIDs())
}

func TestAccountUpdated_AppliesRelationshipDelta(t *testing.T) {
	e := setupService(t)
	seedFamily(t, e)
	ctx := context.Background()

	require.NoError(t, e.svc.OpenView(ctx, "carol@example.com", domain.CategoryAppointments))
	e.pub.waitView(t, carolTopic, func(v models.MergedView) bool { return v.Len() == 2 })

	e.putAccount(t, "carol@example.com", domain.RoleCaregiver, "Carol", `["dad@example.com"]`)
	require.NoError(t, e.svc.AccountUpdated(ctx, "carol@example.com"))

	view := e.pub.waitView(t, carolTopic, func(v models.MergedView) bool { return v.Len() == 1 })
	assert.Equal(t, []string{"d1"}, view.ItemIDs())
	assert.Equal(t, []string{"dad@example_com"}, view.Keys)
}

func TestCloseView_ClearsRetainedView(t *testing.T) {
	e := setupService(t)
	seedFamily(t, e)
	ctx := context.Background()

	require.NoError(t, e.svc.OpenView(ctx, "carol@example.com", domain.CategoryAppointments))
	e.pub.waitView(t, carolTopic, func(v models.MergedView) bool { return v.Len() == 2 })

	require.NoError(t, e.svc.CloseView(ctx, "carol@example.com", domain.CategoryAppointments))
	raw, ok := e.pub.latest(carolTopic)
	require.True(t, ok)
	assert.Empty(t, raw)
	assert.Empty(t, e.svc.viewsOf("carol@example_com"))

	// 关闭后再写入不再发布
	e.putItem(t, domain.CategoryAppointments, "dad@example_com", domain.TimedItem{ID: "d2", Title: "Walk", Date: "2024-05-03", UpdatedAt: 1})
	time.Sleep(100 * time.Millisecond)
	raw, _ = e.pub.latest(carolTopic)
	assert.Empty(t, raw)

	// 未打开的视图关闭是空操作
	assert.NoError(t, e.svc.CloseView(ctx, "nobody@example.com", domain.CategoryReminders))
}

func TestOpenView_UnknownViewerIsNotAnError(t *testing.T) {
	e := setupService(t)

	require.NoError(t, e.svc.OpenView(context.Background(), "ghost@example.com", domain.CategoryAppointments))
	assert.Empty(t, e.svc.viewsOf("ghost@example_com"))

	// 只含提示的保留消息，客户端据此展示“账号不存在”
	view := e.pub.waitView(t, "carelink/view/ghost@example_com/appointments", func(v models.MergedView) bool {
		return v.Notice != nil
	})
	assert.Equal(t, domain.KindNotFound, view.Notice.Kind)
	assert.NotEmpty(t, view.Notice.Message)
	assert.Empty(t, view.Items)
	assert.Empty(t, view.Keys)
}

func TestOpenView_CaregiverWithoutLinksShowsNotice(t *testing.T) {
	e := setupService(t)
	ctx := context.Background()
	e.putAccount(t, "carol@example.com", domain.RoleCaregiver, "Carol", "")
	e.putAccount(t, "dad@example.com", domain.RoleElderly, "Dad", "")
	e.putItem(t, domain.CategoryAppointments, "dad@example_com", domain.TimedItem{ID: "d1", Title: "Checkup", Date: "2024-05-01", Time: "14:00", UpdatedAt: 1})

	require.NoError(t, e.svc.OpenView(ctx, "carol@example.com", domain.CategoryAppointments))
	view := e.pub.waitView(t, carolTopic, func(v models.MergedView) bool { return v.Notice != nil })
	assert.Equal(t, domain.KindNoLinkedPerson, view.Notice.Kind)
	assert.Equal(t, 0, view.Len())

	// 关联之后提示消失，条目出现
	e.putAccount(t, "carol@example.com", domain.RoleCaregiver, "Carol", `["dad@example.com"]`)
	require.NoError(t, e.svc.AccountUpdated(ctx, "carol@example.com"))

	view = e.pub.waitView(t, carolTopic, func(v models.MergedView) bool { return v.Notice == nil && v.Len() == 1 })
	assert.Equal(t, []string{"d1"}, view.ItemIDs())
}

func TestRequestSchedule_DegradesToStoredItems(t *testing.T) {
	e := setupService(t)
	seedFamily(t, e)
	e.putItem(t, domain.CategoryMedications, "mom_smith@example_com", domain.TimedItem{ID: "m1", Title: "Aspirin", Date: "2024-05-01", Time: "08:00", UpdatedAt: 1})

	require.NoError(t, e.svc.RequestSchedule(context.Background(), "carol@example.com", "Mom.Smith@example.com"))

	raw, ok := e.pub.latest("carelink/view/carol@example_com/schedule/mom_smith@example_com")
	require.True(t, ok)
	var bundle models.ScheduleBundle
	require.NoError(t, json.Unmarshal(raw, &bundle))
	assert.True(t, bundle.Degraded)
	assert.Equal(t, models.SourceLocal, bundle.Source)
	require.Len(t, bundle.Items, 2)
	assert.Equal(t, "m1", bundle.Items[0].ID)
	assert.Equal(t, "a1", bundle.Items[1].ID)
	assert.Equal(t, "Mom", bundle.Items[0].OwnerName)
	assert.JSONEq(t, "2", string(bundle.Summary["total"]))
}

func TestRequestSchedule_PrefersOpenViewData(t *testing.T) {
	e := setupService(t)
	seedFamily(t, e)
	ctx := context.Background()

	require.NoError(t, e.svc.OpenView(ctx, "carol@example.com", domain.CategoryAppointments))
	e.pub.waitView(t, carolTopic, func(v models.MergedView) bool { return v.Len() == 2 })

	items := e.svc.localItems(ctx, "dad@example_com")
	require.Len(t, items, 1)
	assert.Equal(t, "d1", items[0].ID)
	assert.Equal(t, "Dad", items[0].OwnerName)
}

func TestLocalItems_KeepsCategoriesWithoutOpenView(t *testing.T) {
	e := setupService(t)
	seedFamily(t, e)
	ctx := context.Background()
	e.putItem(t, domain.CategoryMedications, "mom_smith@example_com", domain.TimedItem{ID: "m1", Title: "Aspirin", Date: "2024-05-01", Time: "08:00", UpdatedAt: 1})

	before := e.svc.localItems(ctx, "mom_smith@example_com")
	require.Len(t, before, 2)
	assert.Equal(t, []string{"m1", "a1"}, []string{before[0].ID, before[1].ID})

	require.NoError(t, e.svc.OpenView(ctx, "carol@example.com", domain.CategoryAppointments))
	e.pub.waitView(t, carolTopic, func(v models.MergedView) bool { return v.Len() == 2 })

	// 打开预约视图后，用药仍从存储读取
	after := e.svc.localItems(ctx, "mom_smith@example_com")
	require.Len(t, after, 2)
	assert.Equal(t, []string{"m1", "a1"}, []string{after[0].ID, after[1].ID})
	assert.Equal(t, domain.CategoryMedications, after[0].Category)
	assert.Equal(t, domain.CategoryAppointments, after[1].Category)
	assert.Equal(t, "Mom", after[0].OwnerName)
}

// gatedPublisher gate 关闭前阻塞所有发布
type gatedPublisher struct {
	*fakePublisher
	gate    chan struct{}
	entered chan struct{}
	enter   sync.Once
	release sync.Once
}

func (g *gatedPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	g.enter.Do(func() { close(g.entered) })
	<-g.gate
	return g.fakePublisher.Publish(topic, qos, retained, payload)
}

func (g *gatedPublisher) open() {
	g.release.Do(func() { close(g.gate) })
}

func TestOpenView_SlowBrokerDoesNotStallView(t *testing.T) {
	pub := &gatedPublisher{fakePublisher: newFakePublisher(), gate: make(chan struct{}), entered: make(chan struct{})}
	e := setupServiceWith(t, pub, pub.fakePublisher, nil, nil)
	t.Cleanup(pub.open)
	seedFamily(t, e)
	ctx := context.Background()

	require.NoError(t, e.svc.OpenView(ctx, "carol@example.com", domain.CategoryAppointments))
	select {
	case <-pub.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("view was never handed to the broker")
	}

	// broker 阻塞期间视图继续合并新数据
	e.putItem(t, domain.CategoryAppointments, "dad@example_com", domain.TimedItem{ID: "d2", Title: "Walk", Date: "2024-05-03", UpdatedAt: 1})
	views := e.svc.viewsOf("carol@example_com")
	require.Len(t, views, 1)
	require.Eventually(t, func() bool {
		return views[0].Current().Len() == 3
	}, 3*time.Second, 10*time.Millisecond)

	pub.open()
	view := e.pub.waitView(t, carolTopic, func(v models.MergedView) bool { return v.Len() == 3 })
	assert.Equal(t, []string{"d1", "a1", "d2"}, view.ItemIDs())
}

func TestAccountUpdated_RefreshesProfileRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	pub := newFakePublisher()
	e := setupServiceWith(t, pub, pub, db, nil)
	ctx := context.Background()

	acc := &domain.Account{Email: "carol@example.com", UID: "u-carol", Role: domain.RoleCaregiver, FirstName: "Carol", LastName: "Jones"}
	require.NoError(t, e.accts.PutAccount(ctx, acc))

	// 其余资料查询未设置期望，按写法键继续
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_profiles")).
		WithArgs("u-carol", "carol@example.com", "carol@example_com", "Carol Jones").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, e.svc.AccountUpdated(ctx, "carol@example.com"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountUpdated_PublishesRelationshipEvent(t *testing.T) {
	pub := newFakePublisher()
	e := setupServiceWith(t, pub, pub, nil, func(cfg *config.Config) {
		cfg.Carelink.RelationshipStream = "carelink:relationships"
	})
	seedFamily(t, e)
	ctx := context.Background()

	require.NoError(t, e.svc.AccountUpdated(ctx, "Carol@Example.com"))

	msgs, err := e.redis.XRange(ctx, "carelink:relationships", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var event models.RelationshipEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &event))
	assert.Equal(t, models.EventRelationshipChanged, event.EventType)
	assert.Equal(t, "carol@example_com", event.Viewer)
	assert.Equal(t, []string{"mom_smith@example_com", "dad@example_com"}, event.Keys)
	require.Len(t, event.Relationships, 2)
	assert.Equal(t, "elderlyIds", event.Relationships[0].SourceField)
	assert.Nil(t, event.Notice)

	// 不存在的账号不发布
	require.NoError(t, e.svc.AccountUpdated(ctx, "ghost@example.com"))
	n, err := e.redis.XLen(ctx, "carelink:relationships").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFetchSchedule_CachesRemoteResult(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":  true,
			"schedule": []any{map[string]any{"id": "r1", "title": "Physio", "date": "2024-05-04", "time": "10:00"}},
		})
	}))
	defer srv.Close()

	pub := newFakePublisher()
	e := setupServiceWith(t, pub, pub, nil, func(cfg *config.Config) {
		cfg.Aggregation.URL = srv.URL
		cfg.Aggregation.Timeout = time.Second
		cfg.Carelink.ScheduleCacheTTL = time.Minute
	})
	seedFamily(t, e)
	ctx := context.Background()

	mom, err := e.svc.normalizer.Normalize(ctx, "mom.smith@example.com")
	require.NoError(t, err)

	first := e.svc.FetchSchedule(ctx, mom)
	second := e.svc.FetchSchedule(ctx, mom)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, models.SourceRemote, second.Source)
	require.Len(t, second.Items, 1)
	assert.Equal(t, first.Items[0].ID, second.Items[0].ID)

	// 账号更新后重新请求远端
	require.NoError(t, e.svc.AccountUpdated(ctx, "mom.smith@example.com"))
	e.svc.FetchSchedule(ctx, mom)
	assert.Equal(t, int32(2), calls.Load())
}
