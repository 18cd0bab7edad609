package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"wisefido-carelink/internal/domain"
	"wisefido-carelink/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config 聚合接口客户端配置
type Config struct {
	URL            string
	Timeout        time.Duration // 单次请求超时
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// LocalSource 本地已同步的合并数据，用于降级
type LocalSource interface {
	LocalItems(ctx context.Context, personKey string) []models.MergedItem
}

// LocalSourceFunc 函数适配
type LocalSourceFunc func(ctx context.Context, personKey string) []models.MergedItem

func (f LocalSourceFunc) LocalItems(ctx context.Context, personKey string) []models.MergedItem {
	return f(ctx, personKey)
}

// Recorder 聚合请求指标
type Recorder interface {
	AggregateAttempt(outcome string)
	AggregateDegraded(reason string)
}

type nopRecorder struct{}

func (nopRecorder) AggregateAttempt(string)  {}
func (nopRecorder) AggregateDegraded(string) {}

// Client 外部日程聚合接口客户端
type Client struct {
	httpClient *resty.Client
	cfg        Config
	local      LocalSource
	recorder   Recorder
	logger     *zap.Logger
}

// Option Client 可选配置
type Option func(*Client)

// WithRecorder 设置指标记录器
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.recorder = r
		}
	}
}

// NewClient 创建聚合接口客户端
// 超时按单次请求计时；重试与退避交给 resty，是否重试由每个请求的重试条件决定
func NewClient(cfg Config, local LocalSource, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg.withDefaults(),
		local:    local,
		recorder: nopRecorder{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.httpClient = resty.New().
		SetTimeout(c.cfg.Timeout).
		SetRetryCount(c.cfg.MaxAttempts - 1).
		SetRetryWaitTime(c.cfg.InitialBackoff).
		SetRetryMaxWaitTime(c.cfg.MaxBackoff).
		SetRetryAfter(c.retryAfter).
		SetLogger(logger.Sugar()).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return c
}

// backoff 第 attempt 次失败后的等待时间：从初始值开始逐次翻倍，不超过上限
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.InitialBackoff
	for i := 1; i < attempt && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

// retryAfter 替换 resty 默认的随机抖动退避
func (c *Client) retryAfter(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
	return c.backoff(resp.Request.Attempt), nil
}

// attemptResult 单次请求的判定结果
type attemptResult struct {
	attempt int
	bundle  models.ScheduleBundle
	err     error
	retry   bool
}

func (a attemptResult) outcome() string {
	if a.err == nil {
		return "success"
	}
	return string(domain.KindOf(a.err))
}

// FetchAggregateSchedule 获取某人的跨类别日程
// 永不返回错误：远端不可用时返回本地数据构造的降级结果
func (c *Client) FetchAggregateSchedule(ctx context.Context, personKey string) models.ScheduleBundle {
	if c.cfg.URL == "" {
		return c.degraded(ctx, personKey, domain.NewCareError(domain.KindAggregationUnavailable, personKey, "aggregation endpoint not configured", nil))
	}

	requestID := uuid.NewString()
	var last attemptResult

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", requestID).
		SetBody(models.AggregateRequest{UserID: personKey}).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			last = c.evaluate(ctx, personKey, requestID, resp, err)
			c.recorder.AggregateAttempt(last.outcome())
			if last.retry && last.attempt < c.cfg.MaxAttempts {
				c.logger.Warn("Aggregate schedule request failed, retrying",
					zap.String("person_key", personKey),
					zap.String("request_id", requestID),
					zap.Int("attempt", last.attempt),
					zap.Duration("backoff", c.backoff(last.attempt)),
					zap.Error(last.err),
				)
			}
			return last.retry
		}).
		Post(c.cfg.URL)

	// 调用方取消或只允许一次请求时，resty 不会评估重试条件
	if resp == nil || resp.Request.Attempt != last.attempt {
		last = c.evaluate(ctx, personKey, requestID, resp, err)
		c.recorder.AggregateAttempt(last.outcome())
	}

	if last.err != nil {
		return c.degraded(ctx, personKey, last.err)
	}
	return last.bundle
}

// evaluate 判定单次请求结果；retry 表示该错误是否值得重试
func (c *Client) evaluate(ctx context.Context, personKey, requestID string, resp *resty.Response, err error) attemptResult {
	res := attemptResult{}
	if resp != nil {
		res.attempt = resp.Request.Attempt
	}

	fail := func(retry bool, kind domain.ErrorKind, message string, cause error) attemptResult {
		res.retry = retry
		res.err = domain.NewCareError(kind, personKey, message, cause)
		return res
	}

	if err != nil {
		if ctx.Err() != nil {
			return fail(false, domain.KindAggregationUnavailable, "request canceled", ctx.Err())
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return fail(true, domain.KindAggregationTimeout, "request timed out", err)
		}
		return fail(true, domain.KindAggregationUnavailable, "request failed", err)
	}
	if resp == nil {
		return fail(false, domain.KindAggregationUnavailable, "no response", nil)
	}

	status := resp.StatusCode()
	if status >= http.StatusInternalServerError {
		return fail(true, domain.KindAggregationUnavailable, fmt.Sprintf("server error (status: %d)", status), nil)
	}
	if status >= http.StatusBadRequest {
		return fail(false, domain.KindAggregationUnavailable, fmt.Sprintf("request rejected (status: %d)", status), nil)
	}

	var response models.AggregateResponse
	if err := json.Unmarshal(resp.Body(), &response); err != nil {
		return fail(false, domain.KindAggregationUnavailable, "invalid response body", err)
	}
	if !response.Success {
		return fail(false, domain.KindAggregationUnavailable, "aggregation reported failure: "+response.Error, nil)
	}

	items := make([]models.MergedItem, 0, len(response.Schedule))
	for i, raw := range response.Schedule {
		var item models.MergedItem
		if err := json.Unmarshal(raw, &item); err != nil {
			c.logger.Warn("Skipping undecodable schedule item",
				zap.String("person_key", personKey),
				zap.String("request_id", requestID),
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		if item.SourceKey == "" {
			item.SourceKey = personKey
		}
		items = append(items, item)
	}

	c.logger.Debug("Aggregate schedule retrieved",
		zap.String("person_key", personKey),
		zap.String("request_id", requestID),
		zap.Int("item_count", len(items)),
	)

	res.bundle = models.ScheduleBundle{
		PersonKey: personKey,
		Items:     items,
		Summary:   response.Summary,
		Source:    models.SourceRemote,
	}
	return res
}

// degraded 由本地合并数据构造降级结果
func (c *Client) degraded(ctx context.Context, personKey string, cause error) models.ScheduleBundle {
	var items []models.MergedItem
	if c.local != nil {
		items = c.local.LocalItems(ctx, personKey)
	}
	if items == nil {
		items = []models.MergedItem{}
	}

	reason := string(domain.KindOf(cause))
	if reason == "" {
		reason = string(domain.KindAggregationUnavailable)
	}
	c.recorder.AggregateDegraded(reason)
	c.logger.Warn("Aggregate schedule unavailable, using local data",
		zap.String("person_key", personKey),
		zap.String("reason", reason),
		zap.Int("local_item_count", len(items)),
		zap.Error(cause),
	)

	return models.ScheduleBundle{
		PersonKey: personKey,
		Items:     items,
		Summary:   LocalSummary(items),
		Degraded:  true,
		Source:    models.SourceLocal,
		Reason:    reason,
	}
}
