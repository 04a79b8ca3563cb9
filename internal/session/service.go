package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/fachebot/themepulse/internal/config"
	"github.com/fachebot/themepulse/internal/logger"
	"github.com/fachebot/themepulse/internal/model"
	"github.com/fachebot/themepulse/internal/notify"
	"github.com/fachebot/themepulse/internal/scheduler"
)

var (
	ErrForbidden     = errors.New("invalid admin token")
	ErrServiceClosed = errors.New("session service closed")
)

// jobRunner 会话总结任务的启停（便于测试注入 mock）
type jobRunner interface {
	Ensure(sessionID string) bool
	StopSession(sessionID string) bool
	Stop()
}

type Created struct {
	SessionID  string
	AdminToken string
}

type Info struct {
	SessionID     string
	Question      string
	ResponseCount int
}

type Submitted struct {
	ResponseID    string
	ResponseCount int
}

type Health struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// Service 会话对外操作的统一入口
type Service struct {
	store    *model.SessionModel
	jobs     jobRunner
	notifier *notify.Notifier
	config   *config.Session
	after    func(d time.Duration) <-chan time.Time
	closed   atomic.Bool
}

func NewService(store *model.SessionModel, sched *scheduler.Scheduler, notifier *notify.Notifier, cfg *config.Session) *Service {
	return newService(store, sched, notifier, cfg)
}

func newService(store *model.SessionModel, jobs jobRunner, notifier *notify.Notifier, cfg *config.Session) *Service {
	return &Service{
		store:    store,
		jobs:     jobs,
		notifier: notifier,
		config:   cfg,
		after:    time.After,
	}
}

// CreateSession 创建会话并返回管理令牌
func (s *Service) CreateSession(ctx context.Context, question string) (*Created, error) {
	session, err := s.store.Create(question)
	if err != nil {
		return nil, err
	}

	logger.Infof("[Session] 已创建会话 %s", session.ID())
	return &Created{SessionID: session.ID(), AdminToken: session.AdminToken()}, nil
}

func (s *Service) GetSessionInfo(ctx context.Context, sessionID string) (*Info, error) {
	session, err := s.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return &Info{
		SessionID:     session.ID(),
		Question:      session.Question(),
		ResponseCount: session.ResponseCount(),
	}, nil
}

// SubmitResponse 追加回答，回答数达到阈值后确保总结任务在运行。不会等待模型调用
func (s *Service) SubmitResponse(ctx context.Context, sessionID, studentName, answer string) (*Submitted, error) {
	resp, count, err := s.store.AppendResponse(sessionID, studentName, answer)
	if err != nil {
		return nil, err
	}

	if count >= s.config.MinResponses {
		s.jobs.Ensure(sessionID)
	}

	logger.Infof("[Session] 会话 %s 收到 %s 的回答 (共 %d 条)", sessionID, studentName, count)
	return &Submitted{ResponseID: resp.ID, ResponseCount: count}, nil
}

// OpenUpdateStream 校验令牌后订阅会话更新。已有总结时先推送总结，然后推送一次状态
func (s *Service) OpenUpdateStream(ctx context.Context, sessionID, adminToken string) (*Stream, error) {
	if s.closed.Load() {
		return nil, ErrServiceClosed
	}

	session, err := s.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !session.VerifyToken(adminToken) {
		return nil, ErrForbidden
	}

	// 总结和回答数分开读取，总结可能落后于回答数但不会超前
	initial := make([]notify.Event, 0, 2)
	if summary := session.Summary(); summary != nil {
		initial = append(initial, notify.SummaryEvent(summary))
	}
	initial = append(initial, notify.StatusEvent(session.ResponseCount(), s.config.MinResponses))

	sub := s.notifier.Subscribe(sessionID, initial...)

	// 订阅前可能已关闭服务或移除会话，此时 CloseSession 不会关闭这个订阅者
	if s.closed.Load() {
		s.notifier.Unsubscribe(sub)
		return nil, ErrServiceClosed
	}
	if current, err := s.store.Get(sessionID); err != nil || current != session {
		s.notifier.Unsubscribe(sub)
		return nil, model.ErrSessionNotFound
	}
	logger.Infof("[Session] 会话 %s 打开更新流 %s", sessionID, sub.ID())

	return &Stream{
		service:    s,
		session:    session,
		subscriber: sub,
	}, nil
}

// LatestSummary 返回缓存的总结，尚未生成时为 nil
func (s *Service) LatestSummary(ctx context.Context, sessionID, adminToken string) (*model.Summary, error) {
	session, err := s.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !session.VerifyToken(adminToken) {
		return nil, ErrForbidden
	}
	return session.Summary(), nil
}

func (s *Service) Health() Health {
	return Health{Status: "ok", Sessions: s.store.Count()}
}

// Evict 移除会话：删除存储、停止总结任务、关闭所有订阅者
func (s *Service) Evict(sessionID string) bool {
	removed := s.store.Delete(sessionID)
	s.jobs.StopSession(sessionID)
	s.notifier.CloseSession(sessionID)
	if removed {
		logger.Infof("[Session] 已移除会话 %s", sessionID)
	}
	return removed
}

// EvictExpired 移除创建时间早于 cutoff 的会话
func (s *Service) EvictExpired(cutoff time.Time) []string {
	expired := s.store.ExpiredBefore(cutoff)
	evicted := make([]string, 0, len(expired))
	for _, id := range expired {
		if s.Evict(id) {
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Shutdown 停止所有总结任务并关闭所有订阅者，之后不再接受新的更新流
func (s *Service) Shutdown() {
	s.closed.Store(true)
	s.jobs.Stop()
	for _, id := range s.store.IDs() {
		s.notifier.CloseSession(id)
	}
	logger.Infof("[Session] 会话服务已关闭")
}

// Stream 管理端的一条更新流
type Stream struct {
	service    *Service
	session    *model.Session
	subscriber *notify.Subscriber
}

func (st *Stream) SessionID() string {
	return st.session.ID()
}

// Done 会话被移除或流被关闭时关闭
func (st *Stream) Done() <-chan struct{} {
	return st.subscriber.Done()
}

// Next 等待下一条事件。心跳间隔内没有事件时返回当前回答数的状态事件
func (st *Stream) Next(ctx context.Context) (notify.Event, error) {
	e, err := st.subscriber.Next(ctx, st.service.after(st.service.config.Heartbeat()))
	if errors.Is(err, notify.ErrWaitTimeout) {
		return notify.StatusEvent(st.session.ResponseCount(), st.service.config.MinResponses), nil
	}
	return e, err
}

// Close 取消订阅，可重复调用
func (st *Stream) Close() {
	st.service.notifier.Unsubscribe(st.subscriber)
	logger.Infof("[Session] 会话 %s 关闭更新流 %s", st.session.ID(), st.subscriber.ID())
}
