package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fachebot/themepulse/internal/config"
	"github.com/fachebot/themepulse/internal/logger"
	"github.com/fachebot/themepulse/internal/model"
	"github.com/fachebot/themepulse/internal/notify"
	"github.com/fachebot/themepulse/internal/summarizer"
)

// UnavailableMessage 总结失败时推送给订阅者的提示
const UnavailableMessage = "Summarization temporarily unavailable. Retrying..."

// State 单个会话总结任务的状态
type State int32

const (
	StateIdle State = iota
	StateWaiting
	StateSummarizing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateSummarizing:
		return "summarizing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Ticker 可替换的定时器，便于测试时手动驱动
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TickerFactory func(d time.Duration) Ticker

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// sessionSource 读取会话快照并写回总结（便于测试注入 mock）
type sessionSource interface {
	Snapshot(sessionID string) (model.Snapshot, error)
	SetSummary(sessionID string, summary *model.Summary) (bool, error)
}

// summaryGenerator 生成总结（便于测试注入 mock）
type summaryGenerator interface {
	Summarize(ctx context.Context, question string, responses []model.Response) (*model.Summary, error)
}

// publisher 向会话订阅者推送事件
type publisher interface {
	Publish(sessionID string, e notify.Event) int
}

type job struct {
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
	state     atomic.Int32
}

func (j *job) setState(s State) {
	j.state.Store(int32(s))
}

func (j *job) getState() State {
	return State(j.state.Load())
}

func (j *job) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Scheduler 为每个活跃会话维护一个周期性总结任务
type Scheduler struct {
	sessions   sessionSource
	summarizer summaryGenerator
	notifier   publisher
	config     *config.Session
	newTicker  TickerFactory
	now        func() time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
	jobs       map[string]*job
	stopped    bool
	wg         sync.WaitGroup
}

func NewScheduler(
	sessions *model.SessionModel,
	summarizer *summarizer.Summarizer,
	notifier *notify.Notifier,
	cfg *config.Session,
) *Scheduler {
	return newScheduler(sessions, summarizer, notifier, cfg, NewRealTicker)
}

func newScheduler(sessions sessionSource, gen summaryGenerator, pub publisher, cfg *config.Session, tickers TickerFactory) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sessions:   sessions,
		summarizer: gen,
		notifier:   pub,
		config:     cfg,
		newTicker:  tickers,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(map[string]*job),
	}
}

// Ensure 启动会话的总结任务，已有存活任务时不做任何事。返回是否新建了任务
func (s *Scheduler) Ensure(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if j, ok := s.jobs[sessionID]; ok && !j.finished() {
		return false
	}

	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{
		sessionID: sessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	j.setState(StateWaiting)
	s.jobs[sessionID] = j

	s.wg.Add(1)
	go s.run(ctx, j)

	logger.Infof("[Scheduler] 会话 %s 的总结任务已启动", sessionID)
	return true
}

// StopSession 取消会话的总结任务，不等待进行中的调用结束
func (s *Scheduler) StopSession(sessionID string) bool {
	s.mu.Lock()
	j, ok := s.jobs[sessionID]
	s.mu.Unlock()

	if !ok {
		return false
	}
	j.cancel()
	return true
}

// State 返回会话总结任务的当前状态，没有任务时为 StateIdle
func (s *Scheduler) State(sessionID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[sessionID]
	if !ok {
		return StateIdle
	}
	return j.getState()
}

// Running 会话是否有存活的总结任务
func (s *Scheduler) Running(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[sessionID]
	return ok && !j.finished()
}

// ActiveJobs 存活任务数
func (s *Scheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if !j.finished() {
			n++
		}
	}
	return n
}

// Stop 取消所有任务并等待它们退出
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	logger.Infof("[Scheduler] 调度器已停止")
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	ticker := s.newTicker(s.config.Interval())
	defer func() {
		ticker.Stop()
		j.setState(StateStopped)

		s.mu.Lock()
		if s.jobs[j.sessionID] == j {
			delete(s.jobs, j.sessionID)
		}
		s.mu.Unlock()

		close(j.done)
		s.wg.Done()
		logger.Infof("[Scheduler] 会话 %s 的总结任务已停止", j.sessionID)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		if !s.runCycle(ctx, j) {
			return
		}
	}
}

// runCycle 执行一轮检查，返回 false 表示任务应当停止
func (s *Scheduler) runCycle(ctx context.Context, j *job) bool {
	snap, err := s.sessions.Snapshot(j.sessionID)
	if err != nil {
		logger.Infof("[Scheduler] 会话 %s 已移除，停止总结任务", j.sessionID)
		return false
	}

	count := snap.Count()
	if count < s.config.MinResponses || count <= snap.LastSummarizedCount {
		return true
	}

	j.setState(StateSummarizing)
	defer j.setState(StateWaiting)

	logger.Infof("[Scheduler] 开始总结会话 %s (%d 条回答，上次总结 %d 条)", j.sessionID, count, snap.LastSummarizedCount)
	summary, err := s.summarizer.Summarize(ctx, snap.Question, snap.Responses)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		logger.Warnf("[Scheduler] 会话 %s 总结失败: %v", j.sessionID, err)
		s.notifier.Publish(j.sessionID, notify.ErrorEvent(UnavailableMessage, count, s.now()))
		return true
	}

	// 以本轮读取到的回答数为准
	summary.ResponseCount = count
	applied, err := s.sessions.SetSummary(j.sessionID, summary)
	if err != nil {
		logger.Infof("[Scheduler] 会话 %s 已移除，丢弃总结", j.sessionID)
		return false
	}
	if !applied {
		logger.Debugf("[Scheduler] 会话 %s 已有更新的总结，丢弃本轮结果", j.sessionID)
		return true
	}

	delivered := s.notifier.Publish(j.sessionID, notify.SummaryEvent(summary))
	logger.Infof("[Scheduler] 会话 %s 总结已推送 (%d 个主题，%d 个订阅者)", j.sessionID, len(summary.Themes), delivered)
	logger.Debugf("[Scheduler] 会话 %s 总结内容:\n%s", j.sessionID, summarizer.FormatSummaryForDisplay(summary))
	return true
}
