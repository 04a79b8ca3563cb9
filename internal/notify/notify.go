package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fachebot/themepulse/internal/logger"
	"github.com/fachebot/themepulse/internal/model"
	"github.com/google/uuid"
)

type EventType string

const (
	EventSummary EventType = "summary"
	EventStatus  EventType = "status"
	EventError   EventType = "error"
)

var (
	ErrSubscriberClosed = errors.New("subscriber closed")
	ErrWaitTimeout      = errors.New("wait timeout")
)

// Event 推送给订阅者的一条事件，Data 为 JSON 负载
type Event struct {
	Type EventType
	Data any
}

// StatusPayload 回答数快照，同时用作心跳
type StatusPayload struct {
	ResponseCount int `json:"response_count"`
	MinRequired   int `json:"min_required"`
}

// ErrorPayload 总结暂不可用时的提示
type ErrorPayload struct {
	Error         bool      `json:"error"`
	Message       string    `json:"message"`
	ResponseCount int       `json:"response_count"`
	Timestamp     time.Time `json:"timestamp"`
}

func SummaryEvent(summary *model.Summary) Event {
	return Event{Type: EventSummary, Data: summary}
}

func StatusEvent(responseCount, minRequired int) Event {
	return Event{Type: EventStatus, Data: StatusPayload{ResponseCount: responseCount, MinRequired: minRequired}}
}

func ErrorEvent(message string, responseCount int, ts time.Time) Event {
	return Event{Type: EventError, Data: ErrorPayload{
		Error:         true,
		Message:       message,
		ResponseCount: responseCount,
		Timestamp:     ts.UTC(),
	}}
}

// Subscriber 一个订阅者的无界事件队列
type Subscriber struct {
	id        string
	sessionID string
	mu        sync.Mutex
	queue     []Event
	signal    chan struct{}
	done      chan struct{}
	closed    bool
}

func newSubscriber(sessionID string) *Subscriber {
	return &Subscriber{
		id:        uuid.NewString(),
		sessionID: sessionID,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (s *Subscriber) ID() string {
	return s.id
}

func (s *Subscriber) SessionID() string {
	return s.sessionID
}

// Done 订阅者关闭时关闭
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Pending 队列中尚未读取的事件数
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscriber) push(e Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscriber) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return Event{}, false
	}
	e := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return e, true
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

// Next 取出下一条事件。timeout 触发时返回 ErrWaitTimeout，订阅者关闭后返回 ErrSubscriberClosed
func (s *Subscriber) Next(ctx context.Context, timeout <-chan time.Time) (Event, error) {
	for {
		if e, ok := s.pop(); ok {
			return e, nil
		}

		select {
		case <-s.done:
			return Event{}, ErrSubscriberClosed
		default:
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.done:
			return Event{}, ErrSubscriberClosed
		case <-timeout:
			return Event{}, ErrWaitTimeout
		case <-s.signal:
		}
	}
}

// Notifier 按会话分组的发布订阅注册表
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe 注册订阅者，并按顺序放入初始事件
func (n *Notifier) Subscribe(sessionID string, initial ...Event) *Subscriber {
	sub := newSubscriber(sessionID)
	for _, e := range initial {
		sub.push(e)
	}

	n.mu.Lock()
	subs, ok := n.subscribers[sessionID]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		n.subscribers[sessionID] = subs
	}
	subs[sub] = struct{}{}
	total := len(subs)
	n.mu.Unlock()

	logger.Debugf("[Notify] 会话 %s 新增订阅者 %s，当前 %d 个", sessionID, sub.id, total)
	return sub
}

// Unsubscribe 移除并关闭订阅者，可重复调用
func (n *Notifier) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	n.mu.Lock()
	if subs, ok := n.subscribers[sub.sessionID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(n.subscribers, sub.sessionID)
		}
	}
	n.mu.Unlock()

	sub.close()
	logger.Debugf("[Notify] 会话 %s 移除订阅者 %s", sub.sessionID, sub.id)
}

// Publish 向会话的所有订阅者投递事件，返回投递数
func (n *Notifier) Publish(sessionID string, e Event) int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	delivered := 0
	for sub := range n.subscribers[sessionID] {
		if sub.push(e) {
			delivered++
		}
	}
	return delivered
}

// CloseSession 关闭会话的所有订阅者，之后的发布不会再投递
func (n *Notifier) CloseSession(sessionID string) int {
	n.mu.Lock()
	subs := n.subscribers[sessionID]
	delete(n.subscribers, sessionID)
	n.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
	if len(subs) > 0 {
		logger.Infof("[Notify] 会话 %s 已关闭 %d 个订阅者", sessionID, len(subs))
	}
	return len(subs)
}

// SubscriberCount 会话当前的订阅者数
func (n *Notifier) SubscriberCount(sessionID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers[sessionID])
}
