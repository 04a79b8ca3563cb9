package model

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MaxQuestionLength = 1000
	MaxNameLength     = 100
	MaxAnswerLength   = 5000
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidInput    = errors.New("invalid input")
)

// Session 一次实时问答会话。字段只能通过 SessionModel 修改
type Session struct {
	mu                  sync.RWMutex
	id                  string
	question            string
	adminToken          string
	createdAt           time.Time
	responses           []Response
	summary             *Summary
	lastSummarizedCount int
	evicted             bool
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Question() string {
	return s.question
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// AdminToken 主持人访问令牌
func (s *Session) AdminToken() string {
	return s.adminToken
}

// VerifyToken 常数时间比较主持人令牌
func (s *Session) VerifyToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(s.adminToken), []byte(token)) == 1
}

func (s *Session) ResponseCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.responses)
}

// Summary 返回缓存的总结，可能为 nil
func (s *Session) Summary() *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary
}

// LastSummarizedCount 上一次成功总结时的回答数
func (s *Session) LastSummarizedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSummarizedCount
}

// State 同时读取缓存总结和回答数，保证两者来自同一时刻
func (s *Session) State() (*Summary, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary, len(s.responses)
}

type SessionModel struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewSessionModel() *SessionModel {
	return &SessionModel{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// checkLength 按字符数校验长度
func checkLength(field, value string, max int) error {
	n := utf8.RuneCountInString(value)
	if n < 1 || n > max {
		return fmt.Errorf("%w: %s must be 1-%d characters", ErrInvalidInput, field, max)
	}
	return nil
}

// newAdminToken 生成 128 位随机令牌
func newAdminToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func shortID() string {
	return uuid.NewString()[:8]
}

// Create 创建会话
func (m *SessionModel) Create(question string) (*Session, error) {
	if err := checkLength("question", question, MaxQuestionLength); err != nil {
		return nil, err
	}

	token, err := newAdminToken()
	if err != nil {
		return nil, fmt.Errorf("生成令牌失败: %w", err)
	}

	session := &Session{
		question:   question,
		adminToken: token,
		createdAt:  m.now(),
		responses:  make([]Response, 0, 16),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 短 ID 可能碰撞，重新生成即可
	for {
		session.id = shortID()
		if _, exists := m.sessions[session.id]; !exists {
			break
		}
	}
	m.sessions[session.id] = session
	return session, nil
}

// Get 查询会话
func (m *SessionModel) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// AppendResponse 追加回答，返回新回答和追加后的回答总数
func (m *SessionModel) AppendResponse(sessionID, studentName, answer string) (Response, int, error) {
	session, err := m.Get(sessionID)
	if err != nil {
		return Response{}, 0, err
	}

	if err := checkLength("student_name", studentName, MaxNameLength); err != nil {
		return Response{}, 0, err
	}
	if err := checkLength("answer", answer, MaxAnswerLength); err != nil {
		return Response{}, 0, err
	}

	resp := Response{
		ID:          shortID(),
		StudentName: studentName,
		Answer:      answer,
		SubmittedAt: m.now(),
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	// Get 与加锁之间会话可能已被删除
	if session.evicted {
		return Response{}, 0, ErrSessionNotFound
	}
	session.responses = append(session.responses, resp)
	return resp, len(session.responses), nil
}

// Snapshot 复制会话当前的问题和回答
func (m *SessionModel) Snapshot(sessionID string) (Snapshot, error) {
	session, err := m.Get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	session.mu.RLock()
	defer session.mu.RUnlock()

	responses := make([]Response, len(session.responses))
	copy(responses, session.responses)
	return Snapshot{
		SessionID:           session.id,
		Question:            session.question,
		Responses:           responses,
		LastSummarizedCount: session.lastSummarizedCount,
	}, nil
}

// SetSummary 更新缓存总结。仅当新总结的回答数严格大于上次总结时生效，返回是否已更新
func (m *SessionModel) SetSummary(sessionID string, summary *Summary) (bool, error) {
	if summary == nil {
		return false, nil
	}

	session, err := m.Get(sessionID)
	if err != nil {
		return false, err
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.evicted {
		return false, ErrSessionNotFound
	}
	if summary.ResponseCount <= session.lastSummarizedCount {
		return false, nil
	}
	session.summary = summary
	session.lastSummarizedCount = summary.ResponseCount
	return true, nil
}

// Delete 删除会话，会话不存在时返回 false
func (m *SessionModel) Delete(sessionID string) bool {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	// 标记后，已取得该会话指针的写操作不再生效
	session.mu.Lock()
	session.evicted = true
	session.mu.Unlock()
	return true
}

// Count 当前会话数
func (m *SessionModel) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// IDs 返回所有会话 ID
func (m *SessionModel) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ExpiredBefore 返回创建时间早于 cutoff 的会话 ID
func (m *SessionModel) ExpiredBefore(cutoff time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []string
	for id, session := range m.sessions {
		if session.createdAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	return expired
}
