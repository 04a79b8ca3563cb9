package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fachebot/themepulse/internal/config"
	"github.com/fachebot/themepulse/internal/model"
	"github.com/fachebot/themepulse/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockJobRunner struct {
	mock.Mock
}

func (m *mockJobRunner) Ensure(sessionID string) bool {
	args := m.Called(sessionID)
	return args.Bool(0)
}

func (m *mockJobRunner) StopSession(sessionID string) bool {
	args := m.Called(sessionID)
	return args.Bool(0)
}

func (m *mockJobRunner) Stop() {
	m.Called()
}

type fixture struct {
	store    *model.SessionModel
	notifier *notify.Notifier
	jobs     *mockJobRunner
	svc      *Service
}

func newFixture() *fixture {
	f := &fixture{
		store:    model.NewSessionModel(),
		notifier: notify.NewNotifier(),
		jobs:     new(mockJobRunner),
	}
	f.svc = newService(f.store, f.jobs, f.notifier, &config.Default().Session)
	return f
}

func nextWithin(t *testing.T, st *Stream) notify.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := st.Next(ctx)
	require.NoError(t, err)
	return e
}

func TestCreateSession(t *testing.T) {
	f := newFixture()

	created, err := f.svc.CreateSession(context.Background(), "What did you learn today?")
	require.NoError(t, err)
	assert.Len(t, created.SessionID, 8)
	assert.NotEmpty(t, created.AdminToken)

	info, err := f.svc.GetSessionInfo(context.Background(), created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "What did you learn today?", info.Question)
	assert.Equal(t, 0, info.ResponseCount)
	assert.Equal(t, 1, f.svc.Health().Sessions)
}

func TestCreateSession_Invalid(t *testing.T) {
	f := newFixture()

	_, err := f.svc.CreateSession(context.Background(), "")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = f.svc.CreateSession(context.Background(), strings.Repeat("q", 1001))
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	assert.Equal(t, 0, f.svc.Health().Sessions)
}

func TestGetSessionInfo_NotFound(t *testing.T) {
	f := newFixture()
	_, err := f.svc.GetSessionInfo(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestSubmitResponse_StartsJobAtThreshold(t *testing.T) {
	f := newFixture()
	created, err := f.svc.CreateSession(context.Background(), "Q")
	require.NoError(t, err)
	f.jobs.On("Ensure", created.SessionID).Return(true).Once()
	f.jobs.On("Ensure", created.SessionID).Return(false)

	for i := 1; i <= 4; i++ {
		submitted, err := f.svc.SubmitResponse(context.Background(), created.SessionID, "Alice", "answer")
		require.NoError(t, err)
		assert.NotEmpty(t, submitted.ResponseID)
		assert.Equal(t, i, submitted.ResponseCount)
	}

	// 第 3、4 条回答各触发一次
	f.jobs.AssertNumberOfCalls(t, "Ensure", 2)
}

func TestSubmitResponse_Validation(t *testing.T) {
	f := newFixture()
	created, err := f.svc.CreateSession(context.Background(), "Q")
	require.NoError(t, err)

	tests := []struct {
		name    string
		student string
		answer  string
	}{
		{"空姓名", "", "answer"},
		{"姓名过长", strings.Repeat("n", 101), "answer"},
		{"空回答", "Alice", ""},
		{"回答过长", "Alice", strings.Repeat("a", 5001)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SubmitResponse(context.Background(), created.SessionID, tt.student, tt.answer)
			assert.ErrorIs(t, err, model.ErrInvalidInput)
		})
	}

	info, err := f.svc.GetSessionInfo(context.Background(), created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, info.ResponseCount, "校验失败不修改回答列表")
	f.jobs.AssertNotCalled(t, "Ensure", mock.Anything)
}

func TestSubmitResponse_NotFound(t *testing.T) {
	f := newFixture()
	_, err := f.svc.SubmitResponse(context.Background(), "missing", "Alice", "answer")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestSubmitResponse_ConcurrentCount(t *testing.T) {
	f := newFixture()
	created, err := f.svc.CreateSession(context.Background(), "Q")
	require.NoError(t, err)
	f.jobs.On("Ensure", created.SessionID).Return(false)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SubmitResponse(context.Background(), created.SessionID, "Bob", "answer")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	info, err := f.svc.GetSessionInfo(context.Background(), created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 50, info.ResponseCount)
}

func TestOpenUpdateStream_Errors(t *testing.T) {
	f := newFixture()
	created, err := f.svc.CreateSession(context.Background(), "Q")
	require.NoError(t, err)

	_, err = f.svc.OpenUpdateStream(context.Background(), "missing", created.AdminToken)
	assert.ErrorIs(t, err, model.ErrSessionNotFound)

	_, err = f.svc.OpenUpdateStream(context.Background(), created.SessionID, "wrong")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, 0, f.notifier.SubscriberCount(created.SessionID))
}

func TestOpenUpdateStream_StatusOnly(t *testing.T) {
	f := newFixture()
	created, err := f.svc.CreateSession(context.Background(), "Q")
	require.NoError(t, err)
	_, _, err = f.store.AppendResponse(created.SessionID, "Alice", "a")
	require.NoError(t, err)

	st, err := f.svc.OpenUpdateStream(context.Background(), created.SessionID, created.AdminToken)
	require.NoError(t, err)
	defer st.Close()

	e := nextWithin(t, st)
	assert.Equal(t, notify.EventStatus, e.Type)
	assert.Equal(t, notify.StatusPayload{ResponseCount: 1, MinRequired: 3}, e.Data)
}

func TestOpenUpdateStream_LateSubscriberGetsSummaryFirst(t *testing.T) {
	f := newFixture()
	created, err := f.svc.CreateSession(context.Background(), "Q")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, _, err = f.store.AppendResponse(created.SessionID, "Alice", "a")
		require.NoError(t, err)
	}
	summary := &model.Summary{ResponseCount: 3}
	applied, err := f.store.SetSummary(created.SessionID, summary)
	require.NoError(t, err)
	require.True(t, applied)

	st, err := f.svc.OpenUpdateStream(context.Background(), created.SessionID, created.AdminToken)
	require.NoError(t, err)
	defer st.Close()

	first := nextWithin(t, st)
	assert.Equal(t, notify.EventSummary, first.Type)
	assert.Same(t, summary, first.Data)

	second := nextWithin(t, st)
	assert.Equal(t, notify.EventStatus, second.Type)
	assert.Equal(t, 4, second.Data.(notify.StatusPayload).ResponseCount)
}

func TestStream_HeartbeatOnIdle(t *testing.T) {
	f := newFixture()
	fired := make(chan time.Time, 1)
	f.svc.after = func(d time.Duration) <-chan time.Time {
		assert.Equal(t, 5*time.Second, d)
		return fired
	}

	created, err := f.svc.CreateSession(context.Background(), "Q")
	require.NoError(t, err)
	st, err := f.svc.OpenUpdateStream(context.Background(), created.SessionID, created.AdminToken)
	require.NoError(t, err)
	defer st.Close()

	// 初始状态事件
	nextWithin(t, st)

	_, _, err = f.store.AppendResponse(created.SessionID, "Alice", "a")
	require.NoError(t, err)
	fired <- time.Now()

	e := nextWithin(t, st)
	assert.Equal(t, notify.EventStatus, e.Type)
	assert.Equal(t, 1, e.Data.(notify.StatusPayload).ResponseCount)
}

func TestStream_ReceivesPublishedEvents(t *testing.T) {
	f := newFixture()
	created, err := f.svc.CreateSession(context.Background(), "Q")
	require.NoError(t, err)
	st, err := f.svc.OpenUpdateStream(context.Background(), created.SessionID, created.AdminToken)
	require.NoError(t, err)
	defer st.Close()
	nextWithin(t, st)

	assert.Equal(t, 1, f.notifier.Publish(created.SessionID, notify.ErrorEvent("retrying", 3, time.Now())))
	e := nextWithin(t, st)
	assert.Equal(t, notify.EventError, e.Type)
}

func TestStream_Close(t *testing.T) {
	f := newFixture()
	created, err := f.svc.CreateSession(context.Background(), "Q")
	require.NoError(t, err)
	st, err := f.svc.OpenUpdateStream(context.Background(), created.SessionID, created.AdminToken)
	require.NoError(t, err)

	assert.Equal(t, 1, f.notifier.SubscriberCount(created.SessionID))
	st.Close()
	st.Close()
	assert.Equal(t, 0, f.notifier.SubscriberCount(created.SessionID))

	_, err = st.Next(context.Background())
	assert.ErrorIs(t, err, notify.ErrSubscriberClosed)
}

func TestEvict(t *testing.T) {
	f := newFixture()
	created, err := f.svc.CreateSession(context.Background(), "Q")
	require.NoError(t, err)
	st, err := f.svc.OpenUpdateStream(context.Background(), created.SessionID, created.AdminToken)
	require.NoError(t, err)
	f.jobs.On("StopSession", created.SessionID).Return(true)

	assert.True(t, f.svc.Evict(created.SessionID))

	select {
	case <-st.Done():
	default:
		t.Fatal("移除会话后更新流应已关闭")
	}
	_, err = f.svc.GetSessionInfo(context.Background(), created.SessionID)
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
	_, err = f.svc.SubmitResponse(context.Background(), created.SessionID, "Alice", "a")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
	f.jobs.AssertCalled(t, "StopSession", created.SessionID)

	assert.False(t, f.svc.Evict(created.SessionID))
}

func TestEvictExpired(t *testing.T) {
	f := newFixture()
	old, err := f.svc.CreateSession(context.Background(), "old")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	fresh, err := f.svc.CreateSession(context.Background(), "fresh")
	require.NoError(t, err)
	f.jobs.On("StopSession", mock.Anything).Return(false)

	evicted := f.svc.EvictExpired(cutoff)
	assert.Equal(t, []string{old.SessionID}, evicted)

	_, err = f.svc.GetSessionInfo(context.Background(), fresh.SessionID)
	assert.NoError(t, err)
	assert.Equal(t, 1, f.svc.Health().Sessions)
}

func TestShutdown(t *testing.T) {
	f := newFixture()
	created, err := f.svc.CreateSession(context.Background(), "Q")
	require.NoError(t, err)
	st, err := f.svc.OpenUpdateStream(context.Background(), created.SessionID, created.AdminToken)
	require.NoError(t, err)
	f.jobs.On("Stop").Return()

	f.svc.Shutdown()
	f.jobs.AssertCalled(t, "Stop")
	select {
	case <-st.Done():
	default:
		t.Fatal("关闭服务后更新流应已关闭")
	}
}

func TestLatestSummary(t *testing.T) {
	f := newFixture()
	created, err := f.svc.CreateSession(context.Background(), "Q")
	require.NoError(t, err)

	summary, err := f.svc.LatestSummary(context.Background(), created.SessionID, created.AdminToken)
	require.NoError(t, err)
	assert.Nil(t, summary)

	_, err = f.svc.LatestSummary(context.Background(), created.SessionID, "wrong")
	assert.ErrorIs(t, err, ErrForbidden)

	for i := 0; i < 3; i++ {
		_, _, err = f.store.AppendResponse(created.SessionID, "Alice", "a")
		require.NoError(t, err)
	}
	want := &model.Summary{ResponseCount: 3}
	_, err = f.store.SetSummary(created.SessionID, want)
	require.NoError(t, err)

	summary, err = f.svc.LatestSummary(context.Background(), created.SessionID, created.AdminToken)
	require.NoError(t, err)
	assert.Same(t, want, summary)
}

func TestOpenUpdateStream_AfterShutdown(t *testing.T) {
	f := newFixture()
	created, err := f.svc.CreateSession(context.Background(), "Q")
	require.NoError(t, err)
	f.jobs.On("Stop").Return()

	f.svc.Shutdown()
	st, err := f.svc.OpenUpdateStream(context.Background(), created.SessionID, created.AdminToken)
	assert.ErrorIs(t, err, ErrServiceClosed)
	assert.Nil(t, st)
	assert.Equal(t, 0, f.notifier.SubscriberCount(created.SessionID))
}

func TestOpenUpdateStream_ConcurrentEvict(t *testing.T) {
	for i := 0; i < 200; i++ {
		f := newFixture()
		created, err := f.svc.CreateSession(context.Background(), "Q")
		require.NoError(t, err)
		f.jobs.On("StopSession", created.SessionID).Return(false)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			streams []*Stream
		)
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				st, err := f.svc.OpenUpdateStream(context.Background(), created.SessionID, created.AdminToken)
				if err != nil {
					assert.ErrorIs(t, err, model.ErrSessionNotFound)
					return
				}
				mu.Lock()
				streams = append(streams, st)
				mu.Unlock()
			}()
		}
		f.svc.Evict(created.SessionID)
		wg.Wait()

		// 会话移除后，任何成功打开的流都已关闭
		for _, st := range streams {
			select {
			case <-st.Done():
			default:
				t.Fatal("移除会话后仍有未关闭的更新流")
			}
		}
		assert.Equal(t, 0, f.notifier.SubscriberCount(created.SessionID))
	}
}

func TestHealth(t *testing.T) {
	f := newFixture()
	assert.Equal(t, Health{Status: "ok", Sessions: 0}, f.svc.Health())
}
