package scheduler

import (
	"fmt"
	"time"

	"github.com/fachebot/themepulse/internal/config"
	"github.com/fachebot/themepulse/internal/logger"
	"github.com/robfig/cron/v3"
)

// locUTC UTC 标准时间（UTC）
var locUTC = time.UTC

// sessionEvictor 清理创建时间早于 cutoff 的会话，返回被清理的会话 ID
type sessionEvictor interface {
	EvictExpired(cutoff time.Time) []string
}

// Sweeper 定期清理过期会话
type Sweeper struct {
	cron    *cron.Cron
	evictor sessionEvictor
	config  *config.Session
	now     func() time.Time
}

func NewSweeper(evictor sessionEvictor, cfg *config.Session) *Sweeper {
	return &Sweeper{
		cron:    cron.New(cron.WithLocation(locUTC)),
		evictor: evictor,
		config:  cfg,
		now:     time.Now,
	}
}

// Start 注册清理任务并启动
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.config.SweepCron, func() {
		s.Sweep(s.now())
	})
	if err != nil {
		return fmt.Errorf("注册过期清理任务失败: %w", err)
	}

	s.cron.Start()
	logger.Infof("[Sweeper] 过期清理已启动: %s，保留 %s", s.config.SweepCron, s.config.Retention())
	return nil
}

// Stop 停止清理任务，等待正在执行的清理结束
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Infof("[Sweeper] 过期清理已停止")
}

// Sweep 清理存活时间超过保留时长的会话，返回清理数量
func (s *Sweeper) Sweep(now time.Time) int {
	cutoff := now.Add(-s.config.Retention())
	evicted := s.evictor.EvictExpired(cutoff)
	for _, id := range evicted {
		logger.Infof("[Sweeper] 已清理过期会话 %s", id)
	}
	if len(evicted) > 0 {
		logger.Infof("[Sweeper] 本轮共清理 %d 个会话", len(evicted))
	}
	return len(evicted)
}
