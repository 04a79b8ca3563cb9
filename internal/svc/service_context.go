package svc

import (
	"fmt"
	"net/http"

	"github.com/fachebot/themepulse/internal/config"
	"github.com/fachebot/themepulse/internal/llm"
	"github.com/fachebot/themepulse/internal/logger"
	"github.com/fachebot/themepulse/internal/model"
	"github.com/fachebot/themepulse/internal/notify"
	"github.com/fachebot/themepulse/internal/scheduler"
	"github.com/fachebot/themepulse/internal/session"
	"github.com/fachebot/themepulse/internal/summarizer"

	"golang.org/x/net/proxy"
)

type ServiceContext struct {
	Config         *config.Config
	TransportProxy *http.Transport
	SessionModel   *model.SessionModel
	Notifier       *notify.Notifier
	LLMClient      *llm.Client
	Summarizer     *summarizer.Summarizer
	Scheduler      *scheduler.Scheduler
	SessionService *session.Service
	Sweeper        *scheduler.Sweeper
}

// newProxyTransport 创建经由 SOCKS5 代理的 Transport
func newProxyTransport(c *config.Sock5Proxy) (*http.Transport, error) {
	socks5Proxy := fmt.Sprintf("%s:%d", c.Host, c.Port)
	dialer, err := proxy.SOCKS5("tcp", socks5Proxy, nil, proxy.Direct)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = contextDialer.DialContext
	} else {
		transport.Dial = dialer.Dial //nolint:staticcheck
	}
	return transport, nil
}

func NewServiceContext(c *config.Config) (*ServiceContext, error) {
	// 创建SOCKS5代理
	var transportProxy *http.Transport
	if c.Sock5Proxy.Enable {
		transport, err := newProxyTransport(&c.Sock5Proxy)
		if err != nil {
			return nil, fmt.Errorf("创建SOCKS5代理失败: %w", err)
		}
		transportProxy = transport
		logger.Infof("[Svc] LLM 请求经由 SOCKS5 代理 %s:%d", c.Sock5Proxy.Host, c.Sock5Proxy.Port)
	}

	var roundTripper http.RoundTripper
	if transportProxy != nil {
		roundTripper = transportProxy
	}
	if c.LLM.APIKey == "" {
		logger.Warnf("[Svc] 未配置 LLM API Key，总结功能不可用")
	}

	sessionModel := model.NewSessionModel()
	notifier := notify.NewNotifier()
	llmClient := llm.NewClient(&c.LLM, roundTripper)
	summarizerInstance := summarizer.NewSummarizer(llmClient)
	schedulerInstance := scheduler.NewScheduler(sessionModel, summarizerInstance, notifier, &c.Session)
	sessionService := session.NewService(sessionModel, schedulerInstance, notifier, &c.Session)

	svcCtx := &ServiceContext{
		Config:         c,
		TransportProxy: transportProxy,
		SessionModel:   sessionModel,
		Notifier:       notifier,
		LLMClient:      llmClient,
		Summarizer:     summarizerInstance,
		Scheduler:      schedulerInstance,
		SessionService: sessionService,
		Sweeper:        scheduler.NewSweeper(sessionService, &c.Session),
	}
	return svcCtx, nil
}

// Close 停止清理任务和所有会话任务
func (svcCtx *ServiceContext) Close() {
	svcCtx.Sweeper.Stop()
	svcCtx.SessionService.Shutdown()
	if svcCtx.TransportProxy != nil {
		svcCtx.TransportProxy.CloseIdleConnections()
	}
}
