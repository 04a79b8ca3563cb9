package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultModels OpenRouter 上的候选模型，按顺序回退
var DefaultModels = []string{
	"google/gemini-2.0-flash-001",
	"meta-llama/llama-3.1-8b-instruct",
	"mistralai/mistral-7b-instruct",
	"google/gemma-2-9b-it",
	"qwen/qwen-2.5-7b-instruct",
}

const DefaultTemperature float32 = 0.3

type Server struct {
	Addr        string `yaml:"Addr"`        // 监听地址，如 ":8000"
	FrontendURL string `yaml:"FrontendURL"` // 对外可见的前端地址，用于生成分享链接
}

type Log struct {
	Dir   string `yaml:"Dir"`   // 日志目录，默认 "logs"
	Level string `yaml:"Level"` // 控制台日志级别，默认 "debug"
}

type Sock5Proxy struct {
	Host   string `yaml:"Host"`
	Port   int32  `yaml:"Port"`
	Enable bool   `yaml:"Enable"`
}

type LLM struct {
	BaseURL        string   `yaml:"BaseURL"` // 兼容 OpenAI API 的端点
	APIKey         string   `yaml:"APIKey"`
	Models         []string `yaml:"Models"`         // 候选模型列表，按顺序尝试
	TimeoutSeconds int      `yaml:"TimeoutSeconds"` // 单个模型的请求超时（秒）
	MaxTokens      int      `yaml:"MaxTokens"`      // 单次输出的最大 token 数
	Temperature    *float32 `yaml:"Temperature"`    // 未配置时为 0.3，允许显式设为 0
	Referer        string   `yaml:"Referer"` // OpenRouter 的 HTTP-Referer
	Title          string   `yaml:"Title"`   // OpenRouter 的 X-Title
}

// SamplingTemperature 采样温度
func (c *LLM) SamplingTemperature() float32 {
	if c.Temperature == nil {
		return DefaultTemperature
	}
	return *c.Temperature
}

// Timeout 单个候选模型的请求超时
func (c *LLM) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type Session struct {
	SummarizeInterval int    `yaml:"SummarizeInterval"` // 总结间隔（秒），默认 10
	MinResponses      int    `yaml:"MinResponses"`      // 触发总结的最少回答数，默认 3
	RetentionHours    int    `yaml:"RetentionHours"`    // 会话保留时长（小时），默认 24
	SweepCron         string `yaml:"SweepCron"`         // 过期清理的 cron 表达式，默认 "@every 1h"
	HeartbeatSeconds  int    `yaml:"HeartbeatSeconds"`  // 订阅者心跳间隔（秒），默认 5
}

func (c *Session) Interval() time.Duration {
	return time.Duration(c.SummarizeInterval) * time.Second
}

func (c *Session) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

func (c *Session) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

type Config struct {
	Server     Server     `yaml:"Server"`
	Log        Log        `yaml:"Log"`
	Sock5Proxy Sock5Proxy `yaml:"Sock5Proxy"`
	LLM        LLM        `yaml:"LLM"`
	Session    Session    `yaml:"Session"`
}

// Default 返回全部使用默认值的配置
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, err
	}

	c.applyEnv()
	c.applyDefaults()

	// 验证配置
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// applyEnv 使用环境变量覆盖配置文件中的值
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")); v != "" {
		c.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("FRONTEND_URL")); v != "" {
		c.Server.FrontendURL = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		if strings.Contains(v, ":") {
			c.Server.Addr = v
		} else {
			c.Server.Addr = ":" + v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8000"
	}
	c.Server.FrontendURL = strings.TrimRight(c.Server.FrontendURL, "/")

	if c.Log.Dir == "" {
		c.Log.Dir = "logs"
	}
	if c.Log.Level == "" {
		c.Log.Level = "debug"
	}

	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://openrouter.ai/api/v1"
	}
	if len(c.LLM.Models) == 0 {
		c.LLM.Models = append([]string(nil), DefaultModels...)
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 20
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 2000
	}
	if c.LLM.Temperature == nil {
		temperature := DefaultTemperature
		c.LLM.Temperature = &temperature
	}
	if c.LLM.Referer == "" {
		c.LLM.Referer = "https://themepulse.app"
	}
	if c.LLM.Title == "" {
		c.LLM.Title = "ThemePulse"
	}

	if c.Session.SummarizeInterval == 0 {
		c.Session.SummarizeInterval = 10
	}
	if c.Session.MinResponses == 0 {
		c.Session.MinResponses = 3
	}
	if c.Session.RetentionHours == 0 {
		c.Session.RetentionHours = 24
	}
	if c.Session.SweepCron == "" {
		c.Session.SweepCron = "@every 1h"
	}
	if c.Session.HeartbeatSeconds == 0 {
		c.Session.HeartbeatSeconds = 5
	}
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	// 验证 Server
	if c.Server.Addr == "" {
		return fmt.Errorf("Server.Addr 不能为空")
	}

	// 验证 Sock5Proxy
	if c.Sock5Proxy.Enable {
		if c.Sock5Proxy.Host == "" {
			return fmt.Errorf("Sock5Proxy.Host 不能为空")
		}
		if c.Sock5Proxy.Port <= 0 {
			return fmt.Errorf("Sock5Proxy.Port 必须大于 0")
		}
	}

	// 验证 LLM，APIKey 允许为空（此时所有总结请求直接失败）
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("LLM.BaseURL 不能为空")
	}
	for i, m := range c.LLM.Models {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("LLM.Models[%d] 不能为空", i)
		}
	}
	if c.LLM.TimeoutSeconds < 0 {
		return fmt.Errorf("LLM.TimeoutSeconds 必须 >= 0")
	}
	if c.LLM.MaxTokens < 0 {
		return fmt.Errorf("LLM.MaxTokens 必须 >= 0")
	}
	if t := c.LLM.SamplingTemperature(); t < 0 || t > 2 {
		return fmt.Errorf("LLM.Temperature 必须在 0 到 2 之间")
	}

	// 验证 Session
	if c.Session.SummarizeInterval < 0 {
		return fmt.Errorf("Session.SummarizeInterval 必须 >= 0")
	}
	if c.Session.MinResponses < 1 {
		return fmt.Errorf("Session.MinResponses 必须 >= 1")
	}
	if c.Session.RetentionHours < 0 {
		return fmt.Errorf("Session.RetentionHours 必须 >= 0")
	}
	if c.Session.HeartbeatSeconds < 0 {
		return fmt.Errorf("Session.HeartbeatSeconds 必须 >= 0")
	}
	if c.Session.SweepCron == "" {
		return fmt.Errorf("Session.SweepCron 不能为空")
	}

	return nil
}
