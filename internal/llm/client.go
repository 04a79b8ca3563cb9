package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/fachebot/themepulse/internal/config"
	"github.com/fachebot/themepulse/internal/logger"
	"github.com/sashabaranov/go-openai"
)

// MinValidThemes 一个候选模型的结果被接受所需的最少有效主题数
const MinValidThemes = 2

var (
	ErrMissingAPIKey   = errors.New("llm api key not configured")
	ErrAllModelsFailed = errors.New("all models failed to produce a valid summary")
)

const systemPrompt = `You are an expert at analyzing student survey responses and extracting key themes.

Given a list of student responses to a question, extract exactly 4 to 6 major themes.

For each theme, provide:
- "title": A short title (3-5 words)
- "description": A 1-2 sentence description of the theme
- "student_names": A list of student names whose answers relate to this theme

A single student can appear in multiple themes if their answer touches on multiple topics.

You MUST respond with valid JSON only. No markdown, no explanation, no code fences. Just the JSON object.

Response format:
{"themes": [{"title": "...", "description": "...", "student_names": ["..."]}, ...]}`

// openAIClientInterface 定义 OpenAI 客户端接口，便于测试
type openAIClientInterface interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ResponseItem 发送给模型的一条回答，只包含名字和回答内容
type ResponseItem struct {
	StudentName string
	Answer      string
}

// Result 总结结果
type Result struct {
	Themes    []Theme
	ModelUsed string
}

type Client struct {
	config       *config.LLM
	openaiClient openAIClientInterface
}

// headerTransport 为每个请求附加 OpenRouter 的来源标识
type headerTransport struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.referer != "" {
		req.Header.Set("HTTP-Referer", t.referer)
	}
	if t.title != "" {
		req.Header.Set("X-Title", t.title)
	}
	return t.base.RoundTrip(req)
}

// NewClient 创建客户端，transport 为空时使用 http.DefaultTransport
func NewClient(cfg *config.LLM, transport http.RoundTripper) *Client {
	if transport == nil {
		transport = http.DefaultTransport
	}

	openaiConfig := openai.DefaultConfig(cfg.APIKey)
	openaiConfig.BaseURL = cfg.BaseURL
	openaiConfig.HTTPClient = &http.Client{
		Transport: &headerTransport{base: transport, referer: cfg.Referer, title: cfg.Title},
	}

	return &Client{
		config:       cfg,
		openaiClient: openai.NewClientWithConfig(openaiConfig),
	}
}

// buildUserPrompt 将问题和回答转为 prompt 文本，回答按 1 开始编号
func buildUserPrompt(question string, responses []ResponseItem) string {
	lines := make([]string, 0, len(responses)+2)
	lines = append(lines, fmt.Sprintf("Question asked: \"%s\"\n", question), "Student responses:")
	for i, r := range responses {
		lines = append(lines, fmt.Sprintf("%d. %s: \"%s\"", i+1, r.StudentName, r.Answer))
	}
	return strings.Join(lines, "\n")
}

// SummarizeResponses 依次尝试候选模型，返回第一个产出至少两个有效主题的结果。
// 单个模型的失败只记录日志并回退到下一个模型
func (c *Client) SummarizeResponses(ctx context.Context, question string, responses []ResponseItem) (*Result, error) {
	if c.config.APIKey == "" {
		logger.Errorf("[LLM] 未配置 API Key")
		return nil, ErrMissingAPIKey
	}

	userPrompt := buildUserPrompt(question, responses)
	for _, modelID := range c.config.Models {
		logger.Infof("[LLM] 尝试模型: %s", modelID)
		themes, err := c.summarizeOnce(ctx, modelID, userPrompt)
		if err == nil {
			logger.Infof("[LLM] 模型 %s 总结成功 (%d 个主题)", modelID, len(themes))
			return &Result{Themes: themes, ModelUsed: modelID}, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Warnf("[LLM] 模型 %s 失败: %v", modelID, err)
	}

	logger.Errorf("[LLM] 所有模型均未能生成有效总结")
	return nil, ErrAllModelsFailed
}

// summarizeOnce 调用单个模型并校验结果
func (c *Client) summarizeOnce(ctx context.Context, modelID, userPrompt string) ([]Theme, error) {
	timeout := c.config.Timeout()
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: modelID,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: requestTemperature(c.config.SamplingTemperature()),
		MaxTokens:   c.config.MaxTokens,
	}

	resp, err := c.openaiClient.CreateChatCompletion(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("请求超时: %w", err)
		}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("返回状态码 %d: %w", apiErr.HTTPStatusCode, err)
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return nil, fmt.Errorf("返回状态码 %d: %w", reqErr.HTTPStatusCode, err)
		}
		return nil, fmt.Errorf("调用 LLM API 失败: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM API 返回空结果")
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("LLM API 返回空内容")
	}

	themes := ExtractThemes(content)
	if themes == nil {
		logger.Debugf("[LLM] 无法解析模型输出: %s", truncate(content, 200))
		return nil, fmt.Errorf("无法解析返回内容")
	}
	if len(themes) < MinValidThemes {
		return nil, fmt.Errorf("有效主题过少: %d", len(themes))
	}
	return themes, nil
}

// requestTemperature go-openai 会省略值为 0 的 temperature，用最小正数表示 0
func requestTemperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
