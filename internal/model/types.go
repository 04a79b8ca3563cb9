package model

import "time"

// Response 参与者提交的一条回答，创建后不可变
type Response struct {
	ID          string    `json:"id"`
	StudentName string    `json:"student_name"`
	Answer      string    `json:"answer"`
	SubmittedAt time.Time `json:"ts"`
}

// Theme 从回答中聚类出的一个主题
type Theme struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	StudentNames []string `json:"student_names"`
}

// Summary 某一时刻的主题总结
type Summary struct {
	Themes        []Theme   `json:"themes"`
	ResponseCount int       `json:"response_count"`
	ModelUsed     *string   `json:"model_used"`
	Timestamp     time.Time `json:"timestamp"`
}

// Snapshot 会话状态的一致性副本，供后台总结使用
type Snapshot struct {
	SessionID           string
	Question            string
	Responses           []Response
	LastSummarizedCount int
}

// Count 快照中的回答数
func (s Snapshot) Count() int {
	return len(s.Responses)
}
