package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoThemes = `{"themes":[{"title":"A","description":"da","student_names":["Alice"]},{"title":"B","description":"db","student_names":["Bob","Alice"]}]}`

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"无代码块", `  {"a":1} `, `{"a":1}`},
		{"json 代码块", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"无语言标记", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"只有开头", "```json\n{\"a\":1}", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripCodeFence(tt.text))
		})
	}
}

func TestParseThemes(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantOK    bool
		wantCount int
	}{
		{"直接解析", twoThemes, true, 2},
		{"代码块包裹", "```json\n" + twoThemes + "\n```", true, 2},
		{"前后有多余文本", "Here are the themes:\n" + twoThemes + "\nHope this helps!", true, 2},
		{"裸数组", `[{"title":"A","description":"d"},{"title":"B","description":"d"}]`, true, 2},
		{"文本中的裸数组", `Sure: [{"title":"A","description":"d"}] done`, true, 1},
		{"裸数组首元素缺 title", `[{"name":"A"}]`, false, 0},
		{"空数组", `[]`, false, 0},
		{"themes 不是数组", `{"themes": "none"}`, false, 0},
		{"缺少 themes", `{"topics": []}`, false, 0},
		{"非 JSON", "I could not find any themes.", false, 0},
		{"空文本", "", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseThemes(tt.text)
			assert.Equal(t, tt.wantOK, ok)
			assert.Len(t, got, tt.wantCount)
		})
	}
}

func TestValidateThemes(t *testing.T) {
	raw := []any{
		map[string]any{"title": "Good", "description": "fine", "student_names": []any{"Alice", 42, nil, "Bob"}},
		map[string]any{"title": "No names", "description": "fine"},
		map[string]any{"title": float64(7), "description": true, "student_names": "Alice"},
		map[string]any{"title": "Missing description"},
		map[string]any{"description": "Missing title"},
		"not a mapping",
		nil,
	}

	got := ValidateThemes(raw)
	require.Len(t, got, 3)

	assert.Equal(t, Theme{Title: "Good", Description: "fine", StudentNames: []string{"Alice", "Bob"}}, got[0])
	assert.Equal(t, "No names", got[1].Title)
	assert.NotNil(t, got[1].StudentNames)
	assert.Empty(t, got[1].StudentNames)
	assert.Equal(t, "7", got[2].Title)
	assert.Equal(t, "true", got[2].Description)
	assert.Empty(t, got[2].StudentNames)
}

func TestExtractThemes(t *testing.T) {
	themes := ExtractThemes("```json\n" + twoThemes + "\n```")
	require.Len(t, themes, 2)
	assert.Equal(t, "A", themes[0].Title)
	assert.Equal(t, []string{"Bob", "Alice"}, themes[1].StudentNames)

	assert.Nil(t, ExtractThemes("nonsense"))
}

func TestExtractThemes_SingleThemeInFence(t *testing.T) {
	text := "```json\n{\"themes\": [{\"title\":\"A\",\"description\":\"d\"}]}\n```"
	themes := ExtractThemes(text)
	assert.Len(t, themes, 1)
	assert.Less(t, len(themes), MinValidThemes)
}

func TestCoerceString(t *testing.T) {
	assert.Equal(t, "", coerceString(nil))
	assert.Equal(t, "x", coerceString("x"))
	assert.Equal(t, "3.5", coerceString(3.5))
	assert.Equal(t, "false", coerceString(false))
	assert.Equal(t, `["a"]`, coerceString([]any{"a"}))
}
