package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	fenceOpenRe    = regexp.MustCompile("^```(?:json)?\\s*")
	fenceCloseRe   = regexp.MustCompile("\\s*```$")
	themesObjectRe = regexp.MustCompile(`\{[\s\S]*"themes"\s*:\s*\[[\s\S]*\]\s*\}`)
	bareArrayRe    = regexp.MustCompile(`\[[\s\S]*\]`)
)

// Theme 通过校验的主题
type Theme struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	StudentNames []string `json:"student_names"`
}

// stripCodeFence 去掉 markdown 代码块包裹
func stripCodeFence(text string) string {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = fenceOpenRe.ReplaceAllString(cleaned, "")
		cleaned = fenceCloseRe.ReplaceAllString(cleaned, "")
	}
	return strings.TrimSpace(cleaned)
}

// themesFromObject 从 {"themes": [...]} 中取出 themes 数组
func themesFromObject(raw string) ([]any, bool) {
	var data any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, false
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return nil, false
	}
	themes, ok := obj["themes"].([]any)
	return themes, ok
}

// ParseThemes 从模型输出中提取原始 themes 数组，容忍代码块包裹和前后多余文本。
// 依次尝试：直接解析、正则提取含 themes 的对象、正则提取裸数组
func ParseThemes(text string) ([]any, bool) {
	cleaned := stripCodeFence(text)

	// 1. 直接解析
	if themes, ok := themesFromObject(cleaned); ok {
		return themes, true
	}

	// 2. 提取包含 themes 数组的 JSON 对象
	if match := themesObjectRe.FindString(cleaned); match != "" {
		if themes, ok := themesFromObject(match); ok {
			return themes, true
		}
	}

	// 3. 提取裸数组，首个元素需包含 title
	if match := bareArrayRe.FindString(cleaned); match != "" {
		var arr []any
		if err := json.Unmarshal([]byte(match), &arr); err == nil && len(arr) > 0 {
			if first, ok := arr[0].(map[string]any); ok {
				if _, ok := first["title"]; ok {
					return arr, true
				}
			}
		}
	}

	return nil, false
}

// coerceString 将任意 JSON 值转为字符串
func coerceString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// ValidateThemes 过滤并规整原始主题。缺少 title 或 description 的主题被丢弃，
// student_names 中的非字符串元素被丢弃
func ValidateThemes(raw []any) []Theme {
	themes := make([]Theme, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		title, hasTitle := obj["title"]
		description, hasDescription := obj["description"]
		if !hasTitle || !hasDescription {
			continue
		}

		names := make([]string, 0)
		if list, ok := obj["student_names"].([]any); ok {
			for _, n := range list {
				if s, ok := n.(string); ok {
					names = append(names, s)
				}
			}
		}

		themes = append(themes, Theme{
			Title:        coerceString(title),
			Description:  coerceString(description),
			StudentNames: names,
		})
	}
	return themes
}

// ExtractThemes 解析并校验模型输出，无法解析时返回 nil
func ExtractThemes(text string) []Theme {
	raw, ok := ParseThemes(text)
	if !ok {
		return nil
	}
	return ValidateThemes(raw)
}
