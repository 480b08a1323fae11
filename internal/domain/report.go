package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	StatusLoaded = "loaded"
	StatusFailed = "failed"
	// StatusSkipped 表示运行被中断时尚未轮到的图片。
	StatusSkipped = "skipped"
)

const (
	ErrCodeFetchFailed    = "fetch_failed"
	ErrCodeHTTPStatus     = "http_status"
	ErrCodeNotFound       = "not_found"
	ErrCodeTooLarge       = "too_large"
	ErrCodeDecodeFailed   = "decode_failed"
	ErrCodeCanceled       = "canceled"
	ErrCodeConfigNotFound = "config_not_found"
	ErrCodeConfigInvalid  = "config_invalid"
)

// PreloadReport 是对外稳定输出（--report 文件 / stdout JSON）的结构。
type PreloadReport struct {
	RunID string `json:"run_id"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	FlashDurationMS      int64 `json:"flash_duration_ms"`
	DelayBetweenImagesMS int64 `json:"delay_between_images_ms"`

	Completed bool          `json:"completed"`
	Summary   ReportSummary `json:"summary"`
	Items     []ItemResult  `json:"items"`
}

type ReportSummary struct {
	Total   int `json:"total"`
	Loaded  int `json:"loaded"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

type ItemResult struct {
	Index int    `json:"index"`
	URL   string `json:"url"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) items 按 index 稳定排序：输入顺序就是预加载顺序，报告必须保持一致
// 3) summary 由 items 计算得出
func (r *PreloadReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	if r.Items == nil {
		r.Items = []ItemResult{}
	}
	sort.SliceStable(r.Items, func(i, j int) bool {
		return r.Items[i].Index < r.Items[j].Index
	})

	s := ReportSummary{Total: len(r.Items)}
	for _, it := range r.Items {
		switch it.Status {
		case StatusLoaded:
			s.Loaded++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
	}
	r.Summary = s
}

// MarshalJSON 仅用于集中约束输出的稳定性（避免未来不小心引入非确定字段）。
func (r PreloadReport) MarshalJSON() ([]byte, error) {
	type Alias PreloadReport
	return json.Marshal(Alias(r))
}
