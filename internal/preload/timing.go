package preload

import (
	"context"
	"time"
)

const (
	DefaultFlashDuration      = 150 * time.Millisecond
	DefaultDelayBetweenImages = 100 * time.Millisecond
)

// Timing 描述两段等待：闪烁保持与图间间隔。负值按 0 处理。
type Timing struct {
	FlashDuration      time.Duration
	DelayBetweenImages time.Duration
}

// DefaultTiming 返回观测到的默认节奏（150ms 闪烁 + 100ms 间隔）。
func DefaultTiming() Timing {
	return Timing{
		FlashDuration:      DefaultFlashDuration,
		DelayBetweenImages: DefaultDelayBetweenImages,
	}
}

// hold 等待 d 或 ctx 取消。返回 false 表示被取消，调用方必须立即退出且不再修改状态。
func hold(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return ctx.Err() == nil
	}
}
