package run

import (
	"time"

	"github.com/John-Robertt/flashload/internal/config"
	"github.com/John-Robertt/flashload/internal/domain"
)

// Observer 用于把“运行进度/阶段/条目结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - Observer 的实现必须并发安全：条目事件来自预加载 goroutine，keepalive 来自 CLI 的 ticker。
type Observer interface {
	// OnStart 在 ExecuteWithObserver 开始时调用（应尽量早，保证用户 1 秒内看到输出）。
	OnStart(eff config.EffectiveConfig)
	// OnPhaseDone 在阶段结束/就绪时调用（collect：收集 URL；preload：序列开始）。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnItemDone 在某张图片结算时调用（用于每条结果的一行输出）。
	OnItemDone(idx, total int, res domain.ItemResult, dur time.Duration)
}

type nopObserver struct{}

func (nopObserver) OnStart(config.EffectiveConfig) {}
func (nopObserver) OnPhaseDone(string, map[string]any, time.Duration) {}
func (nopObserver) OnItemDone(int, int, domain.ItemResult, time.Duration) {}
