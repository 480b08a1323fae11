package preload

import "time"

// Observer 把“运行进度”从驱动流程中解耦出来。
//
// 约束：
// - 事件在驱动 goroutine 中同步调用；实现应尽快返回
// - 只有当前运行会发事件：被 Start/Stop 取代的旧运行不再发出任何事件
type Observer interface {
	// OnStart 在新运行开始时调用（空列表也会调用，随后立即 OnComplete）。
	OnStart(runID string, total int)
	// OnPhase 在进入 Loading/Flashing/Delaying 时调用。
	OnPhase(idx int, url string, phase Phase)
	// OnImageDone 在单张图片加载结算（成功 err=nil，失败 err!=nil）时调用。
	OnImageDone(idx, total int, url string, err error, dur time.Duration)
	// OnComplete 在整个序列完成时调用，参数为最终快照。
	OnComplete(s State)
}

type nopObserver struct{}

func (nopObserver) OnStart(string, int) {}
func (nopObserver) OnPhase(int, string, Phase) {}
func (nopObserver) OnImageDone(int, int, string, error, time.Duration) {}
func (nopObserver) OnComplete(State) {}
