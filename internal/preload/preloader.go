// Package preload 实现顺序闪烁预加载：按输入顺序逐张加载图片，每张图结算后保持一段
// 闪烁窗口，再等待一段间隔后前进，并对外提供可查询的进度快照。
package preload

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/John-Robertt/flashload/internal/loader"
)

// Config 是预加载器的构造参数。Timing 按原值使用（零值即“不等待”）。
type Config struct {
	Timing   Timing
	Logger   *zap.Logger
	Observer Observer

	// StartOnMount 为 true 时，Mount 在返回前即对传入的 urls 开始第一次运行。
	StartOnMount bool
}

// DefaultConfig 返回默认节奏，且挂载即开始。
func DefaultConfig() Config {
	return Config{
		Timing:       DefaultTiming(),
		StartOnMount: true,
	}
}

// Preloader 是 Sequence Driver：持有游标并驱动状态前进。
//
// 并发约束：
// - 同一时刻至多一个运行（goroutine），至多一个 Load 在途
// - 状态只由当前运行的 goroutine 修改；Snapshot 可在任意 goroutine 读取
// - Start/Stop 通过递增 gen 使旧运行失效：旧运行之后的任何结果与事件都会被丢弃
// - Observer 的实现不能在回调中调用 Start/Stop
type Preloader struct {
	loader   loader.Loader
	timing   Timing
	log      *zap.Logger
	obs      Observer
	newRunID func() string

	// emitMu 串行化“检查 gen + 发事件”与“递增 gen”，保证 Start/Stop 返回后旧运行不再发事件。
	emitMu sync.Mutex

	mu     sync.Mutex
	gen    uint64
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// New 构造一个处于 Idle 的预加载器。
func New(l loader.Loader, cfg Config) *Preloader {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	t := cfg.Timing
	if t.FlashDuration < 0 {
		t.FlashDuration = 0
	}
	if t.DelayBetweenImages < 0 {
		t.DelayBetweenImages = 0
	}
	return &Preloader{
		loader:   l,
		timing:   t,
		log:      log,
		obs:      obs,
		newRunID: uuid.NewString,
		state:    newState("", 0),
	}
}

// Mount 对应“视图挂载”：构造预加载器，StartOnMount 时立即对 urls 开始运行。
// 对应的“卸载”是 Stop。
func Mount(ctx context.Context, l loader.Loader, cfg Config, urls []string) *Preloader {
	p := New(l, cfg)
	if cfg.StartOnMount {
		p.Start(ctx, urls)
	}
	return p
}

// Start 丢弃旧状态并从第 0 张开始新的运行，返回本次运行的 RunID。
//
// - 运行中调用：旧运行被取消（挂起的计时器与 Load 一并取消），其后续结果不会写入新状态
// - urls 为空：立即完成（AllCompleted=true），不调度任何计时器
// - ctx 取消等价于 Stop
func (p *Preloader) Start(ctx context.Context, urls []string) string {
	urls = append([]string(nil), urls...)
	runID := p.newRunID()

	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	p.invalidateLocked()
	gen := p.gen
	p.state = newState(runID, len(urls))
	done := make(chan struct{})
	p.done = done

	if len(urls) == 0 {
		p.state.Phase = PhaseCompleted
		p.state.Index = 0
		p.state.AllCompleted = true
		final := p.state.clone()
		close(done)
		p.mu.Unlock()

		p.log.Debug("预加载列表为空，直接完成", zap.String("run_id", runID))
		p.obs.OnStart(runID, 0)
		p.obs.OnComplete(final)
		return runID
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.log.Debug("开始预加载",
		zap.String("run_id", runID),
		zap.Int("total", len(urls)),
		zap.Duration("flash", p.timing.FlashDuration),
		zap.Duration("delay", p.timing.DelayBetweenImages),
	)
	p.obs.OnStart(runID, len(urls))

	go p.run(runCtx, cancel, gen, runID, urls, done)
	return runID
}

// Stop 取消当前运行；之后状态冻结在最后一次快照，不再变化。可重复调用。
func (p *Preloader) Stop() {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidateLocked()
}

func (p *Preloader) invalidateLocked() {
	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// Wait 阻塞直到当前运行结束（完成或被取消后 goroutine 退出）。从未 Start 时立即返回。
func (p *Preloader) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot 返回当前状态的深拷贝（State Reporter 的查询都基于它）。
func (p *Preloader) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.clone()
}

func (p *Preloader) run(ctx context.Context, cancel context.CancelFunc, gen uint64, runID string, urls []string, done chan struct{}) {
	defer close(done)
	defer cancel()

	total := len(urls)
	for i, u := range urls {
		ok := p.update(gen, func(s *State) {
			s.Phase = PhaseLoading
			s.Index = i
			s.CurrentlyLoading = u
			s.IsFlashing = true
		})
		if !ok {
			return
		}
		p.emit(gen, func(o Observer) { o.OnPhase(i, u, PhaseLoading) })

		started := time.Now()
		err := p.loader.Load(ctx, u)
		dur := time.Since(started)
		if ctx.Err() != nil {
			// 运行已被取代/停止：丢弃这次结果。
			return
		}
		if err != nil {
			p.log.Warn("图片加载失败，继续下一张",
				zap.String("run_id", runID),
				zap.Int("index", i),
				zap.String("url", u),
				zap.String("reason", loader.Reason(err)),
				zap.Error(err),
			)
		}

		ok = p.update(gen, func(s *State) {
			if err == nil {
				s.LoadedImages[u] = struct{}{}
				delete(s.Failed, u)
			} else if _, loaded := s.LoadedImages[u]; !loaded {
				s.Failed[u] = err
			}
			s.Phase = PhaseFlashing
		})
		if !ok {
			return
		}
		p.emit(gen, func(o Observer) {
			o.OnImageDone(i, total, u, err, dur)
			o.OnPhase(i, u, PhaseFlashing)
		})

		if !hold(ctx, p.timing.FlashDuration) {
			return
		}
		ok = p.update(gen, func(s *State) {
			s.IsFlashing = false
			s.CurrentlyLoading = ""
			s.Phase = PhaseDelaying
		})
		if !ok {
			return
		}
		p.emit(gen, func(o Observer) { o.OnPhase(i, u, PhaseDelaying) })

		if !hold(ctx, p.timing.DelayBetweenImages) {
			return
		}
	}

	var final State
	ok := p.update(gen, func(s *State) {
		s.Phase = PhaseCompleted
		s.Index = total
		s.CurrentlyLoading = ""
		s.IsFlashing = false
		s.AllCompleted = true
		final = s.clone()
	})
	if !ok {
		return
	}
	p.log.Debug("预加载完成",
		zap.String("run_id", runID),
		zap.Int("loaded", final.LoadedCount()),
		zap.Int("total", final.TotalCount()),
	)
	p.emit(gen, func(o Observer) { o.OnComplete(final) })
}

// update 仅在 gen 仍是当前运行时修改状态；返回 false 表示运行已失效，调用方必须退出。
func (p *Preloader) update(gen uint64, fn func(s *State)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen {
		return false
	}
	fn(&p.state)
	return true
}

func (p *Preloader) emit(gen uint64, fn func(o Observer)) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	current := p.gen == gen
	p.mu.Unlock()
	if current {
		fn(p.obs)
	}
}
