package preload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/John-Robertt/flashload/internal/loader"
)

type event struct {
	kind string
	idx  int
	url  string
	err  error
	at   time.Time
}

type recordObserver struct {
	mu     sync.Mutex
	events []event
	final  *State
}

func (o *recordObserver) add(e event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e.at = time.Now()
	o.events = append(o.events, e)
}

func (o *recordObserver) OnStart(runID string, total int) {
	o.add(event{kind: "start", idx: total})
}

func (o *recordObserver) OnPhase(idx int, url string, phase Phase) {
	o.add(event{kind: phase.String(), idx: idx, url: url})
}

func (o *recordObserver) OnImageDone(idx, total int, url string, err error, dur time.Duration) {
	o.add(event{kind: "done", idx: idx, url: url, err: err})
}

func (o *recordObserver) OnComplete(s State) {
	o.add(event{kind: "complete", idx: s.Total})
	o.mu.Lock()
	o.final = &s
	o.mu.Unlock()
}

func (o *recordObserver) trace() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.events))
	for _, e := range o.events {
		if e.url == "" {
			out = append(out, fmt.Sprintf("%s:%d", e.kind, e.idx))
			continue
		}
		out = append(out, fmt.Sprintf("%s:%s", e.kind, e.url))
	}
	return out
}

func (o *recordObserver) find(kind, url string) (event, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.events {
		if e.kind == kind && e.url == url {
			return e, true
		}
	}
	return event{}, false
}

// fakeLoader 按调用顺序记录 URL；failing 中的 URL 返回加载失败。
type fakeLoader struct {
	mu       sync.Mutex
	calls    []string
	failing  map[string]bool
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (l *fakeLoader) Load(ctx context.Context, url string) error {
	n := l.inflight.Add(1)
	defer l.inflight.Add(-1)
	if n > l.maxSeen.Load() {
		l.maxSeen.Store(n)
	}

	l.mu.Lock()
	l.calls = append(l.calls, url)
	l.mu.Unlock()

	time.Sleep(time.Millisecond)
	if l.failing[url] {
		return &loader.Error{URL: url, Reason: loader.ReasonFetch, Err: errors.New("simulated network error")}
	}
	return nil
}

func (l *fakeLoader) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func fastTiming() Timing {
	return Timing{FlashDuration: 5 * time.Millisecond, DelayBetweenImages: 3 * time.Millisecond}
}

func waitDone(t *testing.T, p *Preloader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

func TestPreloader_AllSucceed_VisitsInOrder(t *testing.T) {
	fl := &fakeLoader{}
	rec := &recordObserver{}
	urls := []string{"a.png", "b.png", "c.png"}

	p := Mount(context.Background(), fl, Config{Timing: fastTiming(), Observer: rec, StartOnMount: true}, urls)
	waitDone(t, p)

	assert.Equal(t, urls, fl.seen())
	assert.Equal(t, int32(1), fl.maxSeen.Load(), "同一时刻只能有一个 Load 在途")

	want := []string{"start:3"}
	for _, u := range urls {
		want = append(want, "loading:"+u, "done:"+u, "flashing:"+u, "delaying:"+u)
	}
	want = append(want, "complete:3")
	assert.Equal(t, want, rec.trace())

	s := p.Snapshot()
	assert.True(t, s.AllCompleted)
	assert.Equal(t, PhaseCompleted, s.Phase)
	assert.Empty(t, s.CurrentlyLoading)
	assert.False(t, s.IsFlashing)
	assert.Equal(t, 3, s.LoadedCount())
	assert.Equal(t, 3, s.TotalCount())
	for _, u := range urls {
		assert.True(t, s.IsImageLoaded(u), u)
	}
	require.NotNil(t, rec.final)
	assert.Equal(t, s.RunID, rec.final.RunID)
}

func TestPreloader_FailureIsSwallowedAndLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	fl := &fakeLoader{failing: map[string]bool{"x.png": true}}

	p := New(fl, Config{Timing: fastTiming(), Logger: zap.New(core)})
	p.Start(context.Background(), []string{"x.png", "y.png"})
	waitDone(t, p)

	s := p.Snapshot()
	assert.True(t, s.AllCompleted)
	assert.False(t, s.IsImageLoaded("x.png"))
	assert.True(t, s.IsImageLoaded("y.png"))
	assert.Equal(t, 1, s.LoadedCount())
	assert.Equal(t, []string{"x.png", "y.png"}, fl.seen(), "失败后必须继续下一张")
	require.Contains(t, s.Failed, "x.png")
	assert.Equal(t, loader.ReasonFetch, loader.Reason(s.Failed["x.png"]))

	warns := logs.FilterField(zap.String("url", "x.png")).All()
	require.Len(t, warns, 1)
	assert.Equal(t, zapcore.WarnLevel, warns[0].Level)
}

func TestPreloader_EmptyListCompletesImmediately(t *testing.T) {
	fl := &fakeLoader{}
	rec := &recordObserver{}
	p := New(fl, Config{Timing: DefaultTiming(), Observer: rec})

	p.Start(context.Background(), nil)

	// 不需要等待：Start 返回时就已完成。
	s := p.Snapshot()
	assert.True(t, s.AllCompleted)
	assert.Equal(t, 0, s.LoadedCount())
	assert.Equal(t, 0, s.TotalCount())
	assert.Empty(t, fl.seen())
	assert.Equal(t, []string{"start:0", "complete:0"}, rec.trace())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, p.Wait(ctx), "空列表运行的 done 应已关闭")
}

func TestPreloader_InvariantsHoldWhileRunning(t *testing.T) {
	fl := &fakeLoader{failing: map[string]bool{"2.png": true}}
	urls := []string{"1.png", "2.png", "3.png", "4.png"}
	p := New(fl, Config{Timing: Timing{FlashDuration: 4 * time.Millisecond, DelayBetweenImages: 2 * time.Millisecond}})

	stop := make(chan struct{})
	var violations []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := p.Snapshot()
			loading := 0
			for _, u := range urls {
				if s.IsImageCurrentlyLoading(u) {
					loading++
				}
				if s.ShouldFlash(u) && !s.IsImageCurrentlyLoading(u) {
					violations = append(violations, "flash without loading: "+u)
				}
			}
			if loading > 1 {
				violations = append(violations, "more than one loading")
			}
			if s.AllCompleted && s.CurrentlyLoading != "" {
				violations = append(violations, "completed but still loading")
			}
			if s.CurrentlyLoading != "" && s.Phase != PhaseLoading && s.Phase != PhaseFlashing {
				violations = append(violations, "loading between images: "+s.Phase.String())
			}
			time.Sleep(200 * time.Microsecond)
		}
	}()

	p.Start(context.Background(), urls)
	waitDone(t, p)
	close(stop)
	wg.Wait()

	assert.Empty(t, violations)
	assert.True(t, p.Snapshot().AllCompleted)
}

func TestPreloader_FlashHeldThenDelayed(t *testing.T) {
	const (
		flash = 30 * time.Millisecond
		delay = 20 * time.Millisecond
	)
	fl := &fakeLoader{}
	rec := &recordObserver{}
	p := New(fl, Config{Timing: Timing{FlashDuration: flash, DelayBetweenImages: delay}, Observer: rec})

	p.Start(context.Background(), []string{"a.png", "b.png"})
	waitDone(t, p)

	done, ok := rec.find("done", "a.png")
	require.True(t, ok)
	delaying, ok := rec.find("delaying", "a.png")
	require.True(t, ok)
	next, ok := rec.find("loading", "b.png")
	require.True(t, ok)

	// 计时器不会提前触发，因此只断言下界。
	assert.GreaterOrEqual(t, delaying.at.Sub(done.at), flash)
	assert.GreaterOrEqual(t, next.at.Sub(delaying.at), delay)
}

func TestPreloader_RestartDiscardsPreviousRun(t *testing.T) {
	started := make(chan string, 16)
	var canceledOld atomic.Bool
	l := loader.Func(func(ctx context.Context, url string) error {
		started <- url
		if strings.HasPrefix(url, "old") {
			<-ctx.Done()
			canceledOld.Store(true)
			return &loader.Error{URL: url, Reason: loader.ReasonCanceled, Err: ctx.Err()}
		}
		return nil
	})
	rec := &recordObserver{}
	p := New(l, Config{Timing: fastTiming(), Observer: rec})

	oldID := p.Start(context.Background(), []string{"old-1.png", "old-2.png"})
	require.Equal(t, "old-1.png", <-started)

	newID := p.Start(context.Background(), []string{"new-1.png", "new-2.png"})
	require.NotEqual(t, oldID, newID)
	waitDone(t, p)

	s := p.Snapshot()
	assert.Equal(t, newID, s.RunID)
	assert.True(t, s.AllCompleted)
	assert.Equal(t, 2, s.TotalCount())
	assert.True(t, s.IsImageLoaded("new-1.png"))
	assert.True(t, s.IsImageLoaded("new-2.png"))
	assert.False(t, s.IsImageLoaded("old-1.png"))
	assert.NotContains(t, s.Failed, "old-1.png", "旧运行的结果不能写入新状态")

	assert.Eventually(t, canceledOld.Load, time.Second, time.Millisecond, "旧运行的 Load 应被取消")
	assert.Equal(t, "new-1.png", <-started)
	assert.Equal(t, "new-2.png", <-started)
	assert.Empty(t, started, "旧运行不应继续加载 old-2")

	// 第二次 start 事件之后不能再出现旧 URL。
	trace := rec.trace()
	second := -1
	for i, e := range trace {
		if strings.HasPrefix(e, "start:") {
			second = i
		}
	}
	require.Greater(t, second, 0)
	for _, e := range trace[second:] {
		assert.NotContains(t, e, "old-")
	}
}

func TestPreloader_StopCancelsTimersWithoutLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	fl := &fakeLoader{}
	rec := &recordObserver{}
	// 很长的闪烁窗口：Stop 时一定停在计时器上。
	p := New(fl, Config{Timing: Timing{FlashDuration: time.Hour, DelayBetweenImages: time.Hour}, Observer: rec})
	p.Start(context.Background(), []string{"a.png", "b.png"})

	require.Eventually(t, func() bool {
		return p.Snapshot().Phase == PhaseFlashing
	}, time.Second, time.Millisecond)

	p.Stop()
	waitDone(t, p)

	frozen := p.Snapshot()
	assert.False(t, frozen.AllCompleted)
	assert.Equal(t, []string{"a.png"}, fl.seen())

	n := len(rec.trace())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, frozen, p.Snapshot(), "Stop 之后状态不能再变化")
	assert.Len(t, rec.trace(), n, "Stop 之后不能再发事件")

	p.Stop() // 可重复调用
}

func TestPreloader_ParentContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(&fakeLoader{}, Config{Timing: Timing{FlashDuration: time.Hour}})
	p.Start(ctx, []string{"a.png"})

	require.Eventually(t, func() bool {
		return p.Snapshot().Phase == PhaseFlashing
	}, time.Second, time.Millisecond)
	cancel()
	waitDone(t, p)

	assert.False(t, p.Snapshot().AllCompleted)
}

func TestPreloader_WaitHonorsContext(t *testing.T) {
	p := New(&fakeLoader{}, Config{Timing: Timing{FlashDuration: time.Hour}})
	defer p.Stop()
	p.Start(context.Background(), []string{"a.png"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
}

func TestMount_WithoutStartOnMountStaysIdle(t *testing.T) {
	fl := &fakeLoader{}
	p := Mount(context.Background(), fl, Config{Timing: fastTiming()}, []string{"a.png"})

	s := p.Snapshot()
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.False(t, s.AllCompleted)
	assert.Equal(t, -1, s.Index)
	assert.NoError(t, p.Wait(context.Background()))
	assert.Empty(t, fl.seen())
}

func TestState_ProjectionsOnUnknownURL(t *testing.T) {
	s := newState("r", 2)
	s.CurrentlyLoading = "a.png"
	s.IsFlashing = true
	s.LoadedImages["b.png"] = struct{}{}

	assert.True(t, s.ShouldFlash("a.png"))
	assert.False(t, s.ShouldFlash("b.png"))
	assert.False(t, s.ShouldFlash(""))
	assert.False(t, s.IsImageLoaded("zzz.png"))
	assert.False(t, s.IsImageCurrentlyLoading("zzz.png"))
	assert.Equal(t, 1, s.LoadedCount())
	assert.Equal(t, 2, s.TotalCount())

	// 快照是深拷贝：修改副本不影响原状态。
	c := s.clone()
	c.LoadedImages["c.png"] = struct{}{}
	assert.False(t, s.IsImageLoaded("c.png"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 150*time.Millisecond, cfg.Timing.FlashDuration)
	assert.Equal(t, 100*time.Millisecond, cfg.Timing.DelayBetweenImages)
	assert.True(t, cfg.StartOnMount)
}
