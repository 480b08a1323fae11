package run

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/John-Robertt/flashload/internal/config"
	"github.com/John-Robertt/flashload/internal/domain"
	"github.com/John-Robertt/flashload/internal/infra/httpx"
	"github.com/John-Robertt/flashload/internal/loader"
	"github.com/John-Robertt/flashload/internal/preload"
	"github.com/John-Robertt/flashload/internal/source"
)

// Execute 执行一次预加载，并返回对外稳定的 PreloadReport。
//
// 单张图片失败只体现在报告中；返回 error 仅表示 URL 收集阶段失败（此时没有开始预加载）。
func Execute(ctx context.Context, eff config.EffectiveConfig, log *zap.Logger) (domain.PreloadReport, error) {
	return ExecuteWithObserver(ctx, eff, nil, log, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许注入 Loader（nil 时按配置构造默认实现）
// 与 Observer（由上层决定是否输出进度）。
//
// ctx 取消时停止预加载并返回 completed=false 的报告，未轮到的图片记为 skipped。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, l loader.Loader, log *zap.Logger, obs Observer) (domain.PreloadReport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if obs == nil {
		obs = nopObserver{}
	}
	started := time.Now()
	obs.OnStart(eff)

	collectStarted := time.Now()
	urls, err := collect(ctx, eff)
	if err != nil {
		return domain.PreloadReport{}, err
	}
	obs.OnPhaseDone("collect", map[string]any{
		"listed": len(source.FromList(eff.URLs)),
		"pages":  len(eff.Pages),
		"images": len(urls),
	}, time.Since(collectStarted))

	if l == nil {
		c, err := httpx.NewImageClient(eff.ProxyURL, eff.Timeout)
		if err != nil {
			return domain.PreloadReport{}, &config.Error{Code: config.ErrCodeInvalid, Path: eff.ConfigFile, Err: err}
		}
		l = &loader.Resource{Client: c, Root: eff.Root, MaxBytes: eff.MaxImageBytes, Logger: log}
	}

	rec := newRecorder(urls, obs)
	p := preload.New(l, preload.Config{
		Timing: preload.Timing{
			FlashDuration:      eff.FlashDuration,
			DelayBetweenImages: eff.DelayBetweenImages,
		},
		Logger:   log,
		Observer: rec,
	})

	runID := p.Start(ctx, urls)
	obs.OnPhaseDone("preload", map[string]any{
		"run_id": runID,
		"total":  len(urls),
	}, 0)

	if err := p.Wait(ctx); err != nil {
		// 中断：先使运行失效，再等 goroutine 真正退出，避免报告与事件交错。
		p.Stop()
		_ = p.Wait(context.Background())
		log.Info("预加载被中断", zap.String("run_id", runID), zap.Error(err))
	}
	final := p.Snapshot()

	rr := domain.PreloadReport{
		RunID:                runID,
		StartedAt:            started,
		FinishedAt:           time.Now(),
		FlashDurationMS:      eff.FlashDuration.Milliseconds(),
		DelayBetweenImagesMS: eff.DelayBetweenImages.Milliseconds(),
		Completed:            final.AllCompleted,
		Items:                rec.results(),
	}
	rr.Finalize()
	return rr, nil
}

// collect 先取显式列表，再追加各页面收集到的图片地址。
func collect(ctx context.Context, eff config.EffectiveConfig) ([]string, error) {
	urls := source.FromList(eff.URLs)
	if len(eff.Pages) == 0 {
		return urls, nil
	}

	c, err := httpx.NewPageClient(eff.ProxyURL, eff.Timeout)
	if err != nil {
		return nil, &config.Error{Code: config.ErrCodeInvalid, Path: eff.ConfigFile, Err: err}
	}
	fromPages, err := source.FromPages(ctx, c, eff.Pages)
	if err != nil {
		return nil, err
	}
	return append(urls, fromPages...), nil
}

// recorder 把 preload 的事件折叠成报告条目，同时转发给 run 层的 Observer。
type recorder struct {
	obs Observer

	mu    sync.Mutex
	items []domain.ItemResult
}

func newRecorder(urls []string, obs Observer) *recorder {
	items := make([]domain.ItemResult, len(urls))
	for i, u := range urls {
		items[i] = domain.ItemResult{
			Index:     i,
			URL:       u,
			Status:    domain.StatusSkipped,
			ErrorCode: domain.ErrCodeCanceled,
			ErrorMsg:  "运行结束前未轮到该图片",
		}
	}
	return &recorder{obs: obs, items: items}
}

func (r *recorder) OnStart(string, int) {}

func (r *recorder) OnPhase(int, string, preload.Phase) {}

func (r *recorder) OnImageDone(idx, total int, url string, err error, dur time.Duration) {
	res := domain.ItemResult{Index: idx, URL: url, Status: domain.StatusLoaded}
	if err != nil {
		res.Status = domain.StatusFailed
		res.ErrorCode = loader.ErrorCode(err)
		res.ErrorMsg = humanizeLoadError(err)
	}

	r.mu.Lock()
	if idx >= 0 && idx < len(r.items) {
		r.items[idx] = res
	}
	r.mu.Unlock()

	r.obs.OnItemDone(idx, total, res, dur)
}

func (r *recorder) OnComplete(preload.State) {}

func (r *recorder) results() []domain.ItemResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ItemResult(nil), r.items...)
}

// humanizeLoadError 尽量给出可操作的提示（超时/TLS/代理是远程图片最常见的问题）。
func humanizeLoadError(err error) string {
	var le *loader.Error
	if !errors.As(err, &le) {
		return err.Error()
	}
	inner := "未知错误"
	if le.Err != nil {
		inner = le.Err.Error()
	}

	switch le.Reason {
	case loader.ReasonNotFound:
		return fmt.Sprintf("图片不存在：%s", inner)
	case loader.ReasonHTTPStatus:
		if strings.Contains(inner, "403") || strings.Contains(inner, "429") {
			return fmt.Sprintf("服务器拒绝（%s，可能触发防盗链/限流）。建议配置 proxy.url 或稍后重试。", inner)
		}
		return fmt.Sprintf("服务器返回 %s。", inner)
	case loader.ReasonTooLarge:
		return fmt.Sprintf("图片过大（%s）。可调大 max_image_bytes。", inner)
	case loader.ReasonDecode:
		return fmt.Sprintf("无法解码为图片（格式不受支持或数据损坏）：%s", inner)
	case loader.ReasonCanceled:
		return "加载被取消。"
	}

	low := strings.ToLower(inner)
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(low, "timeout") {
		return "下载超时。建议检查网络/代理，或调大 timeout_ms。"
	}
	if strings.Contains(low, "tls") || strings.Contains(low, "handshake") || strings.Contains(low, "x509") {
		return "连接失败（TLS/SSL）。建议配置 proxy.url 或稍后重试。"
	}
	return fmt.Sprintf("下载失败：%s", inner)
}
