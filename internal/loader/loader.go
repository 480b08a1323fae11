package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/John-Robertt/flashload/internal/domain"
	"github.com/John-Robertt/flashload/internal/infra/imgx"
)

// DefaultMaxBytes 是单张图片允许读取的最大字节数。
const DefaultMaxBytes int64 = 32 << 20

const (
	ReasonFetch      = "fetch"
	ReasonHTTPStatus = "http_status"
	ReasonNotFound   = "not_found"
	ReasonTooLarge   = "too_large"
	ReasonDecode     = "decode"
	ReasonCanceled   = "canceled"
)

// Loader 尝试获取并完整解码一张图片。
//
// 约束：
// - 只有“可绘制”（像素完整解码）才算成功，收到字节不算
// - 失败必须可与成功区分，且不做重试
type Loader interface {
	Load(ctx context.Context, url string) error
}

// Func 把普通函数适配为 Loader。
type Func func(ctx context.Context, url string) error

func (f Func) Load(ctx context.Context, url string) error { return f(ctx, url) }

// Error 是单张图片加载失败（ImageLoadFailure）。
type Error struct {
	URL    string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("加载图片失败 url=%s reason=%s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("加载图片失败 url=%s reason=%s", e.URL, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Reason 从 error 中提取失败原因；非 *Error 时归类为 fetch。
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	return ReasonFetch
}

// ErrorCode 把失败原因映射为报告中的 error_code。
func ErrorCode(err error) string {
	switch Reason(err) {
	case "":
		return ""
	case ReasonHTTPStatus:
		return domain.ErrCodeHTTPStatus
	case ReasonNotFound:
		return domain.ErrCodeNotFound
	case ReasonTooLarge:
		return domain.ErrCodeTooLarge
	case ReasonDecode:
		return domain.ErrCodeDecodeFailed
	case ReasonCanceled:
		return domain.ErrCodeCanceled
	default:
		return domain.ErrCodeFetchFailed
	}
}

// Resource 按 URL scheme 选择读取方式：http/https 走网络，其余当作本地文件。
type Resource struct {
	// Client 用于 http/https；为 nil 时遇到远程 URL 直接失败。
	Client *http.Client
	// Root 是相对路径的基准目录（例如站点静态资源目录）。
	Root string
	// MaxBytes<=0 时使用 DefaultMaxBytes。
	MaxBytes int64
	// Logger 为 nil 时不输出。
	Logger *zap.Logger
}

var _ Loader = (*Resource)(nil)

func (l *Resource) Load(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &Error{URL: raw, Reason: ReasonNotFound, Err: errors.New("url 为空")}
	}

	rc, err := l.open(ctx, raw)
	if err != nil {
		return err
	}
	defer rc.Close()

	max := l.MaxBytes
	if max <= 0 {
		max = DefaultMaxBytes
	}
	lr := &limitReader{r: rc, n: max}
	info, err := imgx.Decode(lr)
	if err != nil {
		if lr.exceeded {
			return &Error{URL: raw, Reason: ReasonTooLarge, Err: fmt.Errorf("超过 %d 字节", max)}
		}
		if ctx.Err() != nil {
			return &Error{URL: raw, Reason: ReasonCanceled, Err: ctx.Err()}
		}
		return &Error{URL: raw, Reason: ReasonDecode, Err: err}
	}
	if l.Logger != nil {
		l.Logger.Debug("图片已解码",
			zap.String("url", raw),
			zap.String("format", info.Format),
			zap.Int("width", info.Width),
			zap.Int("height", info.Height),
		)
	}
	return nil
}

func (l *Resource) open(ctx context.Context, raw string) (io.ReadCloser, error) {
	u, err := url.Parse(raw)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return l.openRemote(ctx, raw)
	}
	if err == nil && u.Scheme == "file" {
		return l.openFile(ctx, raw, u.Path)
	}
	return l.openFile(ctx, raw, raw)
}

func (l *Resource) openRemote(ctx context.Context, raw string) (io.ReadCloser, error) {
	if l.Client == nil {
		return nil, &Error{URL: raw, Reason: ReasonFetch, Err: errors.New("http client 为空")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, &Error{URL: raw, Reason: ReasonFetch, Err: err}
	}
	req.Header.Set("Accept", "image/*")

	resp, err := l.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{URL: raw, Reason: ReasonCanceled, Err: ctx.Err()}
		}
		return nil, &Error{URL: raw, Reason: ReasonFetch, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		reason := ReasonHTTPStatus
		if resp.StatusCode == http.StatusNotFound {
			reason = ReasonNotFound
		}
		return nil, &Error{URL: raw, Reason: reason, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	return resp.Body, nil
}

func (l *Resource) openFile(ctx context.Context, raw, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{URL: raw, Reason: ReasonCanceled, Err: err}
	}
	p = filepath.FromSlash(p)
	if !filepath.IsAbs(p) && strings.TrimSpace(l.Root) != "" {
		p = filepath.Join(l.Root, p)
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &Error{URL: raw, Reason: ReasonNotFound, Err: err}
		}
		return nil, &Error{URL: raw, Reason: ReasonFetch, Err: err}
	}
	return f, nil
}

// limitReader 与 io.LimitedReader 的区别：超限时报错而不是静默截断，
// 否则截断后的数据会被解码器当成“格式错误”，丢失真正原因。
type limitReader struct {
	r        io.Reader
	n        int64
	exceeded bool
}

var errTooLarge = errors.New("too large")

func (l *limitReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		// 探测是否真的还有数据：恰好等于上限的文件应视为合法。
		var one [1]byte
		n, err := l.r.Read(one[:])
		if n > 0 {
			l.exceeded = true
			return 0, errTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}
