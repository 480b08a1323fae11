package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/John-Robertt/flashload/internal/infra/httpx"
	"github.com/John-Robertt/flashload/internal/loader"
	"github.com/John-Robertt/flashload/internal/preload"
)

const (
	// ErrCodeNotFound 表示 --config 指定的配置文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
)

// FileName 是默认配置文件名（位于 cwd，可选）。
const FileName = "flashload.json"

// 默认值由各自的实现包持有，这里只做引用。
const (
	DefaultFlashDuration      = preload.DefaultFlashDuration
	DefaultDelayBetweenImages = preload.DefaultDelayBetweenImages
	DefaultTimeout            = httpx.DefaultTimeout
	DefaultMaxImageBytes      = loader.DefaultMaxBytes
)

// maxWindow 是 flash/delay 的配置上限。
//
// 这是配置层有意加的约束，预加载器本身不限上限（preload.Timing 接受任意非负值）：
// 超过一分钟的闪烁/间隔几乎一定是单位写错（例如 flash_duration_ms 写成了微秒），
// 与其让 CLI 静默地卡住几十分钟，不如在启动时报 config_invalid。需要更长节奏的
// 库调用方直接构造 preload.Config 即可。
const maxWindow = time.Minute

// CLIArgs 是 CLI 暴露的入口，并保留“是否显式指定”的信息，保证 CLI 能覆盖配置文件。
type CLIArgs struct {
	ConfigPath string

	// URLs/Pages 非空时整体替换配置文件中的同名列表（不合并）。
	URLs  []string
	Pages []string

	Root string

	FlashDuration    time.Duration
	FlashDurationSet bool

	DelayBetweenImages    time.Duration
	DelayBetweenImagesSet bool
}

// FileConfig 对应 flashload.json 的解析结构。
type FileConfig struct {
	Root                 string       `json:"root"`
	URLs                 []string     `json:"urls"`
	Pages                []string     `json:"pages"`
	FlashDurationMS      *int64       `json:"flash_duration_ms"`
	DelayBetweenImagesMS *int64       `json:"delay_between_images_ms"`
	Proxy                *ProxyConfig `json:"proxy"`
	MaxImageBytes        int64        `json:"max_image_bytes"`
	TimeoutMS            int64        `json:"timeout_ms"`
}

type ProxyConfig struct {
	URL string `json:"url"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	// Root 是本地相对路径图片的基准目录（绝对路径）。
	Root string

	URLs  []string
	Pages []string

	FlashDuration      time.Duration
	DelayBetweenImages time.Duration

	ProxyURL      string
	MaxImageBytes int64
	Timeout       time.Duration

	// ConfigFile 是实际读取到的配置文件；未读取时为空。
	ConfigFile string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) CLI 提供 --config：必须存在
// 2) 否则尝试读取 <cwd>/flashload.json（可选，不存在不报错）
//
// 覆盖优先级（固定）：CLI > 配置文件 > 默认值。
// root 的相对路径以配置文件所在目录为基准；没有配置文件时以 cwd 为基准。
// flash/delay 必须在 [0, 1min] 内（见 maxWindow）。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	var (
		cfgPath string
		fc      FileConfig
		exists  bool
	)

	if strings.TrimSpace(cli.ConfigPath) != "" {
		cfgPath = absCleanFrom(cwdAbs, cli.ConfigPath)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
	} else {
		cfgPath = filepath.Join(cwdAbs, FileName)
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
	}

	baseDir := cwdAbs
	if exists {
		baseDir = filepath.Dir(cfgPath)
	} else {
		cfgPath = ""
	}
	return merge(cwdAbs, baseDir, cli, fc, cfgPath)
}

func merge(cwdAbs, baseDir string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	invalid := func(err error) error {
		return &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}

	// root：CLI（相对 cwd）> config（相对配置文件目录）> cwd
	root := cwdAbs
	if strings.TrimSpace(cli.Root) != "" {
		root = absCleanFrom(cwdAbs, cli.Root)
	} else if strings.TrimSpace(fc.Root) != "" {
		root = absCleanFrom(baseDir, fc.Root)
	}

	urls := fc.URLs
	if len(cli.URLs) > 0 {
		urls = cli.URLs
	}
	pages := fc.Pages
	if len(cli.Pages) > 0 {
		pages = cli.Pages
	}
	for _, p := range pages {
		if err := validateHTTPURL(p); err != nil {
			return EffectiveConfig{}, invalid(fmt.Errorf("pages 无效：%w", err))
		}
	}

	flash := DefaultFlashDuration
	if cli.FlashDurationSet {
		flash = cli.FlashDuration
	} else if fc.FlashDurationMS != nil {
		flash = time.Duration(*fc.FlashDurationMS) * time.Millisecond
	}
	if err := validateWindow("flash_duration", flash); err != nil {
		return EffectiveConfig{}, invalid(err)
	}

	delay := DefaultDelayBetweenImages
	if cli.DelayBetweenImagesSet {
		delay = cli.DelayBetweenImages
	} else if fc.DelayBetweenImagesMS != nil {
		delay = time.Duration(*fc.DelayBetweenImagesMS) * time.Millisecond
	}
	if err := validateWindow("delay_between_images", delay); err != nil {
		return EffectiveConfig{}, invalid(err)
	}

	proxyURL := ""
	if fc.Proxy != nil {
		proxyURL = strings.TrimSpace(fc.Proxy.URL)
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return EffectiveConfig{}, invalid(fmt.Errorf("proxy.url 无效：%q", proxyURL))
		}
	}

	maxBytes := fc.MaxImageBytes
	if maxBytes < 0 {
		return EffectiveConfig{}, invalid(fmt.Errorf("max_image_bytes 不能为负数：%d", maxBytes))
	}
	if maxBytes == 0 {
		maxBytes = DefaultMaxImageBytes
	}

	timeout := DefaultTimeout
	if fc.TimeoutMS < 0 {
		return EffectiveConfig{}, invalid(fmt.Errorf("timeout_ms 不能为负数：%d", fc.TimeoutMS))
	}
	if fc.TimeoutMS > 0 {
		timeout = time.Duration(fc.TimeoutMS) * time.Millisecond
	}

	return EffectiveConfig{
		Root:               root,
		URLs:               append([]string(nil), urls...),
		Pages:              append([]string(nil), pages...),
		FlashDuration:      flash,
		DelayBetweenImages: delay,
		ProxyURL:           proxyURL,
		MaxImageBytes:      maxBytes,
		Timeout:            timeout,
		ConfigFile:         cfgPath,
	}, nil
}

func validateWindow(name string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%s 不能为负数：%s", name, d)
	}
	if d > maxWindow {
		return fmt.Errorf("%s 超过上限 %s：%s", name, maxWindow, d)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return fmt.Errorf("%q 不是有效的 URL", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q 必须是 http/https", raw)
	}
	return nil
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 JSON 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
