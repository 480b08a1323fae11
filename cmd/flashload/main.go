package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/John-Robertt/flashload/internal/app/run"
	"github.com/John-Robertt/flashload/internal/config"
	"github.com/John-Robertt/flashload/internal/domain"
	"github.com/John-Robertt/flashload/internal/infra/fsx"
)

// version 由构建时 -ldflags "-X main.version=..." 注入。
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if code != 0 {
		os.Exit(code)
	}
}

// exitError 携带退出码；err 为 nil 表示信息已经输出过，只需退出。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, ee.err)
		}
		return ee.code
	}
	// cobra 自身的参数/flag 解析错误。
	fmt.Fprintf(stderr, "参数错误：%v\n\n", err)
	_ = root.Usage()
	return 2
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "flashload",
		Short:         "flashload - 顺序闪烁图片预加载",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "输出 debug 日志")

	root.AddCommand(newRunCmd(stdout, stderr, &verbose))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "打印版本",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "flashload %s\n", version)
		},
	})
	return root
}

type runFlags struct {
	configPath string
	pages      []string
	root       string
	flash      time.Duration
	delay      time.Duration
	reportPath string
}

func newRunCmd(stdout, stderr io.Writer, verbose *bool) *cobra.Command {
	var rf runFlags

	cmd := &cobra.Command{
		Use:   "run [url...]",
		Short: "按顺序预加载图片，每张结算后闪烁一段时间再前进",
		Long: `按输入顺序逐张加载图片（http/https 或本地路径）。
每张图片结算后保持 --flash 的闪烁窗口，再等待 --delay 后加载下一张。
单张失败只记录在报告中，不会中断序列。

stdout 非 TTY 时，stdout 只输出一个 JSON 报告；摘要与日志走 stderr。
退出码：全部成功 0；有失败或被中断 1；参数/配置错误 2。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreload(cmd.Context(), rf.cliArgs(cmd, args), rf.reportPath, *verbose, stdout, stderr)
		},
	}

	f := cmd.Flags()
	f.StringVar(&rf.configPath, "config", "", "配置文件路径（默认读取 ./"+config.FileName+"，可选）")
	f.StringArrayVar(&rf.pages, "page", nil, "从该 HTML 页面收集图片地址（可重复）")
	f.StringVar(&rf.root, "root", "", "本地相对路径的基准目录（默认 cwd）")
	f.DurationVar(&rf.flash, "flash", config.DefaultFlashDuration, "每张图片结算后的闪烁窗口")
	f.DurationVar(&rf.delay, "delay", config.DefaultDelayBetweenImages, "闪烁结束到下一张开始加载的间隔")
	f.StringVar(&rf.reportPath, "report", "", "把 JSON 报告原子写入该文件")
	return cmd
}

// cliArgs 只把显式给出的节奏标记为 Set，未给出时让配置文件生效。
func (rf runFlags) cliArgs(cmd *cobra.Command, args []string) config.CLIArgs {
	return config.CLIArgs{
		ConfigPath:            rf.configPath,
		URLs:                  args,
		Pages:                 rf.pages,
		Root:                  rf.root,
		FlashDuration:         rf.flash,
		FlashDurationSet:      cmd.Flags().Changed("flash"),
		DelayBetweenImages:    rf.delay,
		DelayBetweenImagesSet: cmd.Flags().Changed("delay"),
	}
}

func runPreload(ctx context.Context, cli config.CLIArgs, reportPath string, verbose bool, stdout, stderr io.Writer) error {
	cwd, err := os.Getwd()
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("读取当前目录失败：%w", err)}
	}

	eff, err := config.LoadEffective(cwd, cli)
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	progressW, interactive := pickProgressWriter(stdout, stderr)
	log, err := newLogger(stderr, verbose, isTTY(stderr))
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("初始化日志失败：%w", err)}
	}
	defer func() { _ = log.Sync() }()

	var obs run.Observer
	var ui *progressUI
	if interactive {
		ui = newProgressUI(progressW)
		obs = ui
	}

	rr, err := run.ExecuteWithObserver(ctx, eff, nil, log, obs)
	if ui != nil {
		ui.Close()
	}
	if err != nil {
		code := 1
		if config.Code(err) != "" {
			code = 2
		}
		return &exitError{code: code, err: fmt.Errorf("收集图片地址失败：%w", err)}
	}

	if reportPath != "" {
		if err := writeReportFile(reportPath, rr); err != nil {
			emitReport(stdout, stderr, rr)
			return &exitError{code: 1, err: fmt.Errorf("写入报告失败：%w", err)}
		}
	}

	emitReport(stdout, stderr, rr)
	if interactive && reportPath != "" {
		fmt.Fprintf(progressW, "report: %s\n", reportPath)
	}
	if rr.Completed && rr.Summary.Failed == 0 {
		return nil
	}
	return &exitError{code: 1}
}

// newLogger 按 zap 的生产配置构造日志；交互终端用 console 编码，其余保持 JSON。
func newLogger(w io.Writer, verbose, console bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if console {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	}

	var enc zapcore.Encoder
	switch cfg.Encoding {
	case "console":
		enc = zapcore.NewConsoleEncoder(cfg.EncoderConfig)
	case "json":
		enc = zapcore.NewJSONEncoder(cfg.EncoderConfig)
	default:
		return nil, fmt.Errorf("未知日志编码：%q", cfg.Encoding)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), cfg.Level)
	return zap.New(core, zap.ErrorOutput(zapcore.Lock(zapcore.AddSync(w)))), nil
}

func emitReport(stdout, stderr io.Writer, rr domain.PreloadReport) {
	if isTTY(stdout) {
		fmt.Fprintln(stdout, summaryLine(rr))
		for _, it := range rr.Items {
			if it.Status != domain.StatusFailed {
				continue
			}
			fmt.Fprintf(stderr, "[%d] %s %s: %s\n", it.Index, it.URL, it.ErrorCode, it.ErrorMsg)
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 PreloadReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(stdout)
	_ = enc.Encode(rr)
	fmt.Fprintln(stderr, summaryLine(rr))
}

func summaryLine(rr domain.PreloadReport) string {
	state := "完成"
	if !rr.Completed {
		state = "已中断"
	}
	return fmt.Sprintf("%s：total=%d loaded=%d failed=%d skipped=%d",
		state, rr.Summary.Total, rr.Summary.Loaded, rr.Summary.Failed, rr.Summary.Skipped,
	)
}

func writeReportFile(path string, rr domain.PreloadReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomic(path, b)
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter(stdout, stderr io.Writer) (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(stderr) {
		return stderr, true
	}
	// 某些环境（例如仅重定向 stderr）下，stdout 仍是 TTY：退化输出到 stdout。
	if isTTY(stdout) {
		return stdout, true
	}
	return nil, false
}
