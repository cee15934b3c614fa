package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/John-Robertt/binimg/internal/app/run"
	"github.com/John-Robertt/binimg/internal/config"
	"github.com/John-Robertt/binimg/internal/domain"
	"github.com/John-Robertt/binimg/internal/infra/fsx"
	"github.com/John-Robertt/binimg/internal/verify"
)

func main() {
	args := os.Args[1:]

	// 无参运行：使用固定的默认位置（./food_label.txt、./source、./destination）。
	if len(args) == 0 {
		os.Exit(runCmd(nil))
	}
	if isHelp(args[0]) {
		printUsage()
		return
	}

	switch args[0] {
	case "run":
		if code := runCmd(args[1:]); code != 0 {
			os.Exit(code)
		}
	case "verify":
		if code := verifyCmd(args[1:]); code != 0 {
			os.Exit(code)
		}
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printRunUsage()
			return 0
		}
	}

	cli, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printRunUsage()
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}

	eff, err := config.LoadEffective(cwd, cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	setupLogger(os.Stderr, eff.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progressW, interactive := pickProgressWriter()
	var obs run.Observer
	if interactive {
		ui := newProgressUI(progressW)
		defer ui.Stop()
		obs = ui
	}

	rr := run.ExecuteWithObserver(ctx, eff, obs)

	code := 0
	if !rr.OK() {
		code = 1
	}
	if eff.ReportPath != "" {
		if err := writeReportFile(eff.ReportPath, rr); err != nil {
			fmt.Fprintf(os.Stderr, "写入 report 失败：%v\n", err)
			code = 1
		}
	}

	emitReport(rr)
	return code
}

func parseRunArgs(args []string) (config.CLIArgs, error) {
	cli := config.CLIArgs{}

	for i := 0; i < len(args); i++ {
		a := args[i]

		key, val, hasVal := strings.Cut(a, "=")
		switch key {
		case "--labels", "--source", "--dest", "--report", "--files", "--records":
		default:
			return config.CLIArgs{}, fmt.Errorf("未知参数 %q", a)
		}
		if !hasVal {
			if i+1 >= len(args) {
				return config.CLIArgs{}, fmt.Errorf("%s 需要一个值", key)
			}
			i++
			val = args[i]
		}
		if strings.TrimSpace(val) == "" {
			return config.CLIArgs{}, fmt.Errorf("%s 不能为空", key)
		}

		switch key {
		case "--labels":
			cli.Labels = val
		case "--source":
			cli.Source = val
		case "--dest":
			cli.Dest = val
		case "--report":
			cli.Report = val
		case "--files", "--records":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return config.CLIArgs{}, fmt.Errorf("%s 必须是正整数，实际是 %q", key, val)
			}
			if key == "--files" {
				cli.Files, cli.FilesSet = n, true
			} else {
				cli.Records, cli.RecordsSet = n, true
			}
		}
	}
	return cli, nil
}

func verifyCmd(args []string) int {
	if len(args) == 1 && isHelp(args[0]) {
		printUsage()
		return 0
	}
	if len(args) > 1 {
		fmt.Fprintf(os.Stderr, "参数错误：verify 最多接受一个目录\n\n")
		printUsage()
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}
	cli := config.CLIArgs{}
	if len(args) == 1 {
		cli.Dest = args[0]
	}
	eff, err := config.LoadEffective(cwd, cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	res, err := verify.Tree(context.Background(), eff.DestDir, eff.RecordConcurrency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "校验失败：%v\n", err)
		return 1
	}

	if isTTY(os.Stdout) {
		fmt.Fprintf(os.Stdout, "校验：labels=%d images=%d problems=%d\n", len(res.Labels), res.Images, len(res.Problems))
	} else {
		_ = json.NewEncoder(os.Stdout).Encode(res)
	}
	for _, p := range res.Problems {
		fmt.Fprintf(os.Stderr, "%s: %s\n", p.Path, p.Err)
	}
	if !res.OK() {
		return 1
	}
	return 0
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  binimg                 使用默认位置运行（等价于 binimg run）
  binimg run [flags]     从容器文件提取图片到 <dest>/<label>/<id>.bmp
  binimg verify [dest]   解码校验输出目录中的每个 bmp

使用 "binimg run --help" 查看详细说明。
`)
}

func printRunUsage() {
	fmt.Fprintf(os.Stdout, `用法：
  binimg run [--labels PATH] [--source DIR] [--dest DIR] [--files N] [--records N] [--report PATH]

参数：
  --labels   label 列表文件，每行一个（默认 %s）
  --source   容器文件所在目录（默认 %s）
  --dest     输出目录；每次运行前会被整体删除重建（默认 %s）
  --files    同时处理的容器文件数（默认 %d）
  --records  每个文件内同时编码/写入的记录数（默认 CPU 核数）
  --report   额外把 report JSON 写入该文件
  -h, --help 显示帮助

未指定的项读取当前目录下的 %s（可选）。
`, config.DefaultLabelsPath, config.DefaultSourceDir, config.DefaultDestDir, config.DefaultFileConcurrency, config.FileName)
}

func setupLogger(w io.Writer, level string) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})))
}

func emitReport(rr domain.RunReport) {
	writeReport(os.Stdout, os.Stderr, isTTY(os.Stdout), rr)
}

// writeReport 按输出约定落地 RunReport：
// - stdout 是 TTY：摘要 + 失败明细（逐文件进度已由 progressUI 打印）
// - 否则：stdout 只输出一个 RunReport JSON；逐文件结果行与摘要走 stderr
func writeReport(stdout, stderr io.Writer, tty bool, rr domain.RunReport) {
	summary := fmt.Sprintf("完成：files ok=%d corrupt=%d failed=%d records=%d written=%d record_errors=%d elapsed=%s",
		rr.Summary.FilesOK, rr.Summary.FilesCorrupt, rr.Summary.FilesFailed,
		rr.Summary.Records, rr.Summary.Written, rr.Summary.RecordErrors, rr.Elapsed(),
	)

	if tty {
		fmt.Fprintln(stdout, summary)
		for _, f := range rr.Files {
			if f.Status == domain.FileStatusOK {
				continue
			}
			writeFileLine(stderr, f)
			for _, re := range f.RecordErrors {
				fmt.Fprintf(stderr, "  #%d %s/%s %s: %s\n", re.Index, re.Label, re.Name, re.ErrorCode, re.ErrorMsg)
			}
		}
		return
	}

	enc := json.NewEncoder(stdout)
	_ = enc.Encode(rr)
	for _, f := range rr.Files {
		writeFileLine(stderr, f)
	}
	fmt.Fprintln(stderr, summary)
}

func writeFileLine(w io.Writer, f domain.FileResult) {
	key := f.Src
	if key == "" {
		key = "<setup>"
	}
	if f.Status == domain.FileStatusOK {
		fmt.Fprintf(w, "%s ok records=%d written=%d\n", key, f.Records, f.Written)
		return
	}
	fmt.Fprintf(w, "%s %s %s records=%d written=%d: %s\n", key, f.Status, f.ErrorCode, f.Records, f.Written, f.ErrorMsg)
}

func writeReportFile(path string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomicReplace(filepath.Dir(path), filepath.Base(path), b)
}

func isTTY(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	// 某些环境（例如仅重定向 stderr）下，stdout 仍是 TTY：退化输出到 stdout。
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}
