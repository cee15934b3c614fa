package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/binimg/internal/app/run"
	"github.com/John-Robertt/binimg/internal/config"
	"github.com/John-Robertt/binimg/internal/domain"
)

var _ run.Observer = (*progressUI)(nil)

// progressUI 是交互终端下的进度输出。
//
// 设计目标：
// - 所有过程信息写到 stderr（或 fallback 到 stdout），不污染 stdout 的 JSON 输出契约
// - 事件驱动：run 层只发事件，CLI 决定如何展示
// - keepalive：大文件长时间没有完成时也会定期输出一行
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	fileWorkers int
	total       int
	done        int
	ok          int
	corrupt     int
	fail        int
	records     int
	recordFails int

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	fmt.Fprintf(p.w, "[%s] binimg run\n", now.Format("15:04:05"))
	fmt.Fprintln(p.w, "配置（生效）:")
	fmt.Fprintf(p.w, "  labels: %s\n", eff.LabelsPath)
	fmt.Fprintf(p.w, "  source: %s\n", eff.SourceDir)
	fmt.Fprintf(p.w, "  dest: %s (将被删除重建)\n", eff.DestDir)
	fmt.Fprintf(p.w, "  concurrency: files=%d records=%d\n", eff.FileConcurrency, eff.RecordConcurrency)
	if eff.ReportPath != "" {
		fmt.Fprintf(p.w, "  report: %s\n", eff.ReportPath)
	}
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "labels":
		fmt.Fprintf(p.w, "标签: labels=%d (%s)\n", intField(fields, "labels"), formatShortDuration(dur))
	case "scan":
		fmt.Fprintf(p.w, "扫描: files=%d (%s)\n", intField(fields, "files"), formatShortDuration(dur))
	case "reset":
		fmt.Fprintf(p.w, "目录: dirs=%d (%s)\n", intField(fields, "dirs"), formatShortDuration(dur))
	case "extract":
		p.fileWorkers = intField(fields, "file_workers")
		p.total = intField(fields, "total_files")
		fmt.Fprintf(p.w, "提取: file_workers=%d record_workers=%d total_files=%d\n\n",
			p.fileWorkers, intField(fields, "record_workers"), p.total,
		)
		if p.total > 0 && !p.tickerStarted {
			p.startTickerLocked()
		}
	default:
		// 兜底：未知阶段也不要静默（便于调试/演进）。
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnFileStart(idx, total int, f domain.ContainerFile) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.w, "处理 %s (%s)\n", f.Name, formatBytes(f.Size))
	p.lastPrinted = time.Now()
}

func (p *progressUI) OnRecordDone(src string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.records++
	if !ok {
		p.recordFails++
	}
}

func (p *progressUI) OnFileDone(idx, total int, res domain.FileResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// idx/total 由 run 层给出；这里同时维护自己的计数，供 keepalive 使用。
	p.done = idx
	p.total = total

	var status string
	switch res.Status {
	case domain.FileStatusOK:
		p.ok++
		status = "OK"
	case domain.FileStatusCorrupt:
		p.corrupt++
		status = "CORRUPT"
	default:
		p.fail++
		status = "FAIL"
	}

	if res.Status == domain.FileStatusOK {
		fmt.Fprintf(p.w, "[%d/%d] %s %s records=%d written=%d (%s)\n",
			idx, total, res.Src, status, res.Records, res.Written, formatShortDuration(dur),
		)
	} else {
		fmt.Fprintf(p.w, "[%d/%d] %s %s %s: %s records=%d written=%d (%s)\n",
			idx, total, res.Src, status, res.ErrorCode, truncate(res.ErrorMsg, 160), res.Records, res.Written, formatShortDuration(dur),
		)
	}

	p.lastPrinted = time.Now()

	// 最后一个文件完成：停止 ticker，避免在结束打印后又冒出 keepalive。
	if p.done >= p.total {
		p.stopTickerLocked()
	}
}

// Stop 停止 keepalive ticker（运行因 setup 失败提前结束时 OnFileDone 不会触发）。
func (p *progressUI) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTickerLocked()
}

func (p *progressUI) stopTickerLocked() {
	if p.tickerStarted {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}
	stopCh := p.stopCh

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if time.Since(p.lastPrinted) > threshold {
					p.printProgressLocked()
				}
				p.mu.Unlock()
			case <-stopCh:
				return
			}
		}
	}()
}

func (p *progressUI) printProgressLocked() {
	active := p.fileWorkers
	if remain := p.total - p.done; remain < active {
		active = remain
	}
	fmt.Fprintf(p.w, "进度: files=%d/%d ok=%d corrupt=%d fail=%d active=%d records=%d record_fail=%d elapsed=%s\n",
		p.done, p.total, p.ok, p.corrupt, p.fail, active, p.records, p.recordFails, formatElapsed(time.Since(p.startedAt)),
	)
	p.lastPrinted = time.Now()
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	v, ok := fields[key]
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	default:
		return 0
	}
}
