package run

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/John-Robertt/binimg/internal/config"
	"github.com/John-Robertt/binimg/internal/container"
	"github.com/John-Robertt/binimg/internal/domain"
	"github.com/John-Robertt/binimg/internal/infra/imgx"
)

type fixture struct {
	root string
	eff  config.EffectiveConfig
}

func newFixture(t *testing.T, labelText string) fixture {
	t.Helper()
	root := t.TempDir()
	eff := config.EffectiveConfig{
		LabelsPath:        filepath.Join(root, "labels.txt"),
		SourceDir:         filepath.Join(root, "source"),
		DestDir:           filepath.Join(root, "destination"),
		FileConcurrency:   2,
		RecordConcurrency: 3,
		LogLevel:          "warn",
	}
	writeFile(t, eff.LabelsPath, []byte(labelText))
	if err := os.MkdirAll(eff.SourceDir, 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	return fixture{root: root, eff: eff}
}

func (fx fixture) container(t *testing.T, name string, data []byte) {
	t.Helper()
	writeFile(t, filepath.Join(fx.eff.SourceDir, name), data)
}

func record(label, fill byte) []byte {
	b := bytes.Repeat([]byte{fill}, container.RecordSize)
	b[0] = label
	return b
}

func listBMP(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir %q 失败：%v", dir, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

func fileResult(t *testing.T, rr domain.RunReport, src string) domain.FileResult {
	t.Helper()
	for _, f := range rr.Files {
		if f.Src == src {
			return f
		}
	}
	t.Fatalf("report 中没有 %q：%+v", src, rr.Files)
	return domain.FileResult{}
}

func TestExecute_CatDogScenario(t *testing.T) {
	fx := newFixture(t, "cat\ndog\n")
	fx.container(t, "batch.bin", record(1, 0x00))

	rr := Execute(context.Background(), fx.eff)
	if !rr.OK() {
		t.Fatalf("不期望失败：summary=%+v files=%+v", rr.Summary, rr.Files)
	}

	dogs := listBMP(t, filepath.Join(fx.eff.DestDir, "dog"))
	if len(dogs) != 1 || !strings.HasSuffix(dogs[0], ".bmp") {
		t.Fatalf("dog/ 应恰好有 1 个 bmp：%v", dogs)
	}
	if cats := listBMP(t, filepath.Join(fx.eff.DestDir, "cat")); len(cats) != 0 {
		t.Fatalf("cat/ 应存在且为空：%v", cats)
	}

	b, err := os.ReadFile(filepath.Join(fx.eff.DestDir, "dog", dogs[0]))
	if err != nil {
		t.Fatalf("读取产物失败：%v", err)
	}
	px, err := imgx.DecodeRGB(b)
	if err != nil {
		t.Fatalf("解码产物失败：%v", err)
	}
	if !bytes.Equal(px, make([]byte, domain.PixelBytes)) {
		t.Fatalf("产物应为全黑 256x256")
	}

	want := domain.ReportSummary{FilesOK: 1, Records: 1, Written: 1}
	if rr.Summary != want {
		t.Fatalf("summary 不符合预期：got=%+v want=%+v", rr.Summary, want)
	}
}

func TestExecute_EmptyContainer(t *testing.T) {
	fx := newFixture(t, "cat\ndog\n")
	fx.container(t, "empty.bin", nil)

	rr := Execute(context.Background(), fx.eff)
	if !rr.OK() {
		t.Fatalf("空容器不应失败：%+v", rr.Files)
	}
	f := fileResult(t, rr, "empty.bin")
	if f.Status != domain.FileStatusOK || f.Records != 0 || f.Written != 0 {
		t.Fatalf("空容器结果不符合预期：%+v", f)
	}
	for _, l := range []string{"cat", "dog"} {
		if got := listBMP(t, filepath.Join(fx.eff.DestDir, l)); len(got) != 0 {
			t.Fatalf("%s/ 应为空：%v", l, got)
		}
	}
}

func TestExecute_ManyRecordsLandInTheirLabelDirs(t *testing.T) {
	fx := newFixture(t, "a\nb\nc\n")

	var data []byte
	want := map[string]int{}
	for i := 0; i < 7; i++ {
		l := byte(i % 3)
		data = append(data, record(l, byte(i))...)
		want[string(rune('a'+l))]++
	}
	fx.container(t, "x.bin", data)
	fx.container(t, "y.bin", record(2, 0xff))
	want["c"]++

	rr := Execute(context.Background(), fx.eff)
	if !rr.OK() {
		t.Fatalf("不期望失败：%+v", rr.Files)
	}
	for label, n := range want {
		if got := listBMP(t, filepath.Join(fx.eff.DestDir, label)); len(got) != n {
			t.Fatalf("%s/ 期望 %d 个文件，实际 %d", label, n, len(got))
		}
	}
	if rr.Summary.Records != 8 || rr.Summary.Written != 8 {
		t.Fatalf("summary 不符合预期：%+v", rr.Summary)
	}
}

func TestExecute_CorruptFileDoesNotAbortOthers(t *testing.T) {
	fx := newFixture(t, "cat\ndog\n")

	bad := append(record(0, 1), record(1, 1)[:100]...)
	fx.container(t, "bad.bin", bad)
	fx.container(t, "good.bin", append(record(1, 2), record(1, 3)...))

	rr := Execute(context.Background(), fx.eff)
	if rr.OK() {
		t.Fatalf("存在损坏文件时 OK() 不应为 true")
	}

	b := fileResult(t, rr, "bad.bin")
	if b.Status != domain.FileStatusCorrupt || b.ErrorCode != domain.ErrCodeCorruptRecord {
		t.Fatalf("bad.bin 应报告损坏：%+v", b)
	}
	// 损坏点之前的完整记录仍然写出。
	if b.Records != 1 || b.Written != 1 {
		t.Fatalf("bad.bin 完整记录应被处理：%+v", b)
	}

	g := fileResult(t, rr, "good.bin")
	if g.Status != domain.FileStatusOK || g.Written != 2 {
		t.Fatalf("good.bin 不应受影响：%+v", g)
	}
	if got := listBMP(t, filepath.Join(fx.eff.DestDir, "dog")); len(got) != 2 {
		t.Fatalf("dog/ 期望 2 个文件，实际 %d", len(got))
	}
	if rr.Summary.FilesCorrupt != 1 || rr.Summary.FilesOK != 1 {
		t.Fatalf("summary 不符合预期：%+v", rr.Summary)
	}
}

func TestExecute_LabelOutOfRangeAbortsOnlyThatFile(t *testing.T) {
	fx := newFixture(t, "cat\ndog\n")
	fx.container(t, "mismatch.bin", append(record(0, 0), record(7, 0)...))
	fx.container(t, "ok.bin", record(0, 0))

	rr := Execute(context.Background(), fx.eff)

	m := fileResult(t, rr, "mismatch.bin")
	if m.Status != domain.FileStatusFailed || m.ErrorCode != domain.ErrCodeLabelOutOfRange {
		t.Fatalf("mismatch.bin 应报告 label 越界：%+v", m)
	}
	if !strings.Contains(m.ErrorMsg, "label index out of range") {
		t.Fatalf("错误信息应说明越界：%q", m.ErrorMsg)
	}
	if o := fileResult(t, rr, "ok.bin"); o.Status != domain.FileStatusOK {
		t.Fatalf("ok.bin 不应受影响：%+v", o)
	}
	if got := listBMP(t, filepath.Join(fx.eff.DestDir, "cat")); len(got) != 2 {
		t.Fatalf("cat/ 期望 2 个文件（越界前的记录也写出），实际 %d", len(got))
	}
}

func TestExecute_IdempotentRerun(t *testing.T) {
	fx := newFixture(t, "cat\ndog\n")
	fx.container(t, "batch.bin", append(record(0, 0), record(1, 0)...))

	first := Execute(context.Background(), fx.eff)
	if !first.OK() {
		t.Fatalf("第一次运行失败：%+v", first.Files)
	}
	before := listBMP(t, filepath.Join(fx.eff.DestDir, "cat"))

	second := Execute(context.Background(), fx.eff)
	if !second.OK() {
		t.Fatalf("第二次运行失败：%+v", second.Files)
	}
	after := listBMP(t, filepath.Join(fx.eff.DestDir, "cat"))

	if len(after) != 1 || len(before) != 1 {
		t.Fatalf("cat/ 每次都应恰好 1 个文件：before=%v after=%v", before, after)
	}
	if before[0] == after[0] {
		t.Fatalf("第一次运行的产物不应残留：%q", before[0])
	}
}

func TestExecute_OpenFailureIsPerFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root 可以读取无权限文件")
	}
	fx := newFixture(t, "cat\n")
	fx.container(t, "locked.bin", record(0, 0))
	fx.container(t, "open.bin", record(0, 0))
	if err := os.Chmod(filepath.Join(fx.eff.SourceDir, "locked.bin"), 0); err != nil {
		t.Fatalf("chmod 失败：%v", err)
	}

	rr := Execute(context.Background(), fx.eff)
	if l := fileResult(t, rr, "locked.bin"); l.ErrorCode != domain.ErrCodeOpenFailed {
		t.Fatalf("locked.bin 应报告 open_failed：%+v", l)
	}
	if o := fileResult(t, rr, "open.bin"); o.Status != domain.FileStatusOK {
		t.Fatalf("open.bin 不应受影响：%+v", o)
	}
}

func TestExecute_SetupFailures(t *testing.T) {
	t.Run("labels", func(t *testing.T) {
		fx := newFixture(t, "cat\n")
		fx.eff.LabelsPath = filepath.Join(fx.root, "missing.txt")

		rr := Execute(context.Background(), fx.eff)
		assertSetupFailed(t, rr, domain.ErrCodeLabelsFailed)
		if _, err := os.Stat(fx.eff.DestDir); !os.IsNotExist(err) {
			t.Fatalf("labels 失败时不应创建输出目录，Stat err=%v", err)
		}
	})

	t.Run("scan", func(t *testing.T) {
		fx := newFixture(t, "cat\n")
		fx.eff.SourceDir = filepath.Join(fx.root, "no-source")
		// 旧产物在源目录不可用时应保留。
		old := filepath.Join(fx.eff.DestDir, "cat", "old.bmp")
		writeFile(t, old, []byte("x"))

		rr := Execute(context.Background(), fx.eff)
		assertSetupFailed(t, rr, domain.ErrCodeScanFailed)
		if _, err := os.Stat(old); err != nil {
			t.Fatalf("scan 失败时不应删除旧产物：%v", err)
		}
	})

	t.Run("tree", func(t *testing.T) {
		fx := newFixture(t, "cat\n../escape\n")
		fx.container(t, "batch.bin", record(0, 0))

		rr := Execute(context.Background(), fx.eff)
		assertSetupFailed(t, rr, domain.ErrCodeTreeFailed)
	})
}

func assertSetupFailed(t *testing.T, rr domain.RunReport, code string) {
	t.Helper()
	if rr.OK() {
		t.Fatalf("setup 失败时 OK() 不应为 true")
	}
	if len(rr.Files) != 1 || rr.Files[0].Src != "" || rr.Files[0].ErrorCode != code {
		t.Fatalf("期望单个 %q 合成失败项，实际：%+v", code, rr.Files)
	}
}

func TestExecute_CanceledContext(t *testing.T) {
	fx := newFixture(t, "cat\n")
	fx.container(t, "a.bin", record(0, 0))
	fx.container(t, "b.bin", record(0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rr := Execute(ctx, fx.eff)
	if rr.OK() {
		t.Fatalf("取消的运行不应视为成功")
	}
	for _, f := range rr.Files {
		if f.ErrorCode != domain.ErrCodeCanceled && f.ErrorCode != domain.ErrCodeTreeFailed {
			t.Fatalf("期望 canceled（或目录树初始化被取消），实际：%+v", f)
		}
	}
}

type recordObserver struct {
	mu sync.Mutex

	startCalls int
	phases     []string
	started    []string
	done       []int
	records    int
}

func (o *recordObserver) OnStart(eff config.EffectiveConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startCalls++
}

func (o *recordObserver) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, name)
}

func (o *recordObserver) OnFileStart(idx, total int, f domain.ContainerFile) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, f.Name)
}

func (o *recordObserver) OnRecordDone(src string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records++
}

func (o *recordObserver) OnFileDone(idx, total int, res domain.FileResult, dur time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done = append(o.done, idx)
}

func TestExecuteWithObserver_EmitsEvents(t *testing.T) {
	fx := newFixture(t, "cat\ndog\n")
	fx.container(t, "a.bin", append(record(0, 0), record(1, 0)...))
	fx.container(t, "b.bin", record(1, 0))

	obs := &recordObserver{}
	rr := ExecuteWithObserver(context.Background(), fx.eff, obs)
	if !rr.OK() {
		t.Fatalf("不期望失败：%+v", rr.Files)
	}

	if obs.startCalls != 1 {
		t.Fatalf("期望 OnStart 调用 1 次，实际 %d", obs.startCalls)
	}
	wantPhases := []string{"labels", "scan", "reset", "extract"}
	if !reflect.DeepEqual(obs.phases, wantPhases) {
		t.Fatalf("阶段事件不符合预期：got=%v want=%v", obs.phases, wantPhases)
	}
	sort.Strings(obs.started)
	if !reflect.DeepEqual(obs.started, []string{"a.bin", "b.bin"}) {
		t.Fatalf("文件开始事件不符合预期：%v", obs.started)
	}
	if !reflect.DeepEqual(obs.done, []int{1, 2}) {
		t.Fatalf("完成序号应按完成顺序递增：%v", obs.done)
	}
	if obs.records != 3 {
		t.Fatalf("期望 3 次记录事件，实际 %d", obs.records)
	}
}

func TestExecuteWithObserver_NilObserver_SameResultAsExecute(t *testing.T) {
	fx := newFixture(t, "cat\n")
	fx.container(t, "a.bin", record(0, 0))

	a := Execute(context.Background(), fx.eff)
	b := ExecuteWithObserver(context.Background(), fx.eff, nil)

	// 时间字段本身允许有微小差异；对比时归零。
	a.StartedAt, a.FinishedAt, a.ElapsedMS = time.Time{}, time.Time{}, 0
	b.StartedAt, b.FinishedAt, b.ElapsedMS = time.Time{}, time.Time{}, 0

	if !reflect.DeepEqual(a, b) {
		t.Fatalf("nil observer 不应改变结果：\nExecute=%+v\nWithObs=%+v", a, b)
	}
}

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}
}
