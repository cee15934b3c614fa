package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/binimg/internal/config"
	"github.com/John-Robertt/binimg/internal/container"
	"github.com/John-Robertt/binimg/internal/domain"
	"github.com/John-Robertt/binimg/internal/infra/imgx"
	"github.com/John-Robertt/binimg/internal/labels"
	"github.com/John-Robertt/binimg/internal/output"
	"github.com/John-Robertt/binimg/internal/scan"
	"github.com/John-Robertt/binimg/internal/tree"
)

// Execute 执行一次提取，并返回对外稳定的 RunReport。
// 该函数尽量把错误“降级”为文件/记录级失败（单个失败不影响其他）。
func Execute(ctx context.Context, eff config.EffectiveConfig) domain.RunReport {
	return ExecuteWithObserver(ctx, eff, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 以输出进度/阶段信息（由上层决定是否启用）。
//
// 流程：labels -> scan -> reset（目录树屏障）-> extract。
// setup 阶段（labels/scan/reset）任一失败都终止整次运行，且发生在任何写入之前。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, obs Observer) domain.RunReport {
	started := time.Now().UTC()

	if obs != nil {
		obs.OnStart(eff)
	}

	rr := domain.RunReport{
		Labels:    eff.LabelsPath,
		Source:    eff.SourceDir,
		Dest:      eff.DestDir,
		StartedAt: started,
		Files:     make([]domain.FileResult, 0, 64),
	}
	finish := func() domain.RunReport {
		rr.FinishedAt = time.Now().UTC()
		rr.Finalize()
		return rr
	}

	labelsStarted := time.Now()
	table, err := labels.Load(eff.LabelsPath)
	if err != nil {
		rr.Files = append(rr.Files, syntheticFailed(domain.ErrCodeLabelsFailed, err.Error()))
		return finish()
	}
	if obs != nil {
		obs.OnPhaseDone("labels", map[string]any{"labels": table.Len()}, time.Since(labelsStarted))
	}

	// 先扫描再重建目录树：源目录不可用时不应先把旧产物删掉。
	scanStarted := time.Now()
	files, err := scan.ScanContainers(eff.SourceDir)
	if err != nil {
		rr.Files = append(rr.Files, syntheticFailed(domain.ErrCodeScanFailed, err.Error()))
		return finish()
	}
	if obs != nil {
		obs.OnPhaseDone("scan", map[string]any{"files": len(files)}, time.Since(scanStarted))
	}

	resetStarted := time.Now()
	if err := tree.Reset(ctx, eff.DestDir, table); err != nil {
		rr.Files = append(rr.Files, syntheticFailed(domain.ErrCodeTreeFailed, err.Error()))
		return finish()
	}
	if obs != nil {
		obs.OnPhaseDone("reset", map[string]any{"dirs": table.Len()}, time.Since(resetStarted))
	}

	// 执行阶段：文件级并发（worker 上限 FileConcurrency），文件内记录再并发（上限 RecordConcurrency）。
	fileWorkers := max(eff.FileConcurrency, 1)
	recordWorkers := max(eff.RecordConcurrency, 1)

	if obs != nil {
		obs.OnPhaseDone("extract", map[string]any{
			"file_workers":   fileWorkers,
			"record_workers": recordWorkers,
			"total_files":    len(files),
		}, 0)
	}

	x := &extractor{
		table:   table,
		writer:  output.New(eff.DestDir),
		workers: recordWorkers,
		obs:     obs,
		log:     slog.Default(),
	}

	results := make([]domain.FileResult, len(files))

	var (
		mu   sync.Mutex
		done int
		g    errgroup.Group
	)
	g.SetLimit(fileWorkers)

	total := len(files)
	for i, f := range files {
		if ctx.Err() != nil {
			results[i] = canceledFile(f, ctx.Err())
			continue
		}
		// SetLimit 下 g.Go 会阻塞直到有空闲 worker：文件任务不会无限堆积。
		g.Go(func() error {
			if obs != nil {
				obs.OnFileStart(i+1, total, f)
			}
			oneStarted := time.Now()
			res := x.extractFile(ctx, f)
			results[i] = res

			mu.Lock()
			done++
			if obs != nil {
				obs.OnFileDone(done, total, res, time.Since(oneStarted))
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	rr.Files = append(rr.Files, results...)
	return finish()
}

type extractor struct {
	table   domain.LabelTable
	writer  *output.Writer
	workers int
	obs     Observer
	log     *slog.Logger
}

// extractFile 顺序解析一个容器文件，每条记录的编码+写入交给受限并发的 errgroup。
// 记录级失败只记录在结果里，不会取消同文件的其他记录。
func (x *extractor) extractFile(ctx context.Context, f domain.ContainerFile) domain.FileResult {
	res := domain.FileResult{
		Src:    f.Name,
		Status: domain.FileStatusOK,
	}

	if err := ctx.Err(); err != nil {
		return canceledFile(f, err)
	}

	r, closer, err := container.Open(f.AbsPath, x.table)
	if err != nil {
		res.Status = domain.FileStatusFailed
		res.ErrorCode = domain.ErrCodeOpenFailed
		res.ErrorMsg = fmt.Sprintf("打开容器失败：%v", err)
		return res
	}

	var (
		mu      sync.Mutex
		written int
		recErrs []domain.RecordError
		g       errgroup.Group
	)
	g.SetLimit(x.workers)

	var readErr error
	for {
		if err := ctx.Err(); err != nil {
			readErr = err
			break
		}
		rec, label, err := r.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}

		idx := r.Records() - 1
		g.Go(func() error {
			re := x.encodeAndWrite(idx, rec, label)

			mu.Lock()
			if re != nil {
				recErrs = append(recErrs, *re)
			} else {
				written++
			}
			mu.Unlock()

			if re != nil {
				x.log.Warn("record failed", "file", f.Name, "index", idx, "label", label, "code", re.ErrorCode, "err", re.ErrorMsg)
			}
			if x.obs != nil {
				x.obs.OnRecordDone(f.Name, re == nil)
			}
			return nil
		})
	}
	// 记录任务从不返回 error；这里等待的是“本文件所有记录都已落盘或已失败”。
	_ = g.Wait()

	closeErr := closer.Close()

	sort.Slice(recErrs, func(i, j int) bool { return recErrs[i].Index < recErrs[j].Index })
	res.Records = r.Records()
	res.Written = written
	res.RecordErrors = recErrs

	switch {
	case readErr != nil:
		fillReadError(&res, readErr)
	case len(recErrs) > 0:
		res.Status = domain.FileStatusFailed
		res.ErrorCode = domain.ErrCodeRecordsFailed
		res.ErrorMsg = fmt.Sprintf("%d/%d 条记录编码或写入失败", len(recErrs), res.Records)
	case closeErr != nil:
		res.Status = domain.FileStatusFailed
		res.ErrorCode = domain.ErrCodeReadFailed
		res.ErrorMsg = fmt.Sprintf("关闭容器失败：%v", closeErr)
	}

	x.log.Debug("file done", "file", f.Name, "status", res.Status, "records", res.Records, "written", res.Written)
	return res
}

func (x *extractor) encodeAndWrite(idx int, rec domain.Record, label string) *domain.RecordError {
	img, err := imgx.EncodeBMP(rec.Pixels)
	if err != nil {
		return &domain.RecordError{
			Index:     idx,
			Label:     label,
			ErrorCode: domain.ErrCodeEncodeFailed,
			ErrorMsg:  err.Error(),
		}
	}

	if _, err := x.writer.Write(label, img); err != nil {
		re := &domain.RecordError{
			Index:     idx,
			Label:     label,
			ErrorCode: domain.ErrCodeWriteFailed,
			ErrorMsg:  err.Error(),
		}
		var we *output.WriteError
		if errors.As(err, &we) {
			re.Name = we.Name
		}
		return re
	}
	return nil
}

func fillReadError(res *domain.FileResult, err error) {
	res.Status = domain.FileStatusFailed
	res.ErrorMsg = err.Error()

	var lre *domain.LabelRangeError
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		res.ErrorCode = domain.ErrCodeCanceled
	case container.IsCorrupt(err):
		res.Status = domain.FileStatusCorrupt
		res.ErrorCode = domain.ErrCodeCorruptRecord
	case errors.As(err, &lre):
		res.ErrorCode = domain.ErrCodeLabelOutOfRange
	default:
		res.ErrorCode = domain.ErrCodeReadFailed
	}
}

func canceledFile(f domain.ContainerFile, err error) domain.FileResult {
	return domain.FileResult{
		Src:       f.Name,
		Status:    domain.FileStatusFailed,
		ErrorCode: domain.ErrCodeCanceled,
		ErrorMsg:  fmt.Sprintf("未处理：%v", err),
	}
}

func syntheticFailed(code, msg string) domain.FileResult {
	return domain.FileResult{
		Src:       "",
		Status:    domain.FileStatusFailed,
		ErrorCode: code,
		ErrorMsg:  msg,
	}
}
