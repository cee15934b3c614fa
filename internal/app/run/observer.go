package run

import (
	"time"

	"github.com/John-Robertt/binimg/internal/config"
	"github.com/John-Robertt/binimg/internal/domain"
)

// Observer 用于把“运行进度/阶段/文件结果”从核心执行流程中解耦出来。
//
// 约束：
// - run 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - Observer 的实现必须并发安全：事件来自多个 goroutine。
// - OnRecordDone 调用频率很高，实现只应做计数之类的轻量操作。
type Observer interface {
	// OnStart 在 ExecuteWithObserver 开始时调用。
	OnStart(eff config.EffectiveConfig)
	// OnPhaseDone 在阶段结束/就绪时调用（labels/scan/reset/extract）。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnFileStart 在某个容器文件开始处理时调用；idx 为扫描顺序（从 1 开始）。
	OnFileStart(idx, total int, f domain.ContainerFile)
	// OnRecordDone 在单条记录编码+写入结束时调用。
	OnRecordDone(src string, ok bool)
	// OnFileDone 在某个容器文件处理完成时调用；idx 为完成顺序（从 1 开始）。
	OnFileDone(idx, total int, res domain.FileResult, dur time.Duration)
}
