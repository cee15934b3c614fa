package tree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/binimg/internal/domain"
)

// mkdirLimit 限制并发 mkdir 的数量（label 可能有上百个）。
const mkdirLimit = 16

// 通过可替换的函数指针，让测试能稳定模拟 mkdir/删除失败。
var (
	removeAllFunc = os.RemoveAll
	mkdirAllFunc  = os.MkdirAll
)

// InvalidLabelError 表示某个 label 不能作为单级目录名（会逃逸出输出根目录）。
type InvalidLabelError struct {
	Index int
	Label string
}

func (e *InvalidLabelError) Error() string {
	return fmt.Sprintf("label #%d %q 不能作为目录名（不允许 \".\"、\"..\" 或包含路径分隔符）", e.Index, e.Label)
}

// Reset 初始化输出目录树：删除旧的 root，然后为每个 label 创建 <root>/<label>/。
//
// 约束：
// - Reset 返回 nil 之前，不允许任何写入任务开始（这是屏障，不是 best-effort）
// - 任意一个目录创建失败都视为致命：半初始化的目录树无法安全重试
// - root 不存在不算错误；其他删除失败必须返回，不能吞掉
func Reset(ctx context.Context, root string, table domain.LabelTable) error {
	root = filepath.Clean(root)
	if err := validateRoot(root); err != nil {
		return err
	}

	names := table.Names()
	for i, name := range names {
		if !validLabel(name) {
			return &InvalidLabelError{Index: i, Label: name}
		}
	}

	if err := removeAllFunc(root); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除旧输出目录 %q 失败：%w", root, err)
	}
	if err := mkdirAllFunc(root, 0o755); err != nil {
		return fmt.Errorf("创建输出目录 %q 失败：%w", root, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mkdirLimit)
	for _, name := range names {
		dir := filepath.Join(root, name)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := mkdirAllFunc(dir, 0o755); err != nil {
				return fmt.Errorf("创建 label 目录 %q 失败：%w", dir, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// LabelDir 返回 label 对应的输出目录。
func LabelDir(root, label string) string {
	return filepath.Join(filepath.Clean(root), label)
}

func validateRoot(root string) error {
	// 防止把 "." 或文件系统根当作输出目录整体删掉。
	if root == "." || root == string(filepath.Separator) || root == filepath.VolumeName(root)+string(filepath.Separator) {
		return fmt.Errorf("输出目录 %q 不安全：拒绝删除", root)
	}
	return nil
}

// validLabel 要求 label 是单级目录名；空名称合法（对应 root 本身）。
func validLabel(name string) bool {
	if name == "." || name == ".." {
		return false
	}
	return !strings.ContainsRune(name, '/') && !strings.ContainsRune(name, filepath.Separator)
}
