package output

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/John-Robertt/binimg/internal/infra/fsx"
)

// Ext 是产物文件的扩展名。
const Ext = ".bmp"

// WriteError 表示某张图片写入失败；带上 label 与生成的文件名，便于定位。
type WriteError struct {
	Label string
	Name  string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("写入 %s/%s 失败：%v", e.Label, e.Name, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Writer 把编码好的图片写到 <Root>/<label>/<随机 id>.bmp。
//
// 约束：
// - 文件名用 UUIDv4 生成：并发写入之间没有中心化的序号分配者，计数器不可行
// - label 目录必须已经存在（由目录树初始化保证）；这里不会补建目录
// - 返回 nil 时数据已 fsync
//
// Writer 可以被多个 goroutine 同时使用。
type Writer struct {
	Root string

	// NewName 生成不带扩展名的文件名；为 nil 时使用 uuid.NewString。
	NewName func() string
}

// New 返回写入 root 的 Writer。
func New(root string) *Writer {
	return &Writer{Root: filepath.Clean(root)}
}

// Write 写入一张图片，返回最终文件的绝对路径。
func (w *Writer) Write(label string, img []byte) (string, error) {
	gen := w.NewName
	if gen == nil {
		gen = uuid.NewString
	}
	name := gen() + Ext
	dir := filepath.Join(w.Root, label)

	if err := fsx.WriteFileAtomicNoOverwrite(dir, name, img); err != nil {
		return "", &WriteError{Label: label, Name: name, Err: err}
	}
	return filepath.Join(dir, name), nil
}
