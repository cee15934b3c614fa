package container

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/John-Robertt/binimg/internal/domain"
)

// RecordSize 是单条记录在容器中的字节数：1 字节 label + 像素块。
const RecordSize = 1 + domain.PixelBytes

// CorruptError 表示容器末尾存在“有 label 字节但像素块不完整”的记录。
// 它与干净的 EOF 必须区分开：前者说明容器格式损坏。
type CorruptError struct {
	Offset int64 // 残缺记录的起始偏移（label 字节所在位置）
	Label  byte
	Got    int
	Want   int
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("容器已损坏：偏移 %d 处的记录（label=%d）像素块不完整，读到 %d/%d 字节", e.Offset, e.Label, e.Got, e.Want)
}

// IsCorrupt 判断 err 是否为 CorruptError。
func IsCorrupt(err error) bool {
	var e *CorruptError
	return errors.As(err, &e)
}

// RecordError 给记录级错误（label 越界、底层读失败）附加记录位置。
type RecordError struct {
	Index  int
	Offset int64
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("记录 #%d（偏移 %d）：%v", e.Index, e.Offset, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Reader 顺序解析一个容器文件中的记录。
//
// 格式：无文件头、无记录数、无长度字段，record := label(1) pixels(256*256*3)，重复到 EOF。
// 状态：等待 label -> 等待像素块 -> 循环；终态为 Done（io.EOF）或 Corrupt（*CorruptError）。
//
// Reader 不是并发安全的：一个容器只由一个 goroutine 读取。
type Reader struct {
	r      *bufio.Reader
	labels domain.LabelTable

	offset  int64
	records int
	done    bool
	err     error
}

// NewReader 在 r 上创建 Reader；labels 用于把 label 字节解析为类别名。
func NewReader(r io.Reader, labels domain.LabelTable) *Reader {
	return &Reader{
		r:      bufio.NewReaderSize(r, RecordSize),
		labels: labels,
	}
}

// Open 打开容器文件并返回 Reader；调用方负责 Close 返回的 io.Closer。
func Open(path string, labels domain.LabelTable) (*Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return NewReader(f, labels), f, nil
}

// Next 返回下一条记录及其类别名。
//
// - 恰好在记录边界遇到 EOF：返回 io.EOF（正常结束）
// - label 字节后像素块不完整：返回 *CorruptError
// - label 字节超出 LabelTable：返回包裹 *domain.LabelRangeError 的 *RecordError
//
// 一旦返回非 nil error，后续调用都返回同一个 error。
func (r *Reader) Next() (domain.Record, string, error) {
	if r.err != nil {
		return domain.Record{}, "", r.err
	}

	start := r.offset

	var label [1]byte
	n, err := io.ReadFull(r.r, label[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			r.done = true
			return r.fail(io.EOF)
		}
		return r.fail(&RecordError{Index: r.records, Offset: start, Err: err})
	}
	r.offset++

	pixels := make([]byte, domain.PixelBytes)
	n, err = io.ReadFull(r.r, pixels)
	r.offset += int64(n)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return r.fail(&CorruptError{Offset: start, Label: label[0], Got: n, Want: domain.PixelBytes})
		}
		return r.fail(&RecordError{Index: r.records, Offset: start, Err: err})
	}

	name, err := r.labels.Lookup(label[0])
	if err != nil {
		return r.fail(&RecordError{Index: r.records, Offset: start, Err: err})
	}

	r.records++
	return domain.Record{Label: label[0], Pixels: pixels}, name, nil
}

// Records 返回目前为止成功解析的记录数。
func (r *Reader) Records() int { return r.records }

// Done 表示是否已在记录边界干净地读到 EOF。
func (r *Reader) Done() bool { return r.done }

func (r *Reader) fail(err error) (domain.Record, string, error) {
	r.err = err
	return domain.Record{}, "", err
}
