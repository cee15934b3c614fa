package domain

import "fmt"

// LabelTable 是按 label 字节值索引的有序类别名列表。
//
// 约束：构造后只读；可以按值在任意多个 goroutine 间共享，无需加锁。
type LabelTable struct {
	names []string
}

// NewLabelTable 复制 names 构造 LabelTable（调用方后续修改 names 不影响表）。
func NewLabelTable(names []string) LabelTable {
	return LabelTable{names: append([]string(nil), names...)}
}

func (t LabelTable) Len() int { return len(t.names) }

// Names 返回 label 名称的副本。
func (t LabelTable) Names() []string {
	return append([]string(nil), t.names...)
}

// Lookup 按 label 字节值查找类别名；越界时返回 *LabelRangeError。
func (t LabelTable) Lookup(idx byte) (string, error) {
	if int(idx) >= len(t.names) {
		return "", &LabelRangeError{Index: idx, Len: len(t.names)}
	}
	return t.names[idx], nil
}

// LabelRangeError 表示记录中的 label 字节超出 LabelTable 范围（容器与 label 列表不匹配或已损坏）。
type LabelRangeError struct {
	Index byte
	Len   int
}

func (e *LabelRangeError) Error() string {
	return fmt.Sprintf("label index out of range: %d (labels=%d)", e.Index, e.Len)
}
