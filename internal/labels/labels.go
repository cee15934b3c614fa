package labels

import (
	"fmt"
	"os"
	"strings"

	"github.com/John-Robertt/binimg/internal/domain"
)

// Load 读取 label 列表文件并解析为 LabelTable。
func Load(path string) (domain.LabelTable, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return domain.LabelTable{}, fmt.Errorf("读取 label 列表失败：%w", err)
	}
	return Parse(string(b)), nil
}

// Parse 把“每行一个 label”的文本解析为 LabelTable，行号（从 0 开始）即 label 字节值。
//
// 规则：
// - 按 '\n' 切分，并去掉所有 '\r'（兼容 CRLF 与零散的 CR）
// - 中间的空行保留为空名称，保证后续行的下标不错位
// - 仅去掉末尾换行符产生的最后一个空段："cat\ndog\n" => [cat dog]
func Parse(text string) domain.LabelTable {
	text = strings.ReplaceAll(text, "\r", "")
	if text == "" {
		return domain.NewLabelTable(nil)
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return domain.NewLabelTable(lines)
}
