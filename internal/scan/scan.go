package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/John-Robertt/binimg/internal/domain"
)

// ScanContainers 列出 dir 下的容器文件（不递归）。
//
// 规则：
// - 不按扩展名过滤：目录下的每个文件都视为一个容器
// - 子目录直接跳过（它们不可能是容器）
// - 源目录不存在/不可读：返回错误（整次运行没有可处理的输入，上层应视为致命）
//
// 注意：扫描阶段只做 stat（DirEntry.Info），不读文件内容。
func ScanContainers(dir string) ([]domain.ContainerFile, error) {
	dir = filepath.Clean(dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("读取源目录 %q 失败：%w", dir, err)
	}

	files := make([]domain.ContainerFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		files = append(files, domain.ContainerFile{
			AbsPath: filepath.Join(dir, e.Name()),
			Name:    e.Name(),
			Size:    info.Size(),
		})
	}

	// 强制稳定输出，避免不同平台/文件系统行为差异带来的不确定性。
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}
