package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/binimg/internal/domain"
)

const (
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = domain.ErrCodeConfigInvalid
)

// FileName 是 cwd 下可选配置文件的固定文件名。
const FileName = "binimg.yaml"

const (
	DefaultLabelsPath = "food_label.txt"
	DefaultSourceDir  = "source"
	DefaultDestDir    = "destination"

	// DefaultFileConcurrency 是同时处理的容器文件数的内置默认值。
	DefaultFileConcurrency = 4
	// MaxConcurrency 是两级并发的上限；超出截断。
	MaxConcurrency = 256

	DefaultLogLevel = "warn"
)

// CLIArgs 是 CLI 暴露的参数；数值项保留“是否显式指定”的信息，保证 CLI 能覆盖配置文件。
type CLIArgs struct {
	Labels string
	Source string
	Dest   string
	Report string

	Files    int
	FilesSet bool

	Records    int
	RecordsSet bool
}

// FileConfig 对应 binimg.yaml 的解析结构。
type FileConfig struct {
	Labels            string `yaml:"labels"`
	Source            string `yaml:"source"`
	Dest              string `yaml:"dest"`
	Report            string `yaml:"report"`
	FileConcurrency   int    `yaml:"file_concurrency"`
	RecordConcurrency int    `yaml:"record_concurrency"`
	LogLevel          string `yaml:"log_level"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置（路径均为绝对路径）。
type EffectiveConfig struct {
	LabelsPath string
	SourceDir  string
	DestDir    string

	// ReportPath 非空时，report JSON 额外写入该文件。
	ReportPath string

	FileConcurrency   int
	RecordConcurrency int

	LogLevel string
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
	}
	return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 读取 <cwd>/binimg.yaml（可选），然后与 CLI 参数合并为最终配置。
//
// 覆盖优先级（固定）：CLI > 配置文件 > 内置默认值。
// 相对路径一律相对 cwd 解析（配置文件里的相对路径也一样）。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	cfgPath := filepath.Join(cwdAbs, FileName)
	fc, _, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	return merge(cwdAbs, cli, fc, cfgPath)
}

func merge(cwdAbs string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	eff := EffectiveConfig{
		LabelsPath: absCleanFrom(cwdAbs, pick(cli.Labels, fc.Labels, DefaultLabelsPath)),
		SourceDir:  absCleanFrom(cwdAbs, pick(cli.Source, fc.Source, DefaultSourceDir)),
		DestDir:    absCleanFrom(cwdAbs, pick(cli.Dest, fc.Dest, DefaultDestDir)),
		ReportPath: absCleanFrom(cwdAbs, pick(cli.Report, fc.Report, "")),
	}

	files := fc.FileConcurrency
	if cli.FilesSet {
		files = cli.Files
	}
	if files == 0 {
		files = DefaultFileConcurrency
	}
	records := fc.RecordConcurrency
	if cli.RecordsSet {
		records = cli.Records
	}
	if records == 0 {
		records = runtime.NumCPU()
	}
	eff.FileConcurrency = clamp(files)
	eff.RecordConcurrency = clamp(records)

	level := strings.ToLower(strings.TrimSpace(fc.LogLevel))
	if level == "" {
		level = DefaultLogLevel
	}
	switch level {
	case "debug", "info", "warn", "error":
		eff.LogLevel = level
	default:
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("log_level 只能是 debug|info|warn|error，实际是 %q", fc.LogLevel)}
	}

	// 输出目录会被整体删除重建：不允许与源目录重叠，否则会删掉输入。
	if isUnder(eff.SourceDir, eff.DestDir) || isUnder(eff.DestDir, eff.SourceDir) {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("dest %q 与 source %q 不能互相包含", eff.DestDir, eff.SourceDir)}
	}
	if isUnder(eff.LabelsPath, eff.DestDir) {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("labels %q 不能位于 dest %q 之下", eff.LabelsPath, eff.DestDir)}
	}

	return eff, nil
}

func pick(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// 文档约定：范围 [1, MaxConcurrency]；超出截断。
func clamp(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
// - p 为空：返回空串
// - p 若已是绝对路径：直接 Clean
// - p 若是相对路径：Join(base, p) 后 Clean
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

func isUnder(path, base string) bool {
	if path == base {
		return true
	}
	return strings.HasPrefix(path, base+string(filepath.Separator))
}

// readFileConfig 读取并解析 YAML 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
