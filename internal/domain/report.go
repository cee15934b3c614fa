package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	FileStatusOK      = "ok"
	FileStatusCorrupt = "corrupt"
	FileStatusFailed  = "failed"
)

const (
	ErrCodeConfigInvalid   = "config_invalid"
	ErrCodeLabelsFailed    = "labels_failed"
	ErrCodeTreeFailed      = "tree_failed"
	ErrCodeScanFailed      = "scan_failed"
	ErrCodeOpenFailed      = "open_failed"
	ErrCodeReadFailed      = "read_failed"
	ErrCodeCorruptRecord   = "corrupt_record"
	ErrCodeLabelOutOfRange = "label_out_of_range"
	ErrCodeEncodeFailed    = "encode_failed"
	ErrCodeWriteFailed     = "write_failed"
	ErrCodeRecordsFailed   = "records_failed"
	ErrCodeCanceled        = "canceled"
)

// RunReport 是对外稳定输出（stdout JSON / --report 文件）的结构。
type RunReport struct {
	Labels string `json:"labels"`
	Source string `json:"source"`
	Dest   string `json:"dest"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ElapsedMS  int64     `json:"elapsed_ms"`

	Summary ReportSummary `json:"summary"`
	Files   []FileResult  `json:"files"`
}

type ReportSummary struct {
	FilesOK      int `json:"files_ok"`
	FilesCorrupt int `json:"files_corrupt"`
	FilesFailed  int `json:"files_failed"`
	Records      int `json:"records"`
	Written      int `json:"images_written"`
	RecordErrors int `json:"record_errors"`
}

// FileResult 是单个容器文件的处理结果。
// Src=="" 的条目是 setup 阶段（labels/tree/scan）的合成失败项。
type FileResult struct {
	Src     string `json:"src"`
	Status  string `json:"status"`
	Records int    `json:"records"`
	Written int    `json:"written"`

	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	RecordErrors []RecordError `json:"record_errors"`
}

// RecordError 记录单条记录在编码/写入阶段的失败（不影响同文件的其他记录）。
type RecordError struct {
	Index     int    `json:"index"`
	Label     string `json:"label"`
	Name      string `json:"name"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC，并计算 elapsed_ms
// 2) files 稳定排序：按 src 字典序；src=="" 的条目排在最后
// 3) summary 由 files 计算得出
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()
	if d := r.FinishedAt.Sub(r.StartedAt); d > 0 {
		r.ElapsedMS = d.Milliseconds()
	} else {
		r.ElapsedMS = 0
	}

	sort.SliceStable(r.Files, func(i, j int) bool {
		a := r.Files[i].Src
		b := r.Files[j].Src
		if a == "" {
			return false
		}
		if b == "" {
			return true
		}
		return a < b
	})

	var s ReportSummary
	for _, f := range r.Files {
		switch f.Status {
		case FileStatusOK:
			s.FilesOK++
		case FileStatusCorrupt:
			s.FilesCorrupt++
		case FileStatusFailed:
			s.FilesFailed++
		}
		s.Records += f.Records
		s.Written += f.Written
		s.RecordErrors += len(f.RecordErrors)
	}
	r.Summary = s
}

// OK 表示整次运行是否完全成功（所有文件 ok，且没有任何记录级失败）。
func (r RunReport) OK() bool {
	return r.Summary.FilesFailed == 0 && r.Summary.FilesCorrupt == 0 && r.Summary.RecordErrors == 0
}

// Elapsed 返回 FinishedAt-StartedAt（负值归零）。
func (r RunReport) Elapsed() time.Duration {
	d := r.FinishedAt.Sub(r.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// MarshalJSON 仅用于集中约束输出的稳定性：nil 切片输出为 []，而不是 null。
func (r RunReport) MarshalJSON() ([]byte, error) {
	type Alias RunReport
	a := Alias(r)
	if a.Files == nil {
		a.Files = []FileResult{}
	}
	files := make([]FileResult, len(a.Files))
	for i, f := range a.Files {
		if f.RecordErrors == nil {
			f.RecordErrors = []RecordError{}
		}
		files[i] = f
	}
	a.Files = files
	return json.Marshal(a)
}
