package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/binimg/internal/infra/imgx"
	"github.com/John-Robertt/binimg/internal/output"
)

// Problem 描述一个无法解码（或尺寸不符）的产物文件。
type Problem struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// Result 是对输出目录树的校验结果。
type Result struct {
	Root     string         `json:"root"`
	Labels   map[string]int `json:"labels"`
	Images   int            `json:"images"`
	Problems []Problem      `json:"problems"`
}

// OK 表示是否所有产物都能被标准解码器还原为 256x256 像素。
func (r Result) OK() bool { return len(r.Problems) == 0 }

// Tree 逐个解码 <root>/<label>/*.bmp，统计每个 label 的图片数并收集坏文件。
//
// 约束：
// - 只看 root 下一级目录；目录名即 label
// - root 本身下的 .bmp 归入空 label ""（空行 label 的产物直接落在 root）
// - 以 '.' 开头的文件（写入中途残留的临时文件）不计入
func Tree(ctx context.Context, root string, workers int) (Result, error) {
	root = filepath.Clean(root)
	res := Result{Root: root, Labels: map[string]int{}, Problems: []Problem{}}

	// 先完整枚举并登记所有 label，再启动解码任务：worker 只对已存在的 key 计数。
	jobs, err := collect(root, res.Labels)
	if err != nil {
		return Result{}, err
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(max(workers, 1))

	var ctxErr error
	for _, j := range jobs {
		if ctxErr = ctx.Err(); ctxErr != nil {
			break
		}
		g.Go(func() error {
			err := checkOne(j.path)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Problems = append(res.Problems, Problem{Path: j.path, Err: err.Error()})
				return nil
			}
			res.Labels[j.label]++
			res.Images++
			return nil
		})
	}
	_ = g.Wait()
	if ctxErr != nil {
		return Result{}, ctxErr
	}

	sort.Slice(res.Problems, func(i, j int) bool { return res.Problems[i].Path < res.Problems[j].Path })
	return res, nil
}

type job struct {
	label string
	path  string
}

func collect(root string, labels map[string]int) ([]job, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("读取输出目录 %q 失败：%w", root, err)
	}

	var jobs []job
	for _, d := range dirs {
		if d.IsDir() {
			continue
		}
		if isImage(d.Name()) {
			labels[""] = 0
			jobs = append(jobs, job{label: "", path: filepath.Join(root, d.Name())})
		}
	}

	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		label := d.Name()
		entries, err := os.ReadDir(filepath.Join(root, label))
		if err != nil {
			return nil, fmt.Errorf("读取 label 目录 %q 失败：%w", label, err)
		}
		labels[label] = 0
		for _, e := range entries {
			if e.IsDir() || !isImage(e.Name()) {
				continue
			}
			jobs = append(jobs, job{label: label, path: filepath.Join(root, label, e.Name())})
		}
	}
	return jobs, nil
}

func isImage(name string) bool {
	return !strings.HasPrefix(name, ".") && strings.EqualFold(filepath.Ext(name), output.Ext)
}

func checkOne(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = imgx.DecodeRGB(b)
	return err
}
