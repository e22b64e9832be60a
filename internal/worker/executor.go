// ============================================================================
// annosync Executor - 解析策略
// ============================================================================
//
// Package: internal/worker
// 文件: executor.go
// 功能: 依設定選擇循序或平行解析，兩者對外行為一致
//
// Worker 數量:
//   - 停用平行、上限為 1、或只有 1 顆 CPU → 循序
//   - 未指定上限（<= 0） → max(CPU-2, 2)
//   - 其他 → min(上限, CPU)
//
// 中止語意:
//   任何檔案解析失敗或 context 被取消（使用者中斷），整批結果作廢，
//   不回傳部分結果。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/ChuLiYu/annosync/pkg/types"
)

var log = slog.Default()

// ErrParseAborted wraps every failure that discards a whole parse run.
var ErrParseAborted = errors.New("parsing aborted")

// Config 解析設定
type Config struct {
	UseMultiCPU bool // 是否啟用平行解析
	CPULimit    int  // 使用的 CPU 上限，<= 0 表示自動
}

// Executor parses a list of files into annotation files.
type Executor interface {
	Parse(ctx context.Context, paths []string) ([]*types.AnnotationFile, error)
}

// ResolveWorkers decides how many workers to run and whether to run them in
// parallel at all.
func ResolveWorkers(limit, available int, enabled bool) (int, bool) {
	if !enabled || limit == 1 || available <= 1 {
		return 1, false
	}
	if limit <= 0 {
		return max(available-2, 2), true
	}
	return min(limit, available), true
}

// NewExecutor picks the sequential or parallel strategy for cfg.
func NewExecutor(parser Parser, cfg Config) Executor {
	workers, parallel := ResolveWorkers(cfg.CPULimit, runtime.NumCPU(), cfg.UseMultiCPU)
	if !parallel {
		return &Sequential{Parser: parser}
	}
	return &Parallel{Parser: parser, Workers: workers}
}

// Sequential parses files one after another on the calling goroutine.
type Sequential struct {
	Parser Parser
}

// Parse implements Executor.
func (s *Sequential) Parse(ctx context.Context, paths []string) ([]*types.AnnotationFile, error) {
	start := time.Now()
	var out []*types.AnnotationFile
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParseAborted, err)
		}
		w := newWorker(0, s.Parser, nil, nil, nil)
		files, err := w.execute(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParseAborted, err)
		}
		out = append(out, files...)
	}
	log.Debug("Parsed files sequentially", "paths", len(paths), "files", len(out), "duration", time.Since(start))
	return out, nil
}

// Parallel parses files on a bounded worker pool.
type Parallel struct {
	Parser  Parser
	Workers int
}

// Parse implements Executor. Results keep the order of paths.
func (p *Parallel) Parse(ctx context.Context, paths []string) ([]*types.AnnotationFile, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	start := time.Now()

	pool := NewPool(len(paths), p.Parser)
	if err := pool.Start(min(p.Workers, len(paths))); err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer pool.Stop()

	for i, path := range paths {
		if err := pool.Submit(Task{Index: i, Path: path}); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParseAborted, err)
		}
	}

	byIndex := make([][]*types.AnnotationFile, len(paths))
	for received := 0; received < len(paths); received++ {
		select {
		case <-ctx.Done():
			log.Warn("Parsing interrupted, discarding results", "received", received, "total", len(paths))
			return nil, fmt.Errorf("%w: %w", ErrParseAborted, ctx.Err())
		case res, ok := <-pool.Results():
			if !ok {
				return nil, fmt.Errorf("%w: %w", ErrParseAborted, ErrPoolClosed)
			}
			if res.Error != nil {
				log.Error("Worker failed, discarding results", "path", res.Path, "error", res.Error)
				return nil, fmt.Errorf("%w: %w", ErrParseAborted, res.Error)
			}
			byIndex[res.Index] = res.Files
		}
	}

	var out []*types.AnnotationFile
	for _, files := range byIndex {
		out = append(out, files...)
	}
	log.Debug("Parsed files in parallel",
		"workers", pool.GetWorkerCount(),
		"paths", len(paths),
		"files", len(out),
		"duration", time.Since(start))
	return out, nil
}
