// ============================================================================
// annosync Worker Pool - 並發檔案解析器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和解析任務分發
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發檔案路徑
//   3. 通過結果 channel 收集解析結果
//
// 架構組件:
//   ┌─────────────┐
//   │  Parallel   │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//     Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交任務到 taskCh
//   4. Results() - 讀取結果
//   5. Stop() - 關閉 stopCh 與 taskCh，等待所有 Worker 完成
//
// 中止語意:
//   Stop() 關閉 stopCh 之後，Worker 不再執行佇列中剩餘的任務，
//   只會完成手上正在解析的檔案。呼叫端在中止時丟棄所有結果。
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	parser   Parser         // 注入的檔案解析器
	workers  []*Worker      // Worker 列表
	taskCh   chan Task      // 任務通道
	resultCh chan Result    // 結果通道
	stopCh   chan struct{}  // 停止訊號
	wg       sync.WaitGroup // 等待所有 Worker 完成
	started  bool           // 標誌 Pool 是否已啟動
	stopped  bool           // 標誌 Pool 是否已停止
	mu       sync.Mutex     // 保護 started 和 stopped 狀態
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小，通常等於檔案數量
//   - parser: 每個 Worker 共用的解析器
func NewPool(bufferSize int, parser Parser) *Pool {
	return &Pool{
		parser:   parser,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.parser, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool
//
// stopped 檢查與發送都在同一把鎖內完成，Stop() 不會在發送途中關閉 taskCh。
// taskCh 需有足夠緩衝（NewPool 的 bufferSize），否則發送會在持鎖時阻塞。
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Results 返回唯讀結果通道，Stop() 後關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop 關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，Worker 跳過尚未開始的任務
//  3. 關閉 taskCh，結束 Worker 的 range 循環
//  4. 等待所有 Worker 完成當前任務
//  5. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()

	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
