// ============================================================================
// annosync Worker - Parse Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs the injected Parser, one goroutine per Worker
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Skip it if the pool has been stopped (abort drains the queue)
//   3. Run Parser.Parse(task.Path)
//   4. Send result to resultCh
//   5. Repeat above process until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ stopCh closed? skip     │   │
//   │  │   ├─ execute(task)           │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Error Handling:
//   - Parser error: encapsulated in Result.Error
//   - Parser panic: recovered and reported as ErrParserPanic
//
// ============================================================================

package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/annosync/pkg/types"
)

// ErrParserPanic is reported when a parser panics on a file.
var ErrParserPanic = errors.New("parser panicked")

// Worker represents a parse execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	parser   Parser        // Injected format parser
	taskCh   <-chan Task   // Task channel (read-only), receives paths to parse
	resultCh chan<- Result // Result channel (write-only), sends parse results
	stopCh   <-chan struct{}
}

// newWorker creates a new Worker instance
func newWorker(id int, parser Parser, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		parser:   parser,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker, receives tasks from task channel and parses them
func (w *Worker) Run() {
	for task := range w.taskCh {
		select {
		case <-w.stopCh:
			// Pool aborted: drain remaining tasks without running them
			continue
		default:
		}

		start := time.Now()
		files, err := w.execute(task.Path)

		result := Result{
			Index:    task.Index,
			Path:     task.Path,
			Files:    files,
			Error:    err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
		}
	}
}

// execute runs the parser and converts a panic into an error
func (w *Worker) execute(path string) (files []*types.AnnotationFile, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Parser panic", "worker", w.id, "path", path, "panic", r)
			files = nil
			err = fmt.Errorf("%w: %s: %v", ErrParserPanic, path, r)
		}
	}()

	parsed, err := w.parser.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return compact(parsed), nil
}
