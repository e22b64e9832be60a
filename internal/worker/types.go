package worker

import (
	"time"

	"github.com/ChuLiYu/annosync/pkg/types"
)

// Task 代表一個待解析的檔案
type Task struct {
	Index int    // 在探索結果中的位置，用於還原順序
	Path  string // 檔案路徑
}

// Result 代表一個檔案的解析結果
type Result struct {
	Index    int                     // 對應 Task.Index
	Path     string                  // 檔案路徑
	Files    []*types.AnnotationFile // 解析出的標註檔（已過濾 nil）
	Error    error                   // 錯誤訊息（如果有）
	Duration time.Duration           // 實際解析時間
}
