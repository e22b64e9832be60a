// ============================================================================
// annosync 匯入驅動 - 系統核心協調器
// ============================================================================
//
// Package: internal/importer
// 文件: importer.go
// 功能: 協調所有模組，把本地標註檔匯入遠端資料集
//
// 流程 (每次執行):
//   1. 檢查選項      - append 與 delete-for-empty 不可同時使用
//   2. 遠端 schema   - 抓取團隊類別，建立 Snapshot
//   3. 探索 + 解析   - Discover 展開目錄，Executor 循序或平行解析
//   4. 比對遠端檔案  - 依檔名分批查詢，請求過大時縮小批次重試
//   5. 類別對帳      - 建立 / 加入缺少的類別，之後重建 Snapshot
//   6. 屬性對帳      - 建立 / 更新團隊屬性（屏障，上傳前完成）
//   7. 建構 + 上傳   - 依來源路徑順序逐檔上傳，失敗記錄後繼續
//   8. 報告          - Ledger 彙整每個檔案的結果與錯誤
//
// 致命錯誤:
//   選項衝突、無法取得遠端類別、無法解析任何檔案、無法取得遠端檔案清單、
//   skeleton 類別需要建立、屬性無法對帳。
//   單一檔案上傳失敗不會中止整批。
//
// ============================================================================

package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/ChuLiYu/annosync/internal/ledger"
	"github.com/ChuLiYu/annosync/internal/metrics"
	"github.com/ChuLiYu/annosync/internal/payload"
	"github.com/ChuLiYu/annosync/internal/reconcile"
	"github.com/ChuLiYu/annosync/internal/remote"
	"github.com/ChuLiYu/annosync/internal/snapshot"
	"github.com/ChuLiYu/annosync/internal/worker"
	"github.com/ChuLiYu/annosync/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrIncompatibleOptions = errors.New("append and delete-for-empty cannot be used together")
	ErrNoPaths             = errors.New("no annotation paths given")
	ErrNoFilesParsed       = errors.New("not able to parse any files")
	ErrRemoteFileList      = errors.New("unable to fetch remote file list")
)

const (
	// DefaultChunkSize is the number of filenames per remote file request.
	DefaultChunkSize = 100
	// ChunkBackoff is subtracted from the chunk size after a request-too-large failure.
	ChunkBackoff = 8
)

// Skip reasons recorded in the ledger.
const (
	reasonNoAnnotations = "no annotations"
)

// Options 匯入選項
type Options struct {
	Append           bool   // 保留遠端既有標註
	DeleteForEmpty   bool   // 空標註檔清除遠端標註（僅 V2 資料集）
	ClassPrompt      bool   // 變更 schema 或略過檔案前詢問使用者
	ImportAnnotators bool   // 匯入標註者
	ImportReviewers  bool   // 匯入審核者
	UseMultiCPU      bool   // 平行解析
	CPULimit         int    // 平行解析的 CPU 上限，<= 0 為自動
	MetadataPath     string // 指定 metadata 檔，空字串表示在標註檔旁尋找
	ChunkSize        int    // 每次查詢遠端檔案的檔名數，<= 0 使用預設值
}

// Validate rejects option combinations before any I/O.
func (o Options) Validate() error {
	if o.Append && o.DeleteForEmpty {
		return ErrIncompatibleOptions
	}
	return nil
}

// Importer 匯入驅動
type Importer struct {
	Dataset    remote.Dataset
	Team       remote.Team
	Parser     worker.Parser
	Extensions []string // 目錄展開時保留的副檔名，空表示全部
	Fs         afero.Fs // nil 表示 OS 檔案系統
	Prompter   remote.Prompter
	Metrics    *metrics.Collector // 可為 nil
	Logger     *slog.Logger       // nil 表示 slog.Default()
	Options    Options
}

// Report 一次匯入的結果
type Report struct {
	Dataset           string
	Files             []ledger.Entry
	Stats             map[ledger.Status]int
	Errors            []error
	ClassesCreated    []types.RemoteClass
	ClassesAttached   []types.AnnotationClass
	PropertiesCreated []types.Property
	PropertiesUpdated []types.Property
	Aborted           bool   // 使用者拒絕繼續
	AbortReason       string // 中止原因
	Duration          time.Duration
}

// run carries the state of one Run call.
type run struct {
	im      *Importer
	log     *slog.Logger
	fs      afero.Fs
	ledger  *ledger.Ledger
	report  *Report
	keys    map[*types.AnnotationFile]string
	opts    Options
	started time.Time
}

// Run imports the annotation files found under paths. The returned report is
// never nil. The error is set only for failures that stop the whole run; it is
// also the last entry of Report.Errors, after the per-file upload errors.
func (im *Importer) Run(ctx context.Context, paths []string) (*Report, error) {
	r := &run{
		im:      im,
		log:     im.Logger,
		fs:      im.Fs,
		ledger:  ledger.New(),
		keys:    make(map[*types.AnnotationFile]string),
		opts:    im.Options,
		started: time.Now(),
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.fs == nil {
		r.fs = afero.NewOsFs()
	}
	r.report = &Report{Dataset: im.Dataset.Slug()}

	err := r.execute(ctx, paths)
	if err != nil {
		r.ledger.AddError(err)
	}
	r.finish()
	return r.report, err
}

func (r *run) execute(ctx context.Context, paths []string) error {
	ds := r.im.Dataset

	// 1. 檢查選項
	if err := r.opts.Validate(); err != nil {
		return err
	}
	if len(paths) == 0 {
		return ErrNoPaths
	}

	// 2. 遠端 schema
	r.log.Info("Fetching remote class list", "dataset", ds.Slug())
	snap, err := snapshot.Build(ctx, ds)
	if err != nil {
		return err
	}
	if r.opts.DeleteForEmpty && ds.Version() == 1 {
		r.log.Warn("delete-for-empty only works for V2 datasets, ignoring it", "dataset", ds.Slug())
		r.opts.DeleteForEmpty = false
	}

	// 3. 探索 + 解析
	r.log.Info("Retrieving local annotations")
	files, err := r.parse(ctx, paths)
	if err != nil {
		return err
	}

	// 4. 比對遠端檔案
	r.log.Info("Fetching remote file list")
	remoteFiles, err := r.fetchRemoteFiles(ctx, files)
	if err != nil {
		return err
	}
	matched := r.partition(files, remoteFiles)
	if len(matched) < len(files) && r.opts.ClassPrompt {
		ok, err := r.confirm(ctx, fmt.Sprintf("%d file(s) are missing from the dataset and will be skipped. Continue?",
			len(files)-len(matched)))
		if err != nil || !ok {
			return err
		}
	}

	// 5. 類別對帳
	snap, err = r.reconcileClasses(ctx, snap, matched)
	if err != nil || r.report.Aborted {
		return err
	}

	// 6. 屬性對帳
	props, err := r.reconcileProperties(ctx, snap, matched)
	if err != nil {
		return err
	}

	// 7. 建構 + 上傳
	builder := &payload.Builder{
		Snapshot:         snap,
		DatasetVersion:   ds.Version(),
		ImportAnnotators: r.opts.ImportAnnotators,
		ImportReviewers:  r.opts.ImportReviewers,
		Properties:       props,
		Logger:           r.log,
	}
	return r.upload(ctx, builder, matched, remoteFiles)
}

// ============================================================================
// 解析
// ============================================================================

func (r *run) parse(ctx context.Context, paths []string) ([]*types.AnnotationFile, error) {
	discovered, err := worker.Discover(r.fs, paths, r.im.Extensions...)
	if err != nil {
		return nil, err
	}
	exec := worker.NewExecutor(r.im.Parser, worker.Config{
		UseMultiCPU: r.opts.UseMultiCPU,
		CPULimit:    r.opts.CPULimit,
	})
	files, err := exec.Parse(ctx, discovered)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoFilesParsed, err)
	}
	if len(files) == 0 {
		return nil, ErrNoFilesParsed
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].Path != files[j].Path {
			return files[i].Path < files[j].Path
		}
		return files[i].FullPath() < files[j].FullPath()
	})
	for _, f := range files {
		key := f.Path
		if key == "" {
			key = f.FullPath()
		}
		if _, ok := r.ledger.Get(key); ok {
			key = key + "#" + f.FullPath()
		}
		if err := r.ledger.Register(key, f.FullPath()); err != nil {
			return nil, err
		}
		r.keys[f] = key
	}
	if r.im.Metrics != nil {
		r.im.Metrics.RecordParsed(len(files))
	}
	r.log.Info("Annotation files found", "count", len(files))
	return files, nil
}

// ============================================================================
// 遠端檔案比對
// ============================================================================

// fetchRemoteFiles maps full paths to remote files. The whole fetch restarts
// with a smaller chunk size whenever a request is too large.
func (r *run) fetchRemoteFiles(ctx context.Context, files []*types.AnnotationFile) (map[string]types.RemoteFile, error) {
	seen := make(map[string]bool)
	var filenames []string
	for _, f := range files {
		if !seen[f.Filename] {
			seen[f.Filename] = true
			filenames = append(filenames, f.Filename)
		}
	}

	chunkSize := r.opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	for chunkSize > 0 {
		out, err := fetchInChunks(ctx, r.im.Dataset, filenames, chunkSize)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, remote.ErrRequestTooLarge) {
			return nil, fmt.Errorf("%w: %w", ErrRemoteFileList, err)
		}
		chunkSize -= ChunkBackoff
		r.log.Warn("Remote file request too large, retrying with smaller chunks", "chunk_size", chunkSize)
	}
	return nil, ErrRemoteFileList
}

func fetchInChunks(ctx context.Context, ds remote.Dataset, filenames []string, chunkSize int) (map[string]types.RemoteFile, error) {
	out := make(map[string]types.RemoteFile)
	for start := 0; start < len(filenames); start += chunkSize {
		end := min(start+chunkSize, len(filenames))
		files, err := ds.FetchFiles(ctx, remote.FileFilter{
			Types:     remote.MediaTypes,
			Filenames: filenames[start:end],
		})
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			out[f.FullPath()] = f
		}
	}
	return out, nil
}

// partition returns the files that exist remotely and marks the rest missing.
func (r *run) partition(files []*types.AnnotationFile, remoteFiles map[string]types.RemoteFile) []*types.AnnotationFile {
	var matched []*types.AnnotationFile
	for _, f := range files {
		if _, ok := remoteFiles[f.FullPath()]; ok {
			matched = append(matched, f)
			continue
		}
		r.log.Warn("File is missing from the dataset", "path", f.Path, "full_path", f.FullPath())
		_ = r.ledger.MarkMissing(r.keys[f])
		if r.im.Metrics != nil {
			r.im.Metrics.RecordSkipped()
		}
	}
	return matched
}

func (r *run) confirm(ctx context.Context, message string) (bool, error) {
	if r.im.Prompter == nil {
		return true, nil
	}
	ok, err := r.im.Prompter.Confirm(ctx, message)
	if err != nil {
		return false, fmt.Errorf("prompt: %w", err)
	}
	if !ok {
		r.abort("declined: " + message)
	}
	return ok, nil
}

func (r *run) abort(reason string) {
	r.report.Aborted = true
	r.report.AbortReason = reason
	r.log.Warn("Import aborted", "reason", reason)
}

// ============================================================================
// Schema 對帳
// ============================================================================

func (r *run) reconcileClasses(ctx context.Context, snap *snapshot.Snapshot, files []*types.AnnotationFile) (*snapshot.Snapshot, error) {
	var local []types.AnnotationClass
	for _, f := range files {
		local = append(local, f.AnnotationClasses...)
	}
	plan := reconcile.ResolveClasses(local, snap.InDataset, snap.InTeam)
	r.log.Info("Class reconciliation",
		"to_create", len(plan.ToCreate),
		"to_attach", len(plan.ToAttach),
		"dataset", r.im.Dataset.Slug())
	if plan.Empty() {
		return snap, nil
	}

	var prompter remote.Prompter
	if r.opts.ClassPrompt {
		prompter = r.im.Prompter
	}
	res, err := reconcile.ApplyClasses(ctx, r.im.Dataset, snap, plan, prompter)
	r.report.ClassesCreated = res.Created
	r.report.ClassesAttached = res.Attached
	if r.im.Metrics != nil {
		r.im.Metrics.RecordClasses(len(res.Created), len(res.Attached))
	}
	if errors.Is(err, reconcile.ErrDeclined) {
		r.abort("class changes declined")
		return snap, nil
	}
	if err != nil {
		return nil, err
	}
	if !res.Changed() {
		return snap, nil
	}
	return snapshot.Refresh(ctx, r.im.Dataset)
}

// reconcileProperties runs once per metadata manifest over the annotations
// of the files it covers, before any upload.
func (r *run) reconcileProperties(ctx context.Context, snap *snapshot.Snapshot, files []*types.AnnotationFile) (reconcile.PropertyMap, error) {
	groups, order, err := r.groupByManifest(files)
	if err != nil {
		return nil, err
	}
	merged := make(reconcile.PropertyMap)
	if len(order) == 0 {
		return merged, nil
	}
	if r.im.Team == nil {
		return nil, errors.New("team is required to import properties")
	}

	for _, path := range order {
		g := groups[path]
		res, err := reconcile.ReconcileProperties(ctx, r.im.Team, g.manifest, g.annotations, snap.ClassID)
		r.report.PropertiesCreated = append(r.report.PropertiesCreated, res.Created...)
		r.report.PropertiesUpdated = append(r.report.PropertiesUpdated, res.Updated...)
		if r.im.Metrics != nil {
			r.im.Metrics.RecordProperties(len(res.Created), len(res.Updated))
		}
		if err != nil {
			return nil, err
		}
		for classID, props := range res.Map {
			for propID, ids := range props {
				merged.Add(classID, propID, ids...)
			}
		}
	}
	return merged, nil
}

// ============================================================================
// 上傳
// ============================================================================

func (r *run) upload(ctx context.Context, builder *payload.Builder, files []*types.AnnotationFile, remoteFiles map[string]types.RemoteFile) error {
	ds := r.im.Dataset
	switch {
	case ds.Version() == 1:
		r.log.Info("Importing annotations, empty annotation files will be skipped")
	case r.opts.DeleteForEmpty:
		r.log.Info("Importing annotations, empty annotation files will clear existing annotations in matching remote files")
	default:
		r.log.Info("Importing annotations, empty annotation files will be skipped; rerun with delete-for-empty to clear them")
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := r.keys[f]
		if len(f.Annotations) == 0 && !r.opts.DeleteForEmpty {
			r.log.Warn("File has no annotations, skipping upload", "file", f.FullPath())
			_ = r.ledger.MarkSkipped(key, reasonNoAnnotations)
			if r.im.Metrics != nil {
				r.im.Metrics.RecordSkipped()
			}
			continue
		}

		rf := remoteFiles[f.FullPath()]
		records, stats := builder.Build(f, payload.DefaultSlot(f, rf))
		if stats != (payload.Stats{}) {
			r.log.Warn("Some annotations were left out",
				"file", f.FullPath(),
				"unsupported", stats.Unsupported,
				"unresolved", stats.Unresolved,
				"dropped_masks", stats.DroppedMasks,
				"dropped_attributes", stats.DroppedAttrs)
		}

		_ = r.ledger.MarkUploading(key, rf.ID, len(records))
		start := time.Now()
		err := ds.ImportAnnotations(ctx, rf.ID, payload.New(records, r.opts.Append))
		elapsed := time.Since(start)
		if err != nil {
			r.log.Error("Error importing annotations", "file", f.FullPath(), "error", err)
			_ = r.ledger.MarkFailed(key, err)
			if r.im.Metrics != nil {
				r.im.Metrics.RecordFailed(elapsed)
			}
			continue
		}
		_ = r.ledger.MarkImported(key)
		if r.im.Metrics != nil {
			r.im.Metrics.RecordImported(elapsed)
		}
		r.log.Debug("Imported annotations", "file", f.FullPath(), "annotations", len(records), "duration", elapsed)
	}
	return nil
}

func (r *run) finish() {
	r.report.Files = r.ledger.Entries()
	r.report.Stats = r.ledger.Stats()
	r.report.Errors = r.ledger.Errors()
	r.report.Duration = time.Since(r.started)
	if r.im.Metrics != nil {
		r.im.Metrics.SetRunDuration(r.report.Duration)
	}
}
