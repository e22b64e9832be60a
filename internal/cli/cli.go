// ============================================================================
// annosync CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 命令列介面，把本地標註檔匯入資料集
//
// Command Structure:
//   annosync                       # Root command
//   ├── import [paths...]          # 匯入標註檔
//   ├── serve                      # 啟動本地資料集 gRPC 服務
//   ├── classes                    # 列出資料集 / 團隊類別
//   ├── register [filenames...]    # 在本地資料集登記檔案
//   ├── --config, -c               # 設定檔 (default: configs/default.yaml)
//   └── --version
//
// Backend:
//   remote.address 有值時透過 gRPC 連線遠端服務 (Mode 1)；
//   否則直接開啟 server.database 指定的 SQLite 資料庫 (Mode 2)。
//
// Configuration:
//   YAML 設定檔，區塊: remote / import / logging / metrics / server。
//   設定檔不存在時使用預設值；命令列旗標覆寫設定檔。
//
// Signal Handling:
//   SIGINT / SIGTERM 取消執行中的 context，匯入在下一個檔案前停止，
//   serve 則 GracefulStop。
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/annosync/internal/logging"
	"github.com/ChuLiYu/annosync/internal/remote"
	"github.com/ChuLiYu/annosync/internal/store"
)

// Version is reported by --version.
var Version = "dev"

// Config represents the complete configuration file.
// Maps config file fields through YAML tags
type Config struct {
	Remote struct {
		Address string `yaml:"address"`
		Team    string `yaml:"team"`
		Dataset string `yaml:"dataset"`
	} `yaml:"remote"`

	Import struct {
		Append           bool   `yaml:"append"`
		DeleteForEmpty   bool   `yaml:"delete_for_empty"`
		ClassPrompt      bool   `yaml:"class_prompt"`
		ImportAnnotators bool   `yaml:"import_annotators"`
		ImportReviewers  bool   `yaml:"import_reviewers"`
		UseMultiCPU      bool   `yaml:"use_multi_cpu"`
		CPULimit         int    `yaml:"cpu_limit"`
		ChunkSize        int    `yaml:"chunk_size"`
		Metadata         string `yaml:"metadata"`
	} `yaml:"import"`

	Logging logging.Options `yaml:"logging"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Server struct {
		Listen       string `yaml:"listen"`
		Database     string `yaml:"database"`
		MaxFilenames int    `yaml:"max_filenames"`
	} `yaml:"server"`
}

// defaultConfig is used when no config file exists.
func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Import.ClassPrompt = true
	cfg.Import.ChunkSize = 100
	cfg.Logging = logging.Options{Level: "info", Format: "text"}
	cfg.Metrics.Port = 9090
	cfg.Server.Listen = ":50051"
	cfg.Server.Database = "annosync.db"
	return cfg
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "annosync",
		Short: "annosync: import annotation files into a dataset",
		Long: `annosync uploads locally stored annotation files to a dataset:
- reconciles annotation classes and properties before uploading
- matches local files to dataset items by folder and filename
- serves a local SQLite-backed dataset over gRPC`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildImportCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildClassesCommand())
	rootCmd.AddCommand(buildRegisterCommand())

	return rootCmd
}

// loadConfig reads a YAML config on top of the defaults. A missing file
// yields the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// setup loads the config and installs the logger.
func setup(stderr io.Writer) (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.Setup(stderr, cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Warn("Received shutdown signal, stopping gracefully...", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// ============================================================================
// Backend
// ============================================================================

// backend is a connected dataset and its team.
type backend struct {
	Dataset remote.Dataset
	Team    remote.Team
	close   func() error
}

func (b *backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// connect opens the dataset through gRPC when an address is configured, or
// directly from the local database otherwise.
func connect(ctx context.Context, cfg *Config) (*backend, error) {
	if cfg.Remote.Dataset == "" {
		return nil, errors.New("dataset is required (use --dataset or remote.dataset)")
	}

	// Mode 1: Remote (gRPC)
	if cfg.Remote.Address != "" {
		conn, err := remote.Dial(cfg.Remote.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Remote.Address, err)
		}
		client := remote.NewClient(conn)
		ds, err := client.Dataset(ctx, cfg.Remote.Dataset)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("open dataset %q: %w", cfg.Remote.Dataset, err)
		}
		team, err := client.Team(ctx)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("open team: %w", err)
		}
		return &backend{Dataset: ds, Team: team, close: conn.Close}, nil
	}

	// Mode 2: Local (SQLite)
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	ds, err := st.OpenDataset(ctx, cfg.Remote.Dataset)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open dataset %q: %w", cfg.Remote.Dataset, err)
	}
	return &backend{Dataset: ds, Team: st.Team(), close: st.Close}, nil
}

func openStore(cfg *Config) (*store.Store, error) {
	st, err := store.Open(cfg.Server.Database, store.Options{
		Team:         cfg.Remote.Team,
		MaxFilenames: cfg.Server.MaxFilenames,
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Server.Database, err)
	}
	return st, nil
}
