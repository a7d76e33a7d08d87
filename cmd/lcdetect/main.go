// Package main is the lcdetect CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/lcdetect/internal/cli"
	"github.com/hyperjump/lcdetect/internal/config"
	"github.com/hyperjump/lcdetect/internal/models"
	"github.com/hyperjump/lcdetect/internal/server"
	"github.com/hyperjump/lcdetect/internal/session"
	"github.com/hyperjump/lcdetect/internal/storage"
	"github.com/hyperjump/lcdetect/internal/watcher"
	"github.com/hyperjump/lcdetect/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/lcdetect/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded (for saving, etc.).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "run":
		runProcess()
	case "loops":
		runLoops()
	case "status":
		runStatus()
	case "watch":
		runWatch()
	case "version", "--version", "-v":
		fmt.Printf("lcdetect version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (per-image decisions, directory changes, etc.)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
		zap.Stringer("log_level", utils.LevelOf(logger)),
	)

	sess, err := session.NewFromConfig(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize session", zap.Error(err))
	}
	defer sess.Close()

	watchOpts := []watcher.WatcherOption{}
	if debugMode {
		watchOpts = append(watchOpts, watcher.WithLogger(logger))
	}
	watchSvc := watcher.NewWatcher(
		cfg.Watch.Directories,
		cfg.Watch.Extensions,
		cfg.Watch.RecursiveOrDefault(),
		func(path string) {
			res, err := sess.ProcessFile(context.Background(), path)
			if err != nil {
				logger.Warn("watch process file failed", zap.String("path", path), zap.Error(err))
				return
			}
			logger.Debug("watch processed file", zap.String("path", path), zap.Stringer("result", res))
		},
		watchOpts...,
	)
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if err := watchSvc.Start(watchCtx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	watchSvc.SyncExistingFiles()

	srv := server.NewServer(sess, &cfg.Server, logger, watchSvc, resolvedConfigPath, cfg)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchCancel()
	watchSvc.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

// argsReorder moves any flags (and their values) that appear after the
// positional arguments to the front so that flag.Parse() sees them.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// collectFeatureFiles expands directories into their feature files. Each
// directory contributes its files in image id order; explicit files keep
// their argument order.
func collectFeatureFiles(paths []string, exts []string, recursive bool) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		found, err := watcher.ListFiles(p, exts, recursive)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", p, err)
		}
		files = append(files, found...)
	}
	return files, nil
}

func parseFormat(s string) cli.OutputFormat {
	format, err := cli.ParseOutputFormat(s)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return format
}

func runProcess() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	memory := fs.Bool("memory", false, "keep images and results in memory instead of the configured database")
	recursive := fs.Bool("recursive", false, "descend into subdirectories")
	loopsOnly := fs.Bool("loops-only", false, "print only detected loop closures")
	outputFormat := fs.String("output", "text", "output format: text, compact (one result per line), or json")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	if fs.NArg() < 1 {
		fmt.Println("Usage: lcdetect run [flags] <directory|file>...")
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *memory {
		cfg.Storage.Type = "memory"
	}
	logger, err := utils.NewLogger(cfg.Debug || *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	files, err := collectFeatureFiles(fs.Args(), cfg.Watch.Extensions, *recursive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to collect feature files: %v\n", err)
		os.Exit(1)
	}

	sess, err := session.NewFromConfig(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize session", zap.Error(err))
	}
	defer sess.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var results []*models.Result
	for _, path := range files {
		res, err := sess.ProcessFile(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "Processing %s failed: %v\n", path, err)
			os.Exit(1)
		}
		if *loopsOnly && !res.IsLoop() {
			continue
		}
		results = append(results, res)
	}
	if err := cli.WriteResults(os.Stdout, results, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
	if format == cli.OutputText {
		fmt.Printf("Run id: %s\n", sess.RunID())
	}
}

// loopsQuery builds the GET /api/v1/loops query string.
func loopsQuery(runID string, current bool, status string, offset, limit int) url.Values {
	q := url.Values{}
	if runID != "" {
		q.Set("run_id", runID)
	}
	if current {
		q.Set("current", "true")
	}
	if status != "" {
		q.Set("status", status)
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

func runLoops() {
	fs := flag.NewFlagSet("loops", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct storage mode)")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = read the database directly)")
	runID := fs.String("run", "", "only results of this run id")
	current := fs.Bool("current", false, "only results of the server's current run")
	status := fs.String("status", "", "only results with this status (e.g. detected)")
	offset := fs.Int("offset", 0, "number of results to skip")
	limit := fs.Int("limit", 50, "maximum number of results (0 = all)")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	var page *cli.LoopPage
	if *serverURL != "" {
		var err error
		page, err = loopsViaHTTP(*serverURL, loopsQuery(*runID, *current, *status, *offset, *limit))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Loops failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		filter := storage.LoopFilter{RunID: *runID, Offset: *offset, Limit: *limit}
		if *status != "" {
			st, err := models.ParseStatus(*status)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			filter.Status = &st
		}
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		page, err = loopsFromStorage(context.Background(), cfg, filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Loops failed: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cli.WriteLoops(os.Stdout, page, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func loopsFromStorage(ctx context.Context, cfg *config.Config, filter storage.LoopFilter) (*cli.LoopPage, error) {
	codec, err := storage.ParseCodec(cfg.Storage.Codec)
	if err != nil {
		return nil, err
	}
	store, err := storage.New(cfg.Storage.Type, cfg.Storage.DatabasePath, codec, cfg.Storage.CacheSize)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	loops, err := store.ListLoops(ctx, filter)
	if err != nil {
		return nil, err
	}
	filter.Offset, filter.Limit = 0, 0
	total, err := store.CountLoops(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &cli.LoopPage{Loops: loops, Total: total}, nil
}

func getJSON(target string, out interface{}) error {
	resp, err := http.Get(target)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func loopsViaHTTP(serverURL string, q url.Values) (*cli.LoopPage, error) {
	target := serverURL + "/api/v1/loops"
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	var page cli.LoopPage
	if err := getJSON(target, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func statusViaHTTP(serverURL string) (*cli.StatusReport, error) {
	var st cli.StatusReport
	if err := getJSON(serverURL+"/api/v1/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct storage mode)")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = use direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	var report *cli.StatusReport
	if *serverURL != "" {
		var err error
		report, err = statusViaHTTP(*serverURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		sess, err := session.NewFromConfig(cfg, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
			os.Exit(1)
		}
		defer sess.Close()
		st, err := sess.Status(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		report = &cli.StatusReport{
			Session: st,
			Config: &cli.StatusConfig{
				StorageType:  cfg.Storage.Type,
				DatabasePath: cfg.Storage.DatabasePath,
				Codec:        cfg.Storage.Codec,
				IndexType:    cfg.Index.Type,
				Delay:        cfg.Detector.Delay,
				MinScore:     cfg.Detector.MinScore,
				MinInliers:   cfg.Detector.MinInliers,
			},
		}
		if diskBytes, err := storage.DiskUsageBytes(storage.DatabaseFiles(cfg.Storage.DatabasePath)...); err == nil {
			report.DiskUsageBytes = &diskBytes
		}
	}
	if err := cli.WriteStatus(os.Stdout, report, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func runWatch() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: lcdetect watch <add|remove|list> [path]")
		fmt.Println("  lcdetect watch add <path>     Add feature directory to watch")
		fmt.Println("  lcdetect watch remove <path>  Remove directory from watch")
		fmt.Println("  lcdetect watch list           List watched directories")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", "http://localhost:8080", "server URL")
	syncExisting := fs.Bool("sync", true, "process files already in the directory (add only)")
	_ = fs.Parse(argsReorder(os.Args[3:]))
	switch sub {
	case "add":
		if fs.NArg() < 1 {
			fmt.Println("Usage: lcdetect watch add <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		body, _ := json.Marshal(map[string]interface{}{"path": path, "sync": *syncExisting})
		resp, err := http.Post(*serverURL+"/api/v1/watch/directories", "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("Request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			b, _ := io.ReadAll(resp.Body)
			fmt.Printf("Add failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		fmt.Printf("Added: %s\n", path)
	case "remove":
		if fs.NArg() < 1 {
			fmt.Println("Usage: lcdetect watch remove <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		req, _ := http.NewRequest(http.MethodDelete, *serverURL+"/api/v1/watch/directories?path="+url.QueryEscape(path), nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Printf("Request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			fmt.Printf("Remove failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		fmt.Printf("Removed: %s\n", path)
	case "list":
		var out struct {
			Directories []string `json:"directories"`
		}
		if err := getJSON(*serverURL+"/api/v1/watch/directories", &out); err != nil {
			fmt.Printf("List failed: %v\n", err)
			os.Exit(1)
		}
		for _, d := range out.Directories {
			fmt.Println(d)
		}
	default:
		fmt.Printf("Unknown watch subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`lcdetect - Appearance-based loop closure detection for visual SLAM

Usage:
  lcdetect server [flags]                  Start the HTTP server and directory watcher
  lcdetect run [flags] <dir|file>...       Process feature files offline, in image id order
  lcdetect loops [flags]                   List stored detection results
  lcdetect status [flags]                  Show detector/storage status
  lcdetect watch <add|remove|list>         Manage watched feature directories
  lcdetect version                         Show version
  lcdetect help                            Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/lcdetect/config.yaml)
  --debug            Enable debug logging

Run Flags:
  --config string    Config file path
  --memory           Keep images and results in memory
  --recursive        Descend into subdirectories
  --loops-only       Print only detected loop closures
  --output string    Output format: text, compact, or json (default: text)

Loops Flags:
  --server string    Server URL (default: http://localhost:8080). Use --server "" to read the database directly.
  --run string       Filter by run id
  --current          Only results of the server's current run
  --status string    Filter by status (detected, not_detected, not_enough_images, not_enough_islands, not_enough_inliers, transition)
  --offset int       Results to skip
  --limit int        Maximum results (default: 50, 0 = all)
  --output string    Output format: text, compact, or json (default: text)

Status Flags:
  --config string    Config file path (for direct storage mode)
  --server string    Server URL (default: http://localhost:8080). Use --server "" for direct storage.
  --output string    Output format: text or json (default: text)

Watch Flags:
  --server string    Server URL (default: http://localhost:8080)
  --sync             Process existing files when adding a directory (default: true)

Examples:
  lcdetect server
  lcdetect run --memory --loops-only ./features
  lcdetect run --output json 000001.json 000002.json
  lcdetect loops --current --status detected
  lcdetect status --output json
  lcdetect watch add /path/to/features
  lcdetect watch list`)
}
