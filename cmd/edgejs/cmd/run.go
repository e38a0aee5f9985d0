// Package cmd 提供 edgejs 命令行工具的所有子命令实现。
// 本文件实现 run 命令：在本地单次执行函数包。
//
// 功能特点：
//   - 接受函数目录或 .tar.gz 归档
//   - 上下文池大小固定为 1，每次执行都使用全新的上下文
//   - KV 持久化到本地 JSON 文件
//   - 支持文件变化自动重新执行 (--watch)
//   - 退出码：响应状态为 2xx/3xx 时为 0，否则为 1
package cmd

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oriys/edgejs/internal/config"
	"github.com/oriys/edgejs/internal/domain"
	"github.com/oriys/edgejs/internal/engine"
	"github.com/oriys/edgejs/internal/pkgcache"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// localVersion 是本地执行时使用的函数版本
const localVersion = "local"

var runCmd = &cobra.Command{
	Use:   "run <dir|archive.tar.gz>",
	Short: "Execute a function package once",
	Long: `Execute a function package locally and print its response.

The exit code is 0 when the response status is 2xx or 3xx, and 1 otherwise.

Examples:
  # Run the function in ./hello with a GET /
  edgejs run ./hello

  # POST a JSON body
  edgejs run ./api --method POST --path /items --header 'content-type: application/json' --data '{"name":"x"}'

  # Re-run whenever a file changes
  edgejs run ./hello --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

// run 命令的标志变量
var (
	runMethod   string
	runPath     string
	runQuery    []string
	runHeaders  []string
	runData     string
	runDataFile string
	runTenant   string
	runEnv      []string
	runEntry    string
	runAPIKey   string
	runTimeout  time.Duration
	runMemoryMB int
	runKVFile   string
	runWatch    bool
	runJSON     bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringVarP(&runMethod, "method", "X", "GET", "HTTP method")
	f.StringVarP(&runPath, "path", "p", "/", "Request path")
	f.StringArrayVarP(&runQuery, "query", "q", nil, "Query parameter (KEY=VALUE, repeatable)")
	f.StringArrayVarP(&runHeaders, "header", "H", nil, "Request header ('Name: value', repeatable)")
	f.StringVarP(&runData, "data", "d", "", "Request body")
	f.StringVar(&runDataFile, "data-file", "", "Read the request body from a file ('-' for stdin)")
	f.StringVar(&runTenant, "tenant", "default", "Tenant ID")
	f.StringArrayVarP(&runEnv, "env", "e", nil, "Environment variable exposed as process.env (KEY=VALUE, repeatable)")
	f.StringVar(&runEntry, "entry", "", "Entry file (default: package.json main, else index.js)")
	f.StringVar(&runAPIKey, "api-key", "", "API key presented with the request")
	f.DurationVar(&runTimeout, "timeout", 0, "Wall-clock budget (default: engine.timeout)")
	f.IntVar(&runMemoryMB, "memory-mb", 0, "Memory ceiling in MB (default: engine.memory_limit_mb)")
	f.StringVar(&runKVFile, "kv-file", ".edgejs/kv.json", "File backing the local KV store")
	f.BoolVarP(&runWatch, "watch", "w", false, "Re-run when files change")
	f.BoolVar(&runJSON, "json", false, "Print the full invocation result as JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadEngineConfig()
	if err != nil {
		return err
	}
	if cfg.Logging.Format == "" || cfg.Logging.Format == "json" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Level == "" || cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	logger := newLogger(cfg)

	body, err := readRunBody(cmd.InOrStdin())
	if err != nil {
		return err
	}
	req, err := buildRunRequest(runMethod, runPath, runQuery, runHeaders, body)
	if err != nil {
		return err
	}
	env, err := parsePairs(runEnv, "=")
	if err != nil {
		return fmt.Errorf("invalid --env: %w", err)
	}
	req.APIKey = runAPIKey

	cacheDir, err := os.MkdirTemp("", "edgejs-run-*")
	if err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	defer os.RemoveAll(cacheDir)

	runner, err := newLocalRunner(cfg, localRunnerOptions{
		Path:     args[0],
		CacheDir: cacheDir,
		KVFile:   runKVFile,
		Tenant:   runTenant,
		Entry:    runEntry,
		Env:      env,
		Request:  req,
		Limits:   domain.Limits{Timeout: runTimeout, MemoryBytes: int64(runMemoryMB) << 20},
		Out:      cmd.OutOrStdout(),
		Err:      cmd.ErrOrStderr(),
		JSON:     runJSON,
	}, logger)
	if err != nil {
		return err
	}
	defer runner.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if runWatch {
		return runner.Watch(ctx)
	}
	result, err := runner.RunOnce(ctx)
	if err != nil {
		return err
	}
	if code := result.ExitCode(); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

// localRunnerOptions 是本地执行器的参数。
type localRunnerOptions struct {
	Path     string
	CacheDir string
	KVFile   string
	Tenant   string
	Entry    string
	Env      map[string]string
	Request  *domain.InvocationRequest
	Limits   domain.Limits
	Out      io.Writer
	Err      io.Writer
	JSON     bool
}

// localRunner 在单上下文池上执行本地函数包。
type localRunner struct {
	opts   localRunnerOptions
	stack  *stack
	source *pkgcache.MemorySource
	logger *logrus.Logger
	name   string
}

func newLocalRunner(cfg *config.Config, opts localRunnerOptions, logger *logrus.Logger) (*localRunner, error) {
	if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("package not found: %w", err)
	}
	if opts.KVFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.KVFile), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create kv directory: %w", err)
		}
	}

	local := *cfg
	local.Engine.PoolSize = 1
	local.Engine.QueueSize = 0
	local.Cache.Dir = opts.CacheDir
	local.KV.Backend = "file"
	local.KV.FilePath = opts.KVFile
	if opts.KVFile == "" {
		local.KV.Backend = "memory"
	}
	local.Storage = config.StorageConfig{}
	local.Events = config.EventsConfig{}
	local.Telemetry.Enabled = false

	source := pkgcache.NewMemorySource()
	st, err := buildStack(context.Background(), &local, logger, stackOptions{Source: source})
	if err != nil {
		return nil, err
	}
	return &localRunner{
		opts:   opts,
		stack:  st,
		source: source,
		logger: logger,
		name:   functionName(opts.Path),
	}, nil
}

// Close 释放引擎资源。
func (r *localRunner) Close() {
	r.stack.Close()
}

// load 打包（或读取）函数包并放入内存来源，返回引用。
func (r *localRunner) load() (domain.PackageRef, error) {
	info, err := os.Stat(r.opts.Path)
	if err != nil {
		return domain.PackageRef{}, err
	}
	var (
		archive []byte
		sum     string
	)
	if info.IsDir() {
		archive, sum, err = pkgcache.PackDir(r.opts.Path)
		if err != nil {
			return domain.PackageRef{}, fmt.Errorf("failed to pack %s: %w", r.opts.Path, err)
		}
	} else {
		archive, err = os.ReadFile(r.opts.Path)
		if err != nil {
			return domain.PackageRef{}, err
		}
		h := sha256.Sum256(archive)
		sum = hex.EncodeToString(h[:])
	}
	ref := domain.PackageRef{
		FunctionID: r.name,
		Version:    localVersion,
		SHA256:     sum,
		Size:       int64(len(archive)),
	}
	r.source.Put(ref, archive)
	return ref, nil
}

// RunOnce 执行一次调用并打印结果。
func (r *localRunner) RunOnce(ctx context.Context) (domain.InvocationResult, error) {
	ref, err := r.load()
	if err != nil {
		return domain.InvocationResult{}, err
	}
	req := *r.opts.Request
	in := engine.ExecuteInput{
		FunctionID: ref.FunctionID,
		Version:    ref.Version,
		TenantID:   r.opts.Tenant,
		Package:    ref,
		Entry:      r.opts.Entry,
		Env:        r.opts.Env,
		Request:    &req,
		Limits:     r.opts.Limits,
	}
	if !r.opts.JSON {
		in.Sink = func(e domain.ConsoleEntry) {
			fmt.Fprintf(r.opts.Err, "[%s] %s\n", e.Level, e.Message)
		}
	}
	result, err := r.stack.Engine.Execute(ctx, in)
	if err != nil {
		return result, err
	}
	r.print(&result)
	return result, nil
}

func (r *localRunner) print(result *domain.InvocationResult) {
	if r.opts.JSON {
		enc := json.NewEncoder(r.opts.Out)
		enc.SetIndent("", "  ")
		enc.Encode(result)
		return
	}
	start := "warm"
	if result.ColdStart {
		start = "cold"
	}
	fmt.Fprintf(r.opts.Err, "HTTP %d (%s, %s)\n", result.StatusCode, result.Duration.Round(time.Millisecond), start)
	for _, name := range result.HeaderNames() {
		fmt.Fprintf(r.opts.Err, "%s: %s\n", name, result.Headers[name])
	}
	r.opts.Out.Write(result.Body)
	if len(result.Body) > 0 && !bytes.HasSuffix(result.Body, []byte("\n")) {
		fmt.Fprintln(r.opts.Out)
	}
}

// Watch 先执行一次，之后每当目录内文件变化就重新执行，直到 ctx 取消。
func (r *localRunner) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	root := r.opts.Path
	if info, err := os.Stat(root); err == nil && !info.IsDir() {
		root = filepath.Dir(root)
	}
	if err := addWatchDirs(watcher, root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}

	rerun := func() {
		if _, err := r.RunOnce(ctx); err != nil {
			fmt.Fprintf(r.opts.Err, "run failed: %v\n", err)
		}
		fmt.Fprintf(r.opts.Err, "--- watching %s for changes (Ctrl+C to stop)\n", root)
	}
	rerun()

	// 合并短时间内的连续写入
	const debounce = 200 * time.Millisecond
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ignoredPath(event.Name) {
				continue
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					addWatchDirs(watcher, event.Name)
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.WithError(err).Warn("Watcher error")
		case <-timer.C:
			fmt.Fprintf(r.opts.Err, "\n[%s] file changed, re-running\n", time.Now().Format("15:04:05"))
			rerun()
		}
	}
}

func addWatchDirs(w *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != root && ignoredPath(path) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

// ignoredPath 跳过依赖目录、版本库与本地状态目录。
func ignoredPath(path string) bool {
	switch filepath.Base(path) {
	case "node_modules", ".git", ".edgejs":
		return true
	}
	return false
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// functionName 由路径推导函数 ID。
func functionName(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	name := filepath.Base(abs)
	for _, ext := range []string{".tar.gz", ".tgz"} {
		name = strings.TrimSuffix(name, ext)
	}
	name = strings.Trim(invalidNameChars.ReplaceAllString(name, "-"), "-.")
	if name == "" {
		return "function"
	}
	if len(name) > 128 {
		name = name[:128]
	}
	return name
}

func readRunBody(stdin io.Reader) ([]byte, error) {
	switch {
	case runDataFile == "-":
		return io.ReadAll(stdin)
	case runDataFile != "":
		return os.ReadFile(runDataFile)
	case runData != "":
		return []byte(runData), nil
	}
	return nil, nil
}

// buildRunRequest 由命令行参数构造调用请求。
func buildRunRequest(method, path string, query, headers []string, body []byte) (*domain.InvocationRequest, error) {
	req := &domain.InvocationRequest{Method: method, Path: path, Body: body}
	for _, q := range query {
		k, v, _ := strings.Cut(q, "=")
		if k == "" {
			return nil, fmt.Errorf("invalid --query %q: expected KEY=VALUE", q)
		}
		if req.Query == nil {
			req.Query = make(map[string][]string)
		}
		req.Query[k] = append(req.Query[k], v)
	}
	for _, h := range headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			k, v, ok = strings.Cut(h, "=")
		}
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --header %q: expected 'Name: value'", h)
		}
		req.SetHeader(k, strings.TrimSpace(v))
	}
	if len(body) > 0 && req.Header("content-type") == "" && json.Valid(body) {
		req.SetHeader("content-type", "application/json")
	}
	req.Normalize()
	return req, nil
}

func parsePairs(items []string, sep string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, sep)
		if !ok || k == "" {
			return nil, fmt.Errorf("%q: expected KEY%sVALUE", item, sep)
		}
		out[k] = v
	}
	return out, nil
}
