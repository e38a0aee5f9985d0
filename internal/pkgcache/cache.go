// Package pkgcache 提供函数包的本地缓存。
// 归档从对象存储下载，校验 SHA-256 后原子地解压到独立目录再发布；
// 同一 (函数, 版本) 的并发请求只触发一次下载，无引用的条目按最近最少使用顺序淘汰。
package pkgcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/edgejs/internal/config"
	"github.com/oriys/edgejs/internal/domain"
	"github.com/oriys/edgejs/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	bundleName = "bundle.tar.gz"
	metaName   = "meta.json"
	pkgDirName = "pkg"

	// maxExtractBytes 单个函数包解压后的最大字节数
	maxExtractBytes = 512 << 20
)

// Entry 是一个已解压的缓存条目。
type Entry struct {
	Ref        domain.PackageRef
	Dir        string
	Hash       string
	Bytes      int64
	LastAccess time.Time

	refs    int
	stale   bool
	retired bool
}

// LocalPath 返回解压后的包根目录。
func (e *Entry) LocalPath() string {
	return filepath.Join(e.Dir, pkgDirName)
}

type entryMeta struct {
	Ref     domain.PackageRef `json:"ref"`
	Hash    string            `json:"hash"`
	Bytes   int64             `json:"bytes"`
	Created time.Time         `json:"created"`
}

// Stats 是缓存的快照统计。
type Stats struct {
	Entries    int   `json:"entries"`
	Bytes      int64 `json:"bytes"`
	Referenced int   `json:"referenced"`
	Retired    int   `json:"retired"`
}

// Cache 是函数包缓存。
type Cache struct {
	cfg     config.CacheConfig
	source  Source
	logger  *logrus.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	entries    map[string]*Entry
	retired    map[*Entry]struct{}
	totalBytes int64

	group  singleflight.Group
	cron   *cron.Cron
	kick   chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// New 创建缓存，并载入磁盘上已有的条目。
// 已有条目被标记为 stale，首次使用前会完整重算哈希。
func New(cfg config.CacheConfig, source Source, logger *logrus.Logger, m *metrics.Metrics) (*Cache, error) {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 60 * time.Second
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	c := &Cache{
		cfg:     cfg,
		source:  source,
		logger:  logger,
		metrics: m,
		entries: make(map[string]*Entry),
		retired: make(map[*Entry]struct{}),
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	c.load()
	c.metrics.UpdateCacheBytes(c.totalBytes)
	return c, nil
}

// Start 启动后台淘汰任务。
func (c *Cache) Start() error {
	schedule := c.cfg.EvictionSchedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	c.cron = cron.New()
	if _, err := c.cron.AddFunc(schedule, func() { c.Sweep() }); err != nil {
		return fmt.Errorf("invalid eviction schedule %q: %w", schedule, err)
	}
	c.cron.Start()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.kick:
				c.Sweep()
			case <-c.stop:
				return
			}
		}
	}()
	return nil
}

// Close 停止后台任务，不删除磁盘上的条目。
func (c *Cache) Close() {
	c.closed.Do(func() {
		if c.cron != nil {
			<-c.cron.Stop().Done()
		}
		close(c.stop)
		c.wg.Wait()
	})
}

// Ensure 确保 ref 对应的函数包已在本地，返回包根目录与释放函数。
// 返回的 release 必须在绑定该目录的执行上下文销毁时调用一次；持有引用的条目不会被淘汰。
// 参数:
//   - ctx: 调用方上下文，取消时停止等待（下载本身继续，供其他等待者使用）
//   - ref: 函数包引用
//
// 返回:
//   - string: 解压后的包根目录
//   - func(): 释放引用
//   - error: domain.ErrPackageNotFound / ErrPackageCorrupt / ErrPackageIO
func (c *Cache) Ensure(ctx context.Context, ref domain.PackageRef) (string, func(), error) {
	if err := ref.Validate(); err != nil {
		return "", nil, err
	}
	ref.SHA256 = strings.ToLower(ref.SHA256)

	missed := false
	for attempt := 0; attempt < 3; attempt++ {
		if path, release, ok := c.acquire(ref); ok {
			if !missed {
				c.metrics.RecordCacheLookup(true)
			}
			return path, release, nil
		}
		if !missed {
			missed = true
			c.metrics.RecordCacheLookup(false)
		}

		fetchCtx := context.WithoutCancel(ctx)
		ch := c.group.DoChan(ref.Key(), func() (interface{}, error) {
			return nil, c.fill(fetchCtx, ref)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return "", nil, res.Err
			}
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
	return "", nil, fmt.Errorf("%w: entry for %s evicted during fetch", domain.ErrPackageIO, ref.Key())
}

// acquire 在条目有效时增加引用计数。
func (c *Cache) acquire(ref domain.PackageRef) (string, func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[ref.Key()]
	if e == nil || e.stale || e.Hash != ref.SHA256 {
		return "", nil, false
	}
	if !markerValid(e) {
		e.stale = true
		return "", nil, false
	}
	e.refs++
	e.LastAccess = time.Now()
	return e.LocalPath(), c.releaser(e), true
}

func (c *Cache) releaser(e *Entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			e.refs--
			e.LastAccess = time.Now()
			remove := e.retired && e.refs == 0
			if remove {
				delete(c.retired, e)
			}
			c.mu.Unlock()
			if remove {
				os.RemoveAll(e.Dir)
			}
		})
	}
}

// markerValid 是复用前的完整性检查：元数据中的哈希与条目一致且包目录存在。
func markerValid(e *Entry) bool {
	data, err := os.ReadFile(filepath.Join(e.Dir, metaName))
	if err != nil {
		return false
	}
	var meta entryMeta
	if err := json.Unmarshal(data, &meta); err != nil || meta.Hash != e.Hash {
		return false
	}
	info, err := os.Stat(e.LocalPath())
	return err == nil && info.IsDir()
}

// fill 重新校验 stale 条目，或下载并发布新条目。
func (c *Cache) fill(ctx context.Context, ref domain.PackageRef) error {
	start := time.Now()
	key := ref.Key()

	c.mu.Lock()
	e := c.entries[key]
	var verify *Entry
	if e != nil && e.Hash == ref.SHA256 {
		if !e.stale {
			c.mu.Unlock()
			return nil
		}
		verify = e
	}
	c.mu.Unlock()

	if verify != nil {
		if sum, _, err := hashFile(filepath.Join(verify.Dir, bundleName)); err == nil && sum == ref.SHA256 && markerValid(verify) {
			c.mu.Lock()
			if c.entries[key] == verify {
				verify.stale = false
			}
			c.mu.Unlock()
			c.logger.WithField("package", key).Debug("Cached package revalidated")
			return nil
		}
		c.logger.WithField("package", key).Warn("Cached package failed integrity check, refetching")
	}

	err := c.download(ctx, ref)
	c.metrics.RecordPackageFetch(float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"package": key,
			"error":   err.Error(),
		}).Warn("Package fetch failed")
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"package":     key,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Package cached")
	c.kickSweep()
	return nil
}

func (c *Cache) download(ctx context.Context, ref domain.PackageRef) error {
	fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	dir := filepath.Join(c.cfg.Dir, ref.FunctionID, ref.Version, ref.SHA256[:16]+"-"+uuid.New().String()[:8])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPackageIO, err)
	}
	published := false
	defer func() {
		if !published {
			os.RemoveAll(dir)
		}
	}()

	rc, err := c.source.Fetch(fctx, ref)
	if err != nil {
		return classifyFetchError(err)
	}
	sum, n, err := saveAndHash(rc, filepath.Join(dir, bundleName))
	rc.Close()
	if err != nil {
		return classifyFetchError(err)
	}
	if sum != ref.SHA256 {
		return fmt.Errorf("%w: %s expected sha256 %s, got %s", domain.ErrPackageCorrupt, ref.Key(), ref.SHA256, sum)
	}
	if ref.Size > 0 && n != ref.Size {
		return fmt.Errorf("%w: %s expected %d bytes, got %d", domain.ErrPackageCorrupt, ref.Key(), ref.Size, n)
	}

	extracted, err := extractTarGz(filepath.Join(dir, bundleName), filepath.Join(dir, pkgDirName), maxExtractBytes)
	if err != nil {
		return err
	}

	e := &Entry{
		Ref:        ref,
		Dir:        dir,
		Hash:       sum,
		Bytes:      n + extracted,
		LastAccess: time.Now(),
	}
	meta, _ := json.Marshal(entryMeta{Ref: ref, Hash: sum, Bytes: e.Bytes, Created: time.Now()})
	if err := os.WriteFile(filepath.Join(dir, metaName), meta, 0644); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPackageIO, err)
	}

	c.publish(e)
	published = true
	return nil
}

// publish 替换同键的旧条目；旧条目仍被引用时延迟到最后一次释放再删除。
func (c *Cache) publish(e *Entry) {
	key := e.Ref.Key()
	c.mu.Lock()
	old := c.entries[key]
	c.entries[key] = e
	c.totalBytes += e.Bytes
	removeOld := ""
	if old != nil {
		c.totalBytes -= old.Bytes
		if old.refs == 0 {
			removeOld = old.Dir
		} else {
			old.retired = true
			c.retired[old] = struct{}{}
		}
	}
	total := c.totalBytes
	c.mu.Unlock()

	if removeOld != "" {
		os.RemoveAll(removeOld)
	}
	c.metrics.UpdateCacheBytes(total)
}

func saveAndHash(r io.Reader, path string) (string, int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func classifyFetchError(err error) error {
	for _, known := range []error{domain.ErrPackageNotFound, domain.ErrPackageCorrupt, domain.ErrPackageIO, domain.ErrInvalidPackageRef} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrPackageIO, err)
}

// Invalidate 标记条目为 stale，下次使用前完整重算哈希，不一致则重新下载。
func (c *Cache) Invalidate(ref domain.PackageRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[ref.Key()]; e != nil {
		e.stale = true
	}
}

// Stats 返回缓存统计。
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Entries: len(c.entries), Bytes: c.totalBytes, Retired: len(c.retired)}
	for _, e := range c.entries {
		if e.refs > 0 {
			s.Referenced++
		}
	}
	return s
}

func (c *Cache) kickSweep() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Sweep 在缓存超出 MaxBytes 或剩余空间低于 MinFreeBytes 时，
// 按最近最少使用顺序删除无引用的条目，返回删除数量。
func (c *Cache) Sweep() int {
	evicted := 0
	var freed int64
	for {
		free, err := diskFree(c.cfg.Dir)
		if err != nil {
			c.logger.WithError(err).Warn("Failed to probe cache free space")
			free = math.MaxInt64
		}

		c.mu.Lock()
		over := c.cfg.MaxBytes > 0 && c.totalBytes > c.cfg.MaxBytes
		low := c.cfg.MinFreeBytes > 0 && free < c.cfg.MinFreeBytes
		var victim *Entry
		if over || low {
			victim = c.lruVictim()
		}
		if victim == nil {
			total := c.totalBytes
			c.mu.Unlock()
			c.metrics.UpdateCacheBytes(total)
			break
		}
		delete(c.entries, victim.Ref.Key())
		c.totalBytes -= victim.Bytes
		c.mu.Unlock()

		os.RemoveAll(victim.Dir)
		evicted++
		freed += victim.Bytes
		c.logger.WithFields(logrus.Fields{
			"package":  victim.Ref.Key(),
			"bytes":    victim.Bytes,
			"low_disk": low,
		}).Info("Package evicted from cache")
	}
	if evicted > 0 {
		c.metrics.RecordEviction(evicted, freed)
	}
	return evicted
}

// lruVictim 调用方必须持有 c.mu。
func (c *Cache) lruVictim() *Entry {
	var victim *Entry
	for _, e := range c.entries {
		if e.refs > 0 {
			continue
		}
		if victim == nil || e.LastAccess.Before(victim.LastAccess) {
			victim = e
		}
	}
	return victim
}

// load 扫描 <dir>/<function>/<version>/<entry>/ 并恢复条目；无效目录直接删除。
func (c *Cache) load() {
	fns, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return
	}
	for _, fn := range fns {
		if !fn.IsDir() {
			continue
		}
		fnDir := filepath.Join(c.cfg.Dir, fn.Name())
		versions, _ := os.ReadDir(fnDir)
		for _, ver := range versions {
			verDir := filepath.Join(fnDir, ver.Name())
			dirs, _ := os.ReadDir(verDir)
			for _, d := range dirs {
				c.loadEntry(filepath.Join(verDir, d.Name()))
			}
		}
	}
	if n := len(c.entries); n > 0 {
		c.logger.WithFields(logrus.Fields{
			"entries": n,
			"bytes":   c.totalBytes,
		}).Info("Package cache loaded from disk")
	}
}

func (c *Cache) loadEntry(dir string) {
	data, err := os.ReadFile(filepath.Join(dir, metaName))
	if err != nil {
		os.RemoveAll(dir)
		return
	}
	var meta entryMeta
	if err := json.Unmarshal(data, &meta); err != nil || meta.Ref.Validate() != nil {
		os.RemoveAll(dir)
		return
	}
	e := &Entry{
		Ref:        meta.Ref,
		Dir:        dir,
		Hash:       meta.Hash,
		Bytes:      meta.Bytes,
		LastAccess: meta.Created,
		stale:      true,
	}
	key := meta.Ref.Key()
	if old := c.entries[key]; old != nil {
		if old.LastAccess.After(e.LastAccess) {
			os.RemoveAll(dir)
			return
		}
		c.totalBytes -= old.Bytes
		os.RemoveAll(old.Dir)
	}
	c.entries[key] = e
	c.totalBytes += e.Bytes
}
