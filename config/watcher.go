// 配置文件变更监听器实现。
//
// 轮询文件修改时间，防抖后重新加载配置并回调。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 文件监听器类型定义 ---

// ReloadFunc 配置重新加载成功后的回调
type ReloadFunc func(cfg *Config)

// FileWatcher 监听单个配置文件，变更后通过 Loader 重新加载
type FileWatcher struct {
	mu sync.Mutex

	path          string
	loader        *Loader
	pollInterval  time.Duration
	debounceDelay time.Duration

	running   bool
	stopChan  chan struct{}
	callbacks []ReloadFunc
	logger    *zap.Logger

	lastModTime time.Time
}

// --- 文件监听器选项 ---

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.pollInterval = d
	}
}

// WithDebounceDelay sets the debounce delay for file events
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		w.logger = logger
	}
}

// --- 文件监听器实现 ---

// NewFileWatcher 创建监听器。loader 应与启动时使用的加载器配置一致。
func NewFileWatcher(path string, loader *Loader, opts ...WatcherOption) (*FileWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	w := &FileWatcher{
		path:          path,
		loader:        loader,
		pollInterval:  time.Second,
		debounceDelay: 100 * time.Millisecond,
		stopChan:      make(chan struct{}),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
		}
		w.logger.Warn("Config file does not exist, will watch for creation", zap.String("path", path))
	}
	return w, nil
}

// OnReload 注册重新加载回调
func (w *FileWatcher) OnReload(callback ReloadFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching for file changes
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	if info, err := os.Stat(w.path); err == nil {
		w.lastModTime = info.ModTime()
	}
	w.mu.Unlock()

	go w.pollLoop(ctx)

	w.logger.Info("File watcher started",
		zap.String("path", w.path),
		zap.Duration("poll_interval", w.pollInterval))
	return nil
}

// Stop stops the file watcher
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	close(w.stopChan)
	w.running = false

	w.logger.Info("File watcher stopped")
	return nil
}

// IsRunning returns whether the watcher is running
func (w *FileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// pollLoop 检测到修改后等待 debounceDelay 内不再变化才加载
func (w *FileWatcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var pendingSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case now := <-ticker.C:
			if w.changed() {
				pendingSince = now
				continue
			}
			if !pendingSince.IsZero() && now.Sub(pendingSince) >= w.debounceDelay {
				pendingSince = time.Time{}
				w.reload()
			}
		}
	}
}

// changed 比较修改时间
func (w *FileWatcher) changed() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if info.ModTime().Equal(w.lastModTime) {
		return false
	}
	w.lastModTime = info.ModTime()
	return true
}

// reload 加载并校验新配置，失败时保留当前配置
func (w *FileWatcher) reload() {
	cfg, err := w.loader.WithConfigPath(w.path).Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.Error("Config reload rejected, keeping current config", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	callbacks := make([]ReloadFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	w.logger.Info("Config reloaded", zap.String("path", w.path))
	for _, cb := range callbacks {
		cb(cfg)
	}
}
