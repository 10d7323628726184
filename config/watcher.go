package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const defaultReloadDebounce = 250 * time.Millisecond

// Watcher 监听配置文件与凭证文件，变更后重新加载并替换 Store 中的配置
// 监听的是所在目录，编辑器的"写临时文件再 rename"也能被捕获；
// 加载失败时保留旧配置
type Watcher struct {
	path     string
	store    *Store
	logger   *logrus.Logger
	load     func(string) (*Config, error)
	debounce time.Duration

	fsw      *fsnotify.Watcher
	mu       sync.Mutex
	files    map[string]struct{}
	dirs     map[string]struct{}
	timer    *time.Timer
	onReload []func(*Config)
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher 创建监听器；path 为空时只监听凭证文件
func NewWatcher(path string, store *Store, logger *logrus.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:     path,
		store:    store,
		logger:   logger,
		load:     Load,
		debounce: defaultReloadDebounce,
		fsw:      fsw,
		files:    map[string]struct{}{},
		dirs:     map[string]struct{}{},
		done:     make(chan struct{}),
	}, nil
}

// OnReload 注册重载成功后的回调
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	w.onReload = append(w.onReload, fn)
	w.mu.Unlock()
}

// Start 开始监听；没有任何可监听的文件时返回 false
func (w *Watcher) Start() (bool, error) {
	if err := w.track(w.store.Get()); err != nil {
		return false, err
	}
	w.mu.Lock()
	n := len(w.files)
	w.mu.Unlock()
	if n == 0 {
		return false, nil
	}
	go w.loop()
	return true, nil
}

// track 把配置文件和凭证文件加入监听集合
func (w *Watcher) track(cfg *Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, p := range []string{w.path, cfg.TokensFile} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		w.files[abs] = struct{}{}

		dir := filepath.Dir(abs)
		if _, ok := w.dirs[dir]; ok {
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.dirs[dir] = struct{}{}
	}
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debugf("Config file event: %s %s", event.Op, event.Name)
			w.schedule()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.files[filepath.Clean(event.Name)]
	return ok
}

// schedule 合并短时间内的多次事件
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.Reload(); err != nil {
			w.logger.Errorf("❌ Config reload failed, keeping previous configuration: %v", err)
		}
	})
}

// Reload 立即重新加载配置
func (w *Watcher) Reload() error {
	select {
	case <-w.done:
		return nil
	default:
	}

	cfg, err := w.load(w.path)
	if err != nil {
		return err
	}
	w.store.Set(cfg)
	if err := w.track(cfg); err != nil && !os.IsNotExist(err) {
		w.logger.Warnf("⚠️ Could not watch tokens file %q: %v", cfg.TokensFile, err)
	}
	w.logger.Infof("🔄 Configuration reloaded: %d token(s)", len(cfg.Tokens))

	w.mu.Lock()
	callbacks := append([]func(*Config){}, w.onReload...)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return nil
}

// Close 停止监听
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.fsw.Close()
	})
	return err
}
