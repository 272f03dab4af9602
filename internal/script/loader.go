package script

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	apperr "myproxy.com/subconv/internal/error"
	"myproxy.com/subconv/internal/logging"
)

// Loader 读取并缓存脚本文件，文件变化时自动失效
type Loader struct {
	mu      sync.RWMutex
	cache   map[string]string // 绝对路径 -> 内容
	dirs    map[string]bool   // 已监听的目录
	watcher *fsnotify.Watcher
	log     logging.Sink

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewLoader 创建脚本加载器并启动文件监听
func NewLoader(log logging.Sink) (*Loader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}

	l := &Loader{
		cache:   make(map[string]string),
		dirs:    make(map[string]bool),
		watcher: watcher,
		log:     log,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Resolve 解析脚本引用。"path:<file>" 返回文件内容，其它原样返回
func (l *Loader) Resolve(ref string) (string, error) {
	path, ok := strings.CutPrefix(ref, PathPrefix)
	if !ok {
		return ref, nil
	}
	return l.ReadFile(path)
}

// ReadFile 读取脚本文件（带缓存）
func (l *Loader) ReadFile(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperr.New(apperr.CodeScriptFault, "解析脚本路径失败", err)
	}

	l.mu.RLock()
	content, ok := l.cache[abs]
	l.mu.RUnlock()
	if ok {
		return content, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", apperr.New(apperr.CodeScriptFault, "读取脚本文件失败", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[abs] = string(data)
	dir := filepath.Dir(abs)
	if !l.dirs[dir] {
		// 监听目录而不是文件，编辑器保存时的重命名替换也能捕获
		if err := l.watcher.Add(dir); err != nil {
			l.log.Warnf("监听脚本目录失败 %s: %v", dir, err)
		} else {
			l.dirs[dir] = true
		}
	}
	return string(data), nil
}

// Close 停止监听
func (l *Loader) Close() error {
	var err error
	l.once.Do(func() {
		close(l.stopCh)
		<-l.doneCh
		err = l.watcher.Close()
	})
	return err
}

func (l *Loader) run() {
	defer close(l.doneCh)
	for {
		select {
		case <-l.stopCh:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.invalidate(event.Name)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Errorf("脚本文件监听错误: %v", err)
		}
	}
}

func (l *Loader) invalidate(name string) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.cache[abs]; ok {
		delete(l.cache, abs)
		l.log.Debugf("脚本文件已变化，缓存失效: %s", abs)
	}
}
