package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// rotatingFile 超过 MaxLogFileSize 后自动归档的日志文件，实现 zapcore.WriteSyncer
type rotatingFile struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	written int64
	maxSize int64
}

func openRotatingFile(path string) (*rotatingFile, error) {
	rf := &rotatingFile{path: path, maxSize: MaxLogFileSize}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *rotatingFile) open() error {
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	rf.file = f
	rf.written = info.Size()
	return nil
}

// Write 写入一行日志，写入前检查是否需要归档
func (rf *rotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.written+int64(len(p)) > rf.maxSize {
		rf.file.Close()
		if err := rotateIfNeeded(rf.path, rf.maxSize); err != nil {
			// 归档失败时继续写入原文件
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		if err := rf.open(); err != nil {
			return 0, err
		}
	}

	n, err := rf.file.Write(p)
	rf.written += int64(n)
	return n, err
}

// Sync 刷新文件
func (rf *rotatingFile) Sync() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.file.Sync()
}

// Close 关闭文件
func (rf *rotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.file.Close()
}

// rotateIfNeeded 检查日志文件大小，如果超过阈值则归档（运行时使用）
func rotateIfNeeded(logPath string, maxSize int64) error {
	fileInfo, err := os.Stat(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if fileInfo.Size() < maxSize {
		return nil
	}

	timestamp := time.Now().Format("20060102_150405.000")
	backupPath := fmt.Sprintf("%s.%s", logPath, timestamp)
	if err := os.Rename(logPath, backupPath); err != nil {
		return fmt.Errorf("归档日志文件失败: %w", err)
	}

	return nil
}
