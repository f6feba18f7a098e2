package tracking

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	xerrors "Clawracle-Agent/internal/errors"
	"Clawracle-Agent/pkg/logger"
)

// Store 是跟踪存储的统一契约。所有变更方法在返回前都已同步持久化，
// 整表写入由实现内部的互斥锁串行化。
type Store interface {
	// Load 从持久化介质恢复全量状态，文件缺失视为空表。
	Load(ctx context.Context) error
	// Get 返回某个请求的拷贝。
	Get(id uint64) (*TrackedRequest, bool)
	// Snapshot 返回全表拷贝，供调度器扫描。
	Snapshot() map[uint64]*TrackedRequest
	// Put 插入或整体替换一条记录并持久化。
	Put(req *TrackedRequest) error
	// Update 以读-改-写方式原位修改一条记录并持久化，记录不存在时返回 false。
	Update(id uint64, fn func(*TrackedRequest)) (bool, error)
	// Remove 删除一条记录并持久化，不存在时为空操作。
	Remove(id uint64) error
	// Len 返回当前跟踪的请求数量。
	Len() int
	// TryAcquire 尝试取得某个请求的进程内执行权，已被占用时返回 false。
	TryAcquire(id uint64) bool
	// Release 归还执行权，未持有时为空操作。
	Release(id uint64)
	// InFlight 判断某个请求当前是否有尝试在途。
	InFlight(id uint64) bool
	// Close 释放底层资源。
	Close() error
}

// inflightSet 是进程内的请求级互斥集合，从不持久化，
// 进程重启后自然清空。
type inflightSet struct {
	mu  sync.Mutex
	ids map[uint64]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{ids: make(map[uint64]struct{})}
}

func (s *inflightSet) TryAcquire(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.ids[id]; held {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *inflightSet) Release(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

func (s *inflightSet) InFlight(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.ids[id]
	return held
}

// fileDocument 是磁盘上的 JSON 外层结构。
type fileDocument struct {
	TrackedRequests map[string]*TrackedRequest `json:"trackedRequests"`
}

// FileStore 将全量状态保存在单个 JSON 文件中，
// 每次变更整表重写，先写临时文件再原子改名。
type FileStore struct {
	*inflightSet

	path     string
	mu       sync.Mutex
	requests map[uint64]*TrackedRequest
	log      *slog.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore 创建文件存储，Load 之前不可读写。
func NewFileStore(path string) *FileStore {
	return &FileStore{
		inflightSet: newInflightSet(),
		path:        path,
		requests:    make(map[uint64]*TrackedRequest),
		log:         logger.Named("tracking"),
	}
}

// Load 读取持久化文件。文件缺失或内容损坏都降级为空表并记录日志，
// 绝不向调用方抛出启动失败。
func (s *FileStore) Load(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Info("跟踪文件不存在，从空表启动", "path", s.path)
			return nil
		}
		s.log.Warn("读取跟踪文件失败，从空表启动", "path", s.path, "error", err)
		return nil
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.log.Warn("跟踪文件内容损坏，从空表启动", "path", s.path, "error", err)
		return nil
	}
	for key, req := range doc.TrackedRequests {
		if req == nil {
			continue
		}
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			// 键损坏时以记录内的编号为准。
			id = req.RequestID
		}
		req.RequestID = id
		s.requests[id] = req
	}
	s.log.Info("跟踪状态已恢复", "count", len(s.requests), "path", s.path)
	return nil
}

// Get 返回记录的拷贝。
func (s *FileStore) Get(id uint64) (*TrackedRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, false
	}
	return req.Clone(), true
}

// Snapshot 返回全表拷贝。
func (s *FileStore) Snapshot() map[uint64]*TrackedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]*TrackedRequest, len(s.requests))
	for id, req := range s.requests {
		out[id] = req.Clone()
	}
	return out
}

// Put 插入或替换一条记录并立即落盘。
func (s *FileStore) Put(req *TrackedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.RequestID] = req.Clone()
	return s.saveLocked()
}

// Update 原位修改一条记录并立即落盘。
func (s *FileStore) Update(id uint64, fn func(*TrackedRequest)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return false, nil
	}
	fn(req)
	return true, s.saveLocked()
}

// Remove 删除一条记录并立即落盘。
func (s *FileStore) Remove(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[id]; !ok {
		return nil
	}
	delete(s.requests, id)
	return s.saveLocked()
}

// Len 返回当前跟踪数量。
func (s *FileStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Close 无底层连接需要释放。
func (s *FileStore) Close() error {
	return nil
}

// saveLocked 整表序列化后写临时文件并原子改名，调用方必须持有 s.mu。
func (s *FileStore) saveLocked() error {
	doc := fileDocument{TrackedRequests: make(map[string]*TrackedRequest, len(s.requests))}
	for id, req := range s.requests {
		doc.TrackedRequests[strconv.FormatUint(id, 10)] = req
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化跟踪状态失败")
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tracking-*")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时跟踪文件失败")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入临时跟踪文件失败")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭临时跟踪文件失败")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换跟踪文件失败")
	}
	return nil
}
