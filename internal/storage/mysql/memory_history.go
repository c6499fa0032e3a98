package mysql

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	xerrors "cronos-sentinel/internal/errors"
)

const memoryHistoryCap = 4096

// MemoryHistoryRepository 使用本地 JSON 行文件模拟 MySQL，方便本地运行与测试。
type MemoryHistoryRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []HistoryRecord
	index    map[string]struct{}
	cursors  map[string]uint64
}

// NewMemoryHistoryRepository 创建仓库；dataDir 为空时仅保存在内存中。
func NewMemoryHistoryRepository(dataDir string) (*MemoryHistoryRepository, error) {
	repo := &MemoryHistoryRepository{
		index:   make(map[string]struct{}),
		cursors: make(map[string]uint64),
	}
	if strings.TrimSpace(dataDir) == "" {
		return repo, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo.dataFile = filepath.Join(dataDir, "settlement_history.log")
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录历史，重复 ID 会被忽略。
func (m *MemoryHistoryRepository) Save(_ context.Context, record HistoryRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.index[record.ID]; ok {
		return nil
	}
	if m.dataFile != "" {
		if err := m.appendToDisk(record); err != nil {
			return err
		}
	}
	m.insert(record)
	return nil
}

// List 返回符合条件的记录。
func (m *MemoryHistoryRepository) List(_ context.Context, opts ...ListOption) ([]HistoryRecord, error) {
	options := buildListOptions(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]HistoryRecord, 0, options.Limit)
	for _, record := range m.records {
		if options.matches(record) {
			matched = append(matched, record)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if options.Order == SortOldestFirst {
			return matched[i].OccurredAt < matched[j].OccurredAt
		}
		return matched[i].OccurredAt > matched[j].OccurredAt
	})

	if options.Offset >= len(matched) {
		return []HistoryRecord{}, nil
	}
	matched = matched[options.Offset:]
	if len(matched) > options.Limit {
		matched = matched[:options.Limit]
	}
	out := make([]HistoryRecord, len(matched))
	copy(out, matched)
	return out, nil
}

// LoadCursor 实现 CursorStore。
func (m *MemoryHistoryRepository) LoadCursor(_ context.Context, name string) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	block, ok := m.cursors[name]
	return block, ok, nil
}

// SaveCursor 实现 CursorStore。
func (m *MemoryHistoryRepository) SaveCursor(_ context.Context, name string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[name] = block
	return nil
}

// Close 实现 HistoryRepository。
func (m *MemoryHistoryRepository) Close() error {
	return nil
}

func (m *MemoryHistoryRepository) insert(record HistoryRecord) {
	m.records = append(m.records, record)
	m.index[record.ID] = struct{}{}
	if len(m.records) > memoryHistoryCap {
		evicted := m.records[0]
		delete(m.index, evicted.ID)
		m.records = m.records[1:]
	}
}

func (m *MemoryHistoryRepository) appendToDisk(record HistoryRecord) error {
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开历史日志失败")
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化历史记录失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入历史日志失败")
	}
	return nil
}

func (m *MemoryHistoryRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取历史日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var record HistoryRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if _, ok := m.index[record.ID]; ok {
			continue
		}
		m.insert(record)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, fmt.Errorf("%s: %w", m.dataFile, err), "解析历史日志失败")
	}
	return nil
}

var (
	_ HistoryRepository = (*MemoryHistoryRepository)(nil)
	_ CursorStore       = (*MemoryHistoryRepository)(nil)
)
