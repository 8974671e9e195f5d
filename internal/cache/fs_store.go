package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	storeMarkerFile = ".store"
	metaSuffix      = ".meta"
	bodySuffix      = ".body"
)

// NewDiskStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewDiskStorage(basePath string) (*Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return newStorage(&fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, "disk"), nil
}

// fileStore 的磁盘布局：
//
//	<StoragePath>/<hex(仓库名)>/.store          # 仓库名称与创建时间
//	<StoragePath>/<hex(仓库名)>/<sha256>.<代号>.body   # 正文
//	<StoragePath>/<hex(仓库名)>/<sha256>.meta          # 状态码/响应头/请求 Vary 头/正文文件名
//
// 写入顺序为 body → meta，meta 的 rename 使新代号对读取方可见，之后才删除旧正文。
// 同一条目的读写通过 entryLock 串行化，仓库的创建/删除由 storeMu 保护。
type fileStore struct {
	basePath string

	storeMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

// diskMeta 是 .meta 文件内容，BodyFile 指向当前代号的正文文件。
type diskMeta struct {
	record
	BodyFile string `json:"body_file,omitempty"`
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type storeMarker struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *fileStore) createStore(ctx context.Context, name string) (bool, error) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	dir := s.storeDir(name)
	if _, err := os.Stat(filepath.Join(dir, storeMarkerFile)); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	payload, err := json.Marshal(storeMarker{Name: name, CreatedAt: time.Now().UTC()})
	if err != nil {
		return false, err
	}
	if _, err := writeFileAtomic(ctx, dir, filepath.Join(dir, storeMarkerFile), bytes.NewReader(payload)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) hasStore(_ context.Context, name string) (bool, error) {
	s.storeMu.RLock()
	defer s.storeMu.RUnlock()
	return s.storeExists(name)
}

func (s *fileStore) storeNames(_ context.Context) ([]string, error) {
	s.storeMu.RLock()
	defer s.storeMu.RUnlock()

	dirs, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	markers := make([]storeMarker, 0, len(dirs))
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.basePath, dir.Name(), storeMarkerFile))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var marker storeMarker
		if err := json.Unmarshal(raw, &marker); err != nil || marker.Name == "" {
			continue
		}
		markers = append(markers, marker)
	}
	sort.SliceStable(markers, func(i, j int) bool {
		if markers[i].CreatedAt.Equal(markers[j].CreatedAt) {
			return markers[i].Name < markers[j].Name
		}
		return markers[i].CreatedAt.Before(markers[j].CreatedAt)
	})
	names := make([]string, len(markers))
	for i, marker := range markers {
		names[i] = marker.Name
	}
	return names, nil
}

func (s *fileStore) deleteStore(_ context.Context, name string) (bool, error) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	exists, err := s.storeExists(name)
	if err != nil || !exists {
		return false, err
	}
	if err := os.RemoveAll(s.storeDir(name)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) getEntry(_ context.Context, store, key string) (*record, error) {
	s.storeMu.RLock()
	defer s.storeMu.RUnlock()

	if exists, err := s.storeExists(store); err != nil {
		return nil, err
	} else if !exists {
		return nil, ErrStoreNotFound
	}

	unlock := s.lockEntry(store, key)
	defer unlock()

	meta, err := s.readMeta(store, key)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(s.bodyPath(store, key, meta.BodyFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec := meta.record
	rec.Body = body
	return &rec, nil
}

// putEntry 先写入带新代号的正文文件，再原子替换 meta；meta 写入失败时旧条目保持不变。
func (s *fileStore) putEntry(ctx context.Context, store string, rec *record) error {
	s.storeMu.RLock()
	defer s.storeMu.RUnlock()

	if exists, err := s.storeExists(store); err != nil {
		return err
	} else if !exists {
		return ErrStoreNotFound
	}

	unlock := s.lockEntry(store, rec.Key)
	defer unlock()

	previous, _ := s.readMeta(store, rec.Key)

	base := s.entryBase(store, rec.Key)
	bodyFile := filepath.Base(base) + "." + uuid.NewString() + bodySuffix
	meta, err := json.Marshal(diskMeta{record: *rec, BodyFile: bodyFile})
	if err != nil {
		return err
	}

	dir := s.storeDir(store)
	bodyPath := filepath.Join(dir, bodyFile)
	if _, err := writeFileAtomic(ctx, dir, bodyPath, bytes.NewReader(rec.Body)); err != nil {
		return err
	}
	if _, err := writeFileAtomic(ctx, dir, base+metaSuffix, bytes.NewReader(meta)); err != nil {
		os.Remove(bodyPath)
		return err
	}
	if previous != nil {
		if old := s.bodyPath(store, rec.Key, previous.BodyFile); old != bodyPath {
			os.Remove(old)
		}
	}
	return nil
}

func (s *fileStore) removeEntry(_ context.Context, store, key string) (bool, error) {
	s.storeMu.RLock()
	defer s.storeMu.RUnlock()

	if exists, err := s.storeExists(store); err != nil {
		return false, err
	} else if !exists {
		return false, ErrStoreNotFound
	}

	unlock := s.lockEntry(store, key)
	defer unlock()

	meta, err := s.readMeta(store, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	bodyFile := ""
	if err == nil {
		bodyFile = meta.BodyFile
	}
	if err := os.Remove(s.entryBase(store, key) + metaSuffix); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(s.bodyPath(store, key, bodyFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return true, err
	}
	return true, nil
}

func (s *fileStore) entryKeys(_ context.Context, store string) ([]string, error) {
	s.storeMu.RLock()
	defer s.storeMu.RUnlock()

	if exists, err := s.storeExists(store); err != nil {
		return nil, err
	} else if !exists {
		return nil, ErrStoreNotFound
	}

	metas, err := filepath.Glob(filepath.Join(s.storeDir(store), "*"+metaSuffix))
	if err != nil {
		return nil, err
	}
	type keyed struct {
		key      string
		storedAt time.Time
	}
	entries := make([]keyed, 0, len(metas))
	for _, metaPath := range metas {
		raw, err := os.ReadFile(metaPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		entries = append(entries, keyed{key: rec.Key, storedAt: rec.StoredAt})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].storedAt.Equal(entries[j].storedAt) {
			return entries[i].key < entries[j].key
		}
		return entries[i].storedAt.Before(entries[j].storedAt)
	})
	keys := make([]string, len(entries))
	for i, entry := range entries {
		keys[i] = entry.key
	}
	return keys, nil
}

func (s *fileStore) close() error {
	return nil
}

func (s *fileStore) storeExists(name string) (bool, error) {
	info, err := os.Stat(filepath.Join(s.storeDir(name), storeMarkerFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

func (s *fileStore) storeDir(name string) string {
	return filepath.Join(s.basePath, hex.EncodeToString([]byte(name)))
}

func (s *fileStore) entryBase(store, key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.storeDir(store), hex.EncodeToString(sum[:]))
}

// bodyPath 返回 meta 指向的正文文件；旧版本 meta 没有记录文件名时回退到固定路径。
func (s *fileStore) bodyPath(store, key, bodyFile string) string {
	if bodyFile == "" {
		return s.entryBase(store, key) + bodySuffix
	}
	return filepath.Join(s.storeDir(store), filepath.Base(bodyFile))
}

func (s *fileStore) readMeta(store, key string) (*diskMeta, error) {
	raw, err := os.ReadFile(s.entryBase(store, key) + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta diskMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}
	return &meta, nil
}

func (s *fileStore) lockEntry(store, key string) func() {
	lockKey := store + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

// writeFileAtomic 先写入同目录下的临时文件，再 rename 到目标路径；失败时清理临时文件。
func writeFileAtomic(ctx context.Context, dir, target string, body io.Reader) (int64, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	return written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
