package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Storage 管理全部具名缓存仓库，对应浏览器中的 CacheStorage。
type Storage struct {
	backend backend
	kind    string
	now     func() time.Time
}

// Store 是单个具名缓存仓库，对应浏览器中的 Cache。
type Store struct {
	name    string
	backend backend
	now     func() time.Time
}

// StoreStats 汇总单个仓库的条目数量与正文字节数，供诊断接口展示。
type StoreStats struct {
	Name    string
	Entries int
	Bytes   int64
	Keys    []string
}

func newStorage(b backend, kind string) *Storage {
	return &Storage{backend: b, kind: kind, now: time.Now}
}

// Backend 返回当前使用的后端名称（disk/sqlite/memory）。
func (s *Storage) Backend() string {
	return s.kind
}

// Open 打开指定名称的仓库，不存在时自动创建。
func (s *Storage) Open(ctx context.Context, name string) (*Store, error) {
	if err := validateStoreName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.backend.createStore(ctx, name); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &Store{name: name, backend: s.backend, now: s.now}, nil
}

// Has 判断指定名称的仓库是否存在。
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	if err := validateStoreName(name); err != nil {
		return false, err
	}
	return s.backend.hasStore(ctx, name)
}

// Delete 删除整个仓库及其全部条目，返回仓库此前是否存在。
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateStoreName(name); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.backend.deleteStore(ctx, name)
}

// Keys 按创建顺序返回全部仓库名称。
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.backend.storeNames(ctx)
}

// MatchOptions 控制匹配行为。
type MatchOptions struct {
	// IgnoreVary 为 true 时只按 URL 匹配，不比较 Vary 声明的请求头。
	IgnoreVary bool
}

// Match 按创建顺序在所有仓库中查找请求，返回第一个命中；均未命中时返回 ErrNotFound。
func (s *Storage) Match(ctx context.Context, req Request) (*Response, error) {
	return s.MatchWith(ctx, req, MatchOptions{})
}

// MatchWith 与 Match 相同，但允许指定匹配选项。
func (s *Storage) MatchWith(ctx context.Context, req Request, opts MatchOptions) (*Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		store := &Store{name: name, backend: s.backend, now: s.now}
		resp, err := store.MatchWith(ctx, req, opts)
		switch {
		case err == nil:
			return resp, nil
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrStoreNotFound):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// Stats 返回每个仓库的条目统计。
func (s *Storage) Stats(ctx context.Context) ([]StoreStats, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]StoreStats, 0, len(names))
	for _, name := range names {
		store := &Store{name: name, backend: s.backend, now: s.now}
		stats, err := store.Stats(ctx)
		if errors.Is(err, ErrStoreNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, stats)
	}
	return result, nil
}

// Close 释放后端资源。
func (s *Storage) Close() error {
	return s.backend.close()
}

// Name 返回仓库名称（即缓存版本号）。
func (c *Store) Name() string {
	return c.name
}

// Match 查找请求对应的缓存响应。仅 GET 请求会参与匹配，其它方法直接返回 ErrNotFound。
func (c *Store) Match(ctx context.Context, req Request) (*Response, error) {
	return c.MatchWith(ctx, req, MatchOptions{})
}

// MatchWith 与 Match 相同，但允许指定匹配选项。
func (c *Store) MatchWith(ctx context.Context, req Request, opts MatchOptions) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !isGet(req.Method) {
		return nil, ErrNotFound
	}
	rec, err := c.backend.getEntry(ctx, c.name, KeyFor(req.URL))
	if err != nil {
		return nil, err
	}
	if !opts.IgnoreVary && !varyMatches(rec, req.Header) {
		return nil, ErrNotFound
	}
	return rec.response(), nil
}

// Put 写入（或替换）请求对应的响应快照。
func (c *Store) Put(ctx context.Context, req Request, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	if !isGet(req.Method) {
		return ErrMethodNotCacheable
	}
	if resp.Status == http.StatusPartialContent {
		return ErrPartialResponse
	}
	if hasVaryWildcard(resp.Header) {
		return ErrVaryWildcard
	}
	return c.backend.putEntry(ctx, c.name, newRecord(req, resp, c.now()))
}

// Delete 删除请求对应的条目，返回条目此前是否存在。
func (c *Store) Delete(ctx context.Context, req Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !isGet(req.Method) {
		return false, nil
	}
	return c.backend.removeEntry(ctx, c.name, KeyFor(req.URL))
}

// Keys 按写入顺序返回仓库内全部条目的 URL。
func (c *Store) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.backend.entryKeys(ctx, c.name)
}

// Stats 汇总当前仓库的条目数量与大小。
func (c *Store) Stats(ctx context.Context) (StoreStats, error) {
	keys, err := c.Keys(ctx)
	if err != nil {
		return StoreStats{}, err
	}
	stats := StoreStats{Name: c.name, Keys: keys}
	for _, key := range keys {
		rec, err := c.backend.getEntry(ctx, c.name, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return StoreStats{}, err
		}
		stats.Entries++
		stats.Bytes += rec.size()
	}
	return stats, nil
}

func isGet(method string) bool {
	return method == "" || strings.EqualFold(method, http.MethodGet)
}

func validateStoreName(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidStoreName
	}
	return nil
}
