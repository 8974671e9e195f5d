package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ResponseType 对应 Fetch 规范中的响应类型，只有 basic 会被运行时写入缓存。
type ResponseType string

const (
	ResponseTypeBasic   ResponseType = "basic"
	ResponseTypeCORS    ResponseType = "cors"
	ResponseTypeOpaque  ResponseType = "opaque"
	ResponseTypeDefault ResponseType = "default"
)

// Request 描述缓存条目的请求身份：方法 + 去掉 fragment 的 URL，Header 仅用于 Vary 匹配。
type Request struct {
	Method string
	URL    string
	Header http.Header
}

// NewRequest 从 *http.Request 提取缓存身份。
func NewRequest(r *http.Request) Request {
	if r == nil || r.URL == nil {
		return Request{}
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return Request{
		Method: method,
		URL:    r.URL.String(),
		Header: r.Header,
	}
}

// Response 是写入缓存的响应快照，Body 为完整正文。
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	URL        string
	Type       ResponseType
	StoredAt   time.Time
}

// record 是后端持久化的条目格式，正文单独存放（磁盘为 .body 文件，SQLite 为 BLOB 列）。
type record struct {
	Key           string       `json:"key"`
	Method        string       `json:"method"`
	RequestHeader http.Header  `json:"request_header,omitempty"`
	Status        int          `json:"status"`
	StatusText    string       `json:"status_text,omitempty"`
	Header        http.Header  `json:"header"`
	URL           string       `json:"url"`
	Type          ResponseType `json:"type"`
	StoredAt      time.Time    `json:"stored_at"`
	Body          []byte       `json:"-"`
}

func (r *record) size() int64 {
	if r == nil {
		return 0
	}
	return int64(len(r.Body))
}

// backend 抽象具体的持久化实现，Cache API 语义由 Storage/Store 统一处理。
type backend interface {
	createStore(ctx context.Context, name string) (bool, error)
	hasStore(ctx context.Context, name string) (bool, error)
	storeNames(ctx context.Context) ([]string, error)
	deleteStore(ctx context.Context, name string) (bool, error)

	getEntry(ctx context.Context, store, key string) (*record, error)
	putEntry(ctx context.Context, store string, rec *record) error
	removeEntry(ctx context.Context, store, key string) (bool, error)
	entryKeys(ctx context.Context, store string) ([]string, error)

	close() error
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreNotFound 表示指定名称的缓存仓库不存在（可能已在激活阶段被删除）。
	ErrStoreNotFound = errors.New("cache store not found")
	// ErrMethodNotCacheable 表示只有 GET 请求可以写入缓存。
	ErrMethodNotCacheable = errors.New("only GET requests can be cached")
	// ErrPartialResponse 表示 206 响应不可写入缓存。
	ErrPartialResponse = errors.New("partial response cannot be cached")
	// ErrVaryWildcard 表示 Vary: * 的响应永远无法命中，拒绝写入。
	ErrVaryWildcard = errors.New("response with Vary: * cannot be cached")
	// ErrQuotaExceeded 表示内存后端已达到容量上限。
	ErrQuotaExceeded = errors.New("cache quota exceeded")
	// ErrInvalidStoreName 表示缓存仓库名称为空。
	ErrInvalidStoreName = errors.New("cache store name required")
)
