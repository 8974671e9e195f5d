package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agromind/offline-hub/internal/cache"
	"github.com/agromind/offline-hub/internal/logging"
	"github.com/agromind/offline-hub/internal/metrics"
)

// Source 描述一次拦截请求最终由谁应答。
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
	SourceBypass   Source = "bypass"
)

var (
	// ErrNoResponse 表示缓存与网络均无法给出响应，调用方应向客户端报告网络错误。
	ErrNoResponse = errors.New("no response available")
	// ErrInstallFailed 表示预缓存未完成，工作者不能进入激活阶段。
	ErrInstallFailed = errors.New("install failed")
)

// Fetcher 发出真实网络请求，*http.Client 即满足该接口。
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options 汇总 Manager 依赖的外部组件与参数。
type Options struct {
	CacheName    string
	StaticAssets []string
	// Origin 是应用源站，相对路径的静态资源与同源判断都以它为准。
	Origin  *url.URL
	Storage *cache.Storage
	Fetcher Fetcher
	// PrecacheFetcher 用于安装阶段抓取静态资源，需要跟随重定向；为空时使用 Fetcher。
	PrecacheFetcher Fetcher
	Logger          *logrus.Logger

	MaxRetries         int
	InitialBackoff     time.Duration
	InstallConcurrency int
}

// Result 是 Fetch 的返回值，Response.Body 由调用方负责关闭。
type Result struct {
	Response *http.Response
	Source   Source
	Mode     RequestMode
	Type     cache.ResponseType
}

// Manager 实现 install/activate/fetch 三个事件的处理逻辑。
type Manager struct {
	cacheName   string
	assets      []string
	origin      *url.URL
	storage     *cache.Storage
	fetcher     Fetcher
	precacher   Fetcher
	logger      *logrus.Logger
	maxRetries  int
	backoff     time.Duration
	concurrency int

	// deleteStore 默认是 storage.Delete。
	deleteStore func(ctx context.Context, name string) (bool, error)

	pending sync.WaitGroup
}

// NewManager 校验参数并构建 Manager。
func NewManager(opts Options) (*Manager, error) {
	if strings.TrimSpace(opts.CacheName) == "" {
		return nil, errors.New("cache name required")
	}
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, errors.New("origin url required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	precacher := opts.PrecacheFetcher
	if precacher == nil {
		precacher = opts.Fetcher
	}
	concurrency := opts.InstallConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	m := &Manager{
		cacheName:   opts.CacheName,
		assets:      append([]string(nil), opts.StaticAssets...),
		origin:      opts.Origin,
		storage:     opts.Storage,
		fetcher:     opts.Fetcher,
		precacher:   precacher,
		logger:      logger,
		maxRetries:  retries,
		backoff:     backoff,
		concurrency: concurrency,
	}
	m.deleteStore = m.storage.Delete
	return m, nil
}

// CacheName 返回当前版本的仓库名称。
func (m *Manager) CacheName() string {
	return m.cacheName
}

// StaticAssets 返回预缓存列表的副本。
func (m *Manager) StaticAssets() []string {
	return append([]string(nil), m.assets...)
}

// Storage 返回底层缓存存储。
func (m *Manager) Storage() *cache.Storage {
	return m.storage
}

// Wait 阻塞直到所有后台缓存写入结束。
func (m *Manager) Wait() {
	m.pending.Wait()
}

// Fetch 以缓存优先策略处理一次拦截请求：
//   - 任意仓库命中即直接返回缓存副本；
//   - 未命中时转发到网络，状态 200 的 basic 响应会异步写入当前版本仓库（仅 GET）；
//   - 网络失败时，页面导航回退到缓存的根路径，其余请求返回 ErrNoResponse。
func (m *Manager) Fetch(ctx context.Context, req *http.Request) (*Result, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("nil request")
	}
	mode := ModeOf(req)
	key := cache.NewRequest(req)

	cached, err := m.storage.Match(ctx, key)
	switch {
	case err == nil:
		return &Result{Response: cached.HTTP(req), Source: SourceCache, Mode: mode, Type: cached.Type}, nil
	case errors.Is(err, cache.ErrNotFound):
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		// 查询失败按未命中处理，继续走网络。
		m.logger.WithFields(logging.RequestFields(m.cacheName, req.Method, key.URL, string(mode), "")).
			WithError(err).Warn("cache_match_failed")
	}

	resp, err := m.fetcher.Do(req.WithContext(ctx))
	if err != nil {
		return m.offline(ctx, req, mode, err)
	}

	typ := classifyResponse(m.origin, req.URL, resp, mode)
	if resp.StatusCode != http.StatusOK || typ != cache.ResponseTypeBasic {
		return &Result{Response: resp, Source: SourceNetwork, Mode: mode, Type: typ}, nil
	}

	snapshot, err := cache.SnapshotResponse(resp, typ)
	if err != nil {
		return m.offline(ctx, req, mode, err)
	}
	if isGet(req.Method) {
		m.putAsync(ctx, key, snapshot)
	}
	return &Result{Response: resp, Source: SourceNetwork, Mode: mode, Type: typ}, nil
}

// Passthrough 在工作者尚未激活时直接转发请求，不读取也不写入缓存。
func (m *Manager) Passthrough(ctx context.Context, req *http.Request) (*Result, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("nil request")
	}
	mode := ModeOf(req)
	resp, err := m.fetcher.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoResponse, err)
	}
	return &Result{
		Response: resp,
		Source:   SourceBypass,
		Mode:     mode,
		Type:     classifyResponse(m.origin, req.URL, resp, mode),
	}, nil
}

func (m *Manager) offline(ctx context.Context, req *http.Request, mode RequestMode, cause error) (*Result, error) {
	if mode != ModeNavigate {
		return nil, fmt.Errorf("%w: %w", ErrNoResponse, cause)
	}
	root := m.origin.ResolveReference(&url.URL{Path: "/"})
	cached, err := m.storage.MatchWith(ctx, cache.Request{Method: http.MethodGet, URL: root.String()}, cache.MatchOptions{IgnoreVary: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoResponse, cause)
	}
	m.logger.WithFields(logging.RequestFields(m.cacheName, req.Method, req.URL.String(), string(mode), string(SourceFallback))).
		WithError(cause).Warn("navigation_offline_fallback")
	return &Result{Response: cached.HTTP(req), Source: SourceFallback, Mode: mode, Type: cached.Type}, nil
}

// putAsync 在后台写入当前版本仓库，不阻塞响应返回；写入失败只记录日志。
func (m *Manager) putAsync(ctx context.Context, key cache.Request, snapshot *cache.Response) {
	key.Header = key.Header.Clone()
	base := context.WithoutCancel(ctx)
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		fields := logging.RequestFields(m.cacheName, key.Method, key.URL, "", string(SourceNetwork))
		store, err := m.storage.Open(base, m.cacheName)
		if err == nil {
			err = store.Put(base, key, snapshot)
		}
		if err != nil {
			metrics.CachePutTotal.WithLabelValues("failed").Inc()
			m.logger.WithFields(fields).WithError(err).Warn("cache_put_failed")
			return
		}
		metrics.CachePutTotal.WithLabelValues("stored").Inc()
		m.logger.WithFields(fields).Debug("cache_put")
	}()
}

func isGet(method string) bool {
	return method == "" || strings.EqualFold(method, http.MethodGet)
}
