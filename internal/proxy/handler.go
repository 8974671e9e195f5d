package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/agromind/offline-hub/internal/logging"
	"github.com/agromind/offline-hub/internal/metrics"
	"github.com/agromind/offline-hub/internal/server"
	"github.com/agromind/offline-hub/internal/worker"
)

// CacheStatusHeader 标记响应的来源：hit/miss/fallback/bypass。
const CacheStatusHeader = "X-Offline-Hub-Cache"

// Handler 把每个进入的请求交给离线工作者：激活前直接透传到源站，
// 激活后走缓存优先策略；工作者给不出响应时返回 502 network_failed。
type Handler struct {
	registration *worker.Registration
	origin       *url.URL
	logger       *logrus.Logger
}

// NewHandler constructs a proxy handler bound to the worker registration.
func NewHandler(registration *worker.Registration, origin *url.URL, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Handler{
		registration: registration,
		origin:       origin,
		logger:       logger,
	}
}

// Handle 构建出站请求、调用工作者并把结果写回客户端，每个请求都会输出一条结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	target := resolveTargetURL(h.origin, c)
	req, err := h.buildUpstreamRequest(ctx, c, target)
	if err != nil {
		h.logResult(c.Method(), target.String(), "", "", requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	manager := h.registration.Manager()
	var result *worker.Result
	if h.registration.Active() {
		result, err = manager.Fetch(ctx, req)
	} else {
		result, err = manager.Passthrough(ctx, req)
	}
	if err != nil {
		metrics.FetchTotal.WithLabelValues("failed").Inc()
		mode := string(worker.ModeOf(req))
		h.logResult(req.Method, target.String(), mode, "", requestID, 0, started, err)
		if errors.Is(err, worker.ErrNoResponse) {
			return h.writeError(c, fiber.StatusBadGateway, "network_failed")
		}
		return h.writeError(c, fiber.StatusBadGateway, "fetch_failed")
	}
	defer result.Response.Body.Close()

	metrics.FetchTotal.WithLabelValues(string(result.Source)).Inc()
	return h.writeResult(c, req, result, requestID, started)
}

func (h *Handler) writeResult(c fiber.Ctx, req *http.Request, result *worker.Result, requestID string, started time.Time) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(CacheStatusHeader, cacheStatus(result.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	target := req.URL.String()
	if req.Method == http.MethodHead {
		h.logResult(req.Method, target, string(result.Mode), string(result.Source), requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(req.Method, target, string(result.Mode), string(result.Source), requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// buildUpstreamRequest 把 Fiber 请求转换为发往源站的 *http.Request，
// 透传非 hop-by-hop 请求头并补充 X-Forwarded-*。
func (h *Handler) buildUpstreamRequest(ctx context.Context, c fiber.Ctx, target *url.URL) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Scheme())
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	method string,
	target string,
	mode string,
	source string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	cacheName := ""
	if h.registration != nil {
		cacheName = h.registration.Manager().CacheName()
	}
	fields := logging.RequestFields(cacheName, method, target, mode, source)
	fields["action"] = "proxy"
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// resolveTargetURL 计算请求的目标地址：绝对形式的请求行（正向代理用法）原样使用，
// 其余按源站解析路径与查询串。
func resolveTargetURL(origin *url.URL, c fiber.Ctx) *url.URL {
	raw := string(c.Request().RequestURI())
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		if parsed, err := url.Parse(raw); err == nil && parsed.Host != "" {
			return parsed
		}
	}

	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return origin.ResolveReference(relative)
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func cacheStatus(source worker.Source) string {
	switch source {
	case worker.SourceCache:
		return "hit"
	case worker.SourceFallback:
		return "fallback"
	case worker.SourceBypass:
		return "bypass"
	default:
		return "miss"
	}
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
