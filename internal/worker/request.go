package worker

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/agromind/offline-hub/internal/cache"
)

// RequestMode 对应 Fetch 规范中的 request.mode。
type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeNoCORS     RequestMode = "no-cors"
	ModeCORS       RequestMode = "cors"
	ModeWebSocket  RequestMode = "websocket"
)

// ModeOf 根据 Sec-Fetch-Mode 推断请求模式；缺失时把接受 HTML 的 GET 视为页面导航。
func ModeOf(r *http.Request) RequestMode {
	if r == nil {
		return ModeNoCORS
	}
	switch strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Mode"))) {
	case "navigate", "nested-navigate":
		return ModeNavigate
	case "same-origin":
		return ModeSameOrigin
	case "cors":
		return ModeCORS
	case "no-cors":
		return ModeNoCORS
	case "websocket":
		return ModeWebSocket
	}
	if (r.Method == "" || r.Method == http.MethodGet) && acceptsHTML(r.Header.Get("Accept")) {
		return ModeNavigate
	}
	return ModeNoCORS
}

func acceptsHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(mediaType, "text/html") || strings.EqualFold(mediaType, "application/xhtml+xml") {
			return true
		}
	}
	return false
}

// classifyResponse 判定响应类型：请求与最终响应 URL 均与源站同源时为 basic，
// 跨源且 no-cors 模式为 opaque，其余跨源响应为 cors。
func classifyResponse(origin *url.URL, target *url.URL, resp *http.Response, mode RequestMode) cache.ResponseType {
	final := target
	if resp != nil && resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	if sameOrigin(origin, target) && sameOrigin(origin, final) {
		return cache.ResponseTypeBasic
	}
	if mode == ModeNoCORS {
		return cache.ResponseTypeOpaque
	}
	return cache.ResponseTypeCORS
}

func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return originKey(a) == originKey(b)
}

func originKey(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}
