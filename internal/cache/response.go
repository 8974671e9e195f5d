package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// KeyFor 返回 URL 的规范化缓存键：去掉 fragment，其余部分（含 query）保持原样。
func KeyFor(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""
	return parsed.String()
}

// SnapshotResponse 完整读取 resp.Body 并生成快照，同时把 resp.Body 替换为同一份内容的新 Reader。
// 响应正文只能被消费一次，因此写入缓存前必须先复制，返回给调用方的 resp 仍可被读取一次。
func SnapshotResponse(resp *http.Response, typ ResponseType) (*Response, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil response")
	}
	var body []byte
	if resp.Body != nil {
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			resp.Body = io.NopCloser(bytes.NewReader(data))
			return nil, fmt.Errorf("read response body: %w", err)
		}
		body = data
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	snapshotURL := ""
	if resp.Request != nil && resp.Request.URL != nil {
		snapshotURL = resp.Request.URL.String()
	}
	return &Response{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Header:     resp.Header.Clone(),
		Body:       append([]byte(nil), body...),
		URL:        snapshotURL,
		Type:       typ,
	}, nil
}

// statusText 从 "200 OK" 形式的状态行中取出原因短语，缺失时使用标准短语。
func statusText(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if text, ok := strings.CutPrefix(resp.Status, code); ok {
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	return http.StatusText(resp.StatusCode)
}

// HTTP 将快照还原为新的 *http.Response，每次调用都会得到可独立消费的 Body。
func (r *Response) HTTP(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	text := r.StatusText
	if text == "" {
		text = http.StatusText(r.Status)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, text),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// Clone 深拷贝快照。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	cloned.Body = append([]byte(nil), r.Body...)
	return &cloned
}

// varyHeaders 解析 Vary 响应头，返回规范化的请求头名称。
func varyHeaders(header http.Header) []string {
	var names []string
	for _, value := range header.Values("Vary") {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			names = append(names, http.CanonicalHeaderKey(part))
		}
	}
	return names
}

func hasVaryWildcard(header http.Header) bool {
	for _, name := range varyHeaders(header) {
		if name == "*" {
			return true
		}
	}
	return false
}

// networkHeaders 由网络层或本代理追加，浏览器缓存看到的请求里不会有它们，Vary 比较时跳过。
var networkHeaders = map[string]struct{}{
	"Cookie":            {},
	"Cookie2":           {},
	"Forwarded":         {},
	"X-Forwarded-For":   {},
	"X-Forwarded-Host":  {},
	"X-Forwarded-Proto": {},
	"X-Real-Ip":         {},
}

func isNetworkHeader(name string) bool {
	_, ok := networkHeaders[http.CanonicalHeaderKey(name)]
	return ok
}

// varySubset 只保留 Vary 声明的请求头，写入条目后用于后续匹配。
func varySubset(reqHeader, respHeader http.Header) http.Header {
	names := varyHeaders(respHeader)
	if len(names) == 0 {
		return nil
	}
	subset := make(http.Header, len(names))
	for _, name := range names {
		if isNetworkHeader(name) {
			continue
		}
		if values := reqHeader.Values(name); len(values) > 0 {
			subset[name] = append([]string(nil), values...)
		} else {
			subset[name] = nil
		}
	}
	return subset
}

// varyMatches 判断请求在 Vary 声明的头上是否与写入时一致。
func varyMatches(rec *record, reqHeader http.Header) bool {
	for _, name := range varyHeaders(rec.Header) {
		if name == "*" {
			return false
		}
		if isNetworkHeader(name) {
			continue
		}
		stored := strings.Join(rec.RequestHeader.Values(name), ",")
		current := strings.Join(reqHeader.Values(name), ",")
		if stored != current {
			return false
		}
	}
	return true
}

func (r *record) response() *Response {
	return &Response{
		Status:     r.Status,
		StatusText: r.StatusText,
		Header:     r.Header.Clone(),
		Body:       append([]byte(nil), r.Body...),
		URL:        r.URL,
		Type:       r.Type,
		StoredAt:   r.StoredAt,
	}
}

func (r *record) clone() *record {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.RequestHeader = r.RequestHeader.Clone()
	cloned.Header = r.Header.Clone()
	cloned.Body = append([]byte(nil), r.Body...)
	return &cloned
}

func newRecord(req Request, resp *Response, now time.Time) *record {
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = now.UTC()
	}
	respURL := resp.URL
	if respURL == "" {
		respURL = req.URL
	}
	typ := resp.Type
	if typ == "" {
		typ = ResponseTypeDefault
	}
	return &record{
		Key:           KeyFor(req.URL),
		Method:        http.MethodGet,
		RequestHeader: varySubset(req.Header, resp.Header),
		Status:        resp.Status,
		StatusText:    resp.StatusText,
		Header:        resp.Header.Clone(),
		URL:           respURL,
		Type:          typ,
		StoredAt:      storedAt,
		Body:          append([]byte(nil), resp.Body...),
	}
}
