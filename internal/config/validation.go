package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedBackends = map[string]struct{}{
	BackendDisk:   {},
	BackendSQLite: {},
	BackendMemory: {},
}

const supportedBackendList = "disk|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" && g.StorageBackend != BackendMemory {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 "+supportedBackendList)
	}
	if g.MaxMemoryCache <= 0 {
		return newFieldError("Global.MaxMemoryCacheSize", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	w := c.Worker
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("Worker.Origin: %w", err)
	}
	if err := validateCacheName(w.CacheName); err != nil {
		return fmt.Errorf("Worker.CacheName: %w", err)
	}

	seen := make(map[string]struct{}, len(w.StaticAssets))
	for i, asset := range w.StaticAssets {
		if err := validateAsset(asset); err != nil {
			return fmt.Errorf("%s: %w", assetField(i), err)
		}
		if _, exists := seen[asset]; exists {
			return newFieldError(assetField(i), "重复")
		}
		seen[asset] = struct{}{}
	}

	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不应包含路径: %s", raw)
	}
	return nil
}

func validateCacheName(name string) error {
	if name == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(name, "/\\") {
		return errors.New("不允许包含路径分隔符")
	}
	return nil
}

// validateAsset 允许以 / 开头的站内路径或 http/https 绝对地址。
func validateAsset(raw string) error {
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		if _, err := url.Parse(raw); err != nil {
			return err
		}
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持站内路径或 http/https 地址: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("资源缺少 Host: %s", raw)
	}
	return nil
}
