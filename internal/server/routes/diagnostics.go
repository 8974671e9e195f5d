package routes

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/agromind/offline-hub/internal/cache"
	"github.com/agromind/offline-hub/internal/logging"
	"github.com/agromind/offline-hub/internal/version"
	"github.com/agromind/offline-hub/internal/worker"
)

// RegisterDiagnosticsRoutes 暴露 /-/ 诊断接口：生命周期状态、缓存仓库统计、手动重新注册与 Prometheus 指标。
func RegisterDiagnosticsRoutes(app *fiber.App, registration *worker.Registration, logger *logrus.Logger) {
	if app == nil || registration == nil {
		return
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	manager := registration.Manager()

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(encodeStatus(registration.Snapshot(), manager))
	})

	app.Get("/-/caches", func(c fiber.Ctx) error {
		stats, err := manager.Storage().Stats(requestContext(c))
		if err != nil {
			logger.WithError(err).WithField("action", "diagnostics").Warn("cache_stats_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_stats_failed"})
		}
		return c.JSON(fiber.Map{
			"backend": manager.Storage().Backend(),
			"caches":  encodeCaches(stats, manager.CacheName()),
		})
	})

	app.Get("/-/caches/:name", func(c fiber.Ctx) error {
		name := c.Params("name")
		ctx := requestContext(c)
		exists, err := manager.Storage().Has(ctx, name)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_cache_name"})
		}
		if !exists {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "cache_not_found"})
		}
		store, err := manager.Storage().Open(ctx, name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_open_failed"})
		}
		stats, err := store.Stats(ctx)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_stats_failed"})
		}
		payload := encodeCache(stats, manager.CacheName())
		payload.Keys = stats.Keys
		return c.JSON(payload)
	})

	// 手动触发 install → activate，用于首次注册失败后的重试。
	app.Post("/-/register", func(c fiber.Ctx) error {
		if err := registration.Register(requestContext(c)); err != nil {
			logger.WithFields(logging.LifecycleFields("register", manager.CacheName(), string(registration.State()))).
				WithError(err).Warn("register_failed")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error":  "register_failed",
				"detail": err.Error(),
				"status": encodeStatus(registration.Snapshot(), manager),
			})
		}
		return c.JSON(encodeStatus(registration.Snapshot(), manager))
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

type statusPayload struct {
	State        string   `json:"state"`
	Active       bool     `json:"active"`
	CacheName    string   `json:"cache_name"`
	StaticAssets []string `json:"static_assets"`
	LastError    string   `json:"last_error,omitempty"`
	InstalledAt  string   `json:"installed_at,omitempty"`
	ActivatedAt  string   `json:"activated_at,omitempty"`
	Version      string   `json:"version"`
}

type cachePayload struct {
	Name    string   `json:"name"`
	Current bool     `json:"current"`
	Entries int      `json:"entries"`
	Bytes   int64    `json:"bytes"`
	Size    string   `json:"size"`
	Keys    []string `json:"keys,omitempty"`
}

func encodeStatus(status worker.Status, manager *worker.Manager) statusPayload {
	return statusPayload{
		State:        string(status.State),
		Active:       status.State == worker.StateActivated,
		CacheName:    status.CacheName,
		StaticAssets: manager.StaticAssets(),
		LastError:    status.LastError,
		InstalledAt:  formatTime(status.InstalledAt),
		ActivatedAt:  formatTime(status.ActivatedAt),
		Version:      version.Full(),
	}
}

func encodeCaches(stats []cache.StoreStats, current string) []cachePayload {
	result := make([]cachePayload, 0, len(stats))
	for _, item := range stats {
		payload := encodeCache(item, current)
		payload.Keys = item.Keys
		result = append(result, payload)
	}
	return result
}

func encodeCache(stats cache.StoreStats, current string) cachePayload {
	return cachePayload{
		Name:    stats.Name,
		Current: stats.Name == current,
		Entries: stats.Entries,
		Bytes:   stats.Bytes,
		Size:    humanize.Bytes(uint64(stats.Bytes)),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
