package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/agromind/offline-hub/internal/cache"
	"github.com/agromind/offline-hub/internal/logging"
	"github.com/agromind/offline-hub/internal/metrics"
)

// errRetryableStatus 标记 5xx 等可重试的上游状态。
var errRetryableStatus = errors.New("retryable upstream status")

// Install 打开当前版本仓库并预缓存全部静态资源。
// 所有资源并发抓取，任一资源最终失败（网络错误或非 2xx）都会让整个安装失败，
// 此时仓库中不会写入任何本轮抓取的条目。
func (m *Manager) Install(ctx context.Context) error {
	started := time.Now()
	fields := logging.LifecycleFields("install", m.cacheName, string(StateInstalling))

	store, err := m.storage.Open(ctx, m.cacheName)
	if err != nil {
		metrics.InstallDuration.WithLabelValues("failed").Observe(time.Since(started).Seconds())
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	targets := make([]string, len(m.assets))
	for i, asset := range m.assets {
		resolved, err := m.resolveAsset(asset)
		if err != nil {
			metrics.InstallDuration.WithLabelValues("failed").Observe(time.Since(started).Seconds())
			return fmt.Errorf("%w: %w", ErrInstallFailed, err)
		}
		targets[i] = resolved
	}

	snapshots := make([]*cache.Response, len(targets))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.concurrency)
	for i, target := range targets {
		group.Go(func() error {
			snapshot, err := m.fetchAsset(groupCtx, target)
			if err != nil {
				return fmt.Errorf("precache %s: %w", target, err)
			}
			snapshots[i] = snapshot
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		metrics.InstallDuration.WithLabelValues("failed").Observe(time.Since(started).Seconds())
		m.logger.WithFields(fields).WithError(err).Error("install_failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	var total int64
	for i, target := range targets {
		if err := store.Put(ctx, cache.Request{Method: http.MethodGet, URL: target}, snapshots[i]); err != nil {
			metrics.InstallDuration.WithLabelValues("failed").Observe(time.Since(started).Seconds())
			m.logger.WithFields(fields).WithError(err).Error("install_failed")
			return fmt.Errorf("%w: store %s: %w", ErrInstallFailed, target, err)
		}
		total += int64(len(snapshots[i].Body))
	}

	elapsed := time.Since(started)
	metrics.InstallDuration.WithLabelValues("ok").Observe(elapsed.Seconds())
	m.logger.WithFields(fields).WithFields(logrus.Fields{
		"assets":     len(targets),
		"bytes":      humanize.Bytes(uint64(total)),
		"elapsed_ms": elapsed.Milliseconds(),
	}).Info("install_completed")
	return nil
}

// Activate 删除所有名称不等于当前版本的仓库。删除并发进行，
// 单个仓库失败不会阻止其它仓库的删除，全部错误合并后返回。
func (m *Manager) Activate(ctx context.Context) error {
	fields := logging.LifecycleFields("activate", m.cacheName, string(StateActivating))
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    error
		deleted []string
	)
	for _, name := range names {
		if name == m.cacheName {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.deleteStore(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("delete cache %s: %w", name, err))
				return
			}
			if ok {
				deleted = append(deleted, name)
				metrics.StaleStoresDeleted.Inc()
			}
		}()
	}
	wg.Wait()

	entry := m.logger.WithFields(fields).WithField("deleted", deleted)
	if errs != nil {
		entry.WithError(errs).Error("activate_failed")
		return errs
	}
	entry.Info("activate_completed")
	return nil
}

func (m *Manager) resolveAsset(asset string) (string, error) {
	ref, err := m.origin.Parse(asset)
	if err != nil {
		return "", fmt.Errorf("invalid static asset %q: %w", asset, err)
	}
	return cache.KeyFor(ref.String()), nil
}

// fetchAsset 抓取单个静态资源，重定向由 precacher 跟随，
// 网络错误与 5xx 会按指数退避重试，其余非 2xx 立即失败。
func (m *Manager) fetchAsset(ctx context.Context, target string) (*cache.Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.backoff

	operation := func() (*cache.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := m.precacher.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			statusErr := fmt.Errorf("upstream status %d", resp.StatusCode)
			if resp.StatusCode >= http.StatusInternalServerError {
				return nil, fmt.Errorf("%w: %w", errRetryableStatus, statusErr)
			}
			return nil, backoff.Permanent(statusErr)
		}
		snapshot, err := cache.SnapshotResponse(resp, classifyResponse(m.origin, req.URL, resp, ModeCORS))
		if err != nil {
			return nil, err
		}
		return snapshot, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(m.maxRetries+1)),
	)
}
