package cache

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

type storageFactory struct {
	name string
	open func(t *testing.T) *Storage
}

func storageFactories() []storageFactory {
	return []storageFactory{
		{name: "disk", open: newDiskTestStorage},
		{name: "sqlite", open: newSQLiteTestStorage},
		{name: "memory", open: func(t *testing.T) *Storage { return NewMemoryStorage(0) }},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, storage *Storage)) {
	t.Helper()
	for _, factory := range storageFactories() {
		factory := factory
		t.Run(factory.name, func(t *testing.T) {
			storage := factory.open(t)
			t.Cleanup(func() { _ = storage.Close() })
			fn(t, storage)
		})
	}
}

func TestStorePutAndMatchRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage *Storage) {
		ctx := context.Background()
		store, err := storage.Open(ctx, "agromind-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}

		req := getRequest("http://app.local/static/app.css")
		resp := &Response{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{"text/css"}},
			Body:   []byte("body { color: green; }"),
			Type:   ResponseTypeBasic,
		}
		if err := store.Put(ctx, req, resp); err != nil {
			t.Fatalf("put error: %v", err)
		}

		got, err := store.Match(ctx, req)
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if got.Status != http.StatusOK {
			t.Fatalf("status mismatch: %d", got.Status)
		}
		if string(got.Body) != string(resp.Body) {
			t.Fatalf("body mismatch: %s", string(got.Body))
		}
		if got.Header.Get("Content-Type") != "text/css" {
			t.Fatalf("header mismatch: %v", got.Header)
		}
		if got.Type != ResponseTypeBasic {
			t.Fatalf("type mismatch: %s", got.Type)
		}
		if got.StoredAt.IsZero() {
			t.Fatalf("stored_at should be filled")
		}
	})
}

func TestStoreMatchIgnoresFragment(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage *Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "agromind-v1")
		if err := store.Put(ctx, getRequest("http://app.local/guide"), okResponse("guide")); err != nil {
			t.Fatalf("put error: %v", err)
		}
		if _, err := store.Match(ctx, getRequest("http://app.local/guide#section-2")); err != nil {
			t.Fatalf("fragment should not affect key: %v", err)
		}
		if _, err := store.Match(ctx, getRequest("http://app.local/guide?page=2")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("query should be part of key, got %v", err)
		}
	})
}

func TestStoreMatchMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage *Storage) {
		store := mustOpen(t, storage, "agromind-v1")
		_, err := store.Match(context.Background(), getRequest("http://app.local/missing"))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStoreRejectsUncacheable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage *Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "agromind-v1")

		post := Request{Method: http.MethodPost, URL: "http://app.local/api/predict"}
		if err := store.Put(ctx, post, okResponse("x")); !errors.Is(err, ErrMethodNotCacheable) {
			t.Fatalf("expected ErrMethodNotCacheable, got %v", err)
		}

		partial := okResponse("x")
		partial.Status = http.StatusPartialContent
		if err := store.Put(ctx, getRequest("http://app.local/video"), partial); !errors.Is(err, ErrPartialResponse) {
			t.Fatalf("expected ErrPartialResponse, got %v", err)
		}

		wildcard := okResponse("x")
		wildcard.Header.Set("Vary", "*")
		if err := store.Put(ctx, getRequest("http://app.local/any"), wildcard); !errors.Is(err, ErrVaryWildcard) {
			t.Fatalf("expected ErrVaryWildcard, got %v", err)
		}

		keys, err := store.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != 0 {
			t.Fatalf("rejected puts must not write entries: %v", keys)
		}
	})
}

func TestStoreMatchOnlyResolvesGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage *Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "agromind-v1")
		if err := store.Put(ctx, getRequest("http://app.local/"), okResponse("home")); err != nil {
			t.Fatalf("put error: %v", err)
		}
		head := Request{Method: http.MethodHead, URL: "http://app.local/"}
		if _, err := store.Match(ctx, head); !errors.Is(err, ErrNotFound) {
			t.Fatalf("HEAD should not match, got %v", err)
		}
	})
}

func TestStoreVaryMatching(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage *Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "agromind-v1")

		req := getRequest("http://app.local/crops")
		req.Header = http.Header{"Accept-Language": []string{"en"}}
		resp := okResponse("crops-en")
		resp.Header.Set("Vary", "Accept-Language")
		if err := store.Put(ctx, req, resp); err != nil {
			t.Fatalf("put error: %v", err)
		}

		same := getRequest("http://app.local/crops")
		same.Header = http.Header{"Accept-Language": []string{"en"}}
		if _, err := store.Match(ctx, same); err != nil {
			t.Fatalf("same vary header should match: %v", err)
		}

		other := getRequest("http://app.local/crops")
		other.Header = http.Header{"Accept-Language": []string{"hi"}}
		if _, err := store.Match(ctx, other); !errors.Is(err, ErrNotFound) {
			t.Fatalf("different vary header should miss, got %v", err)
		}
	})
}

func TestStoreVaryIgnoresNetworkHeaders(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage *Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "agromind-v1")

		req := getRequest("http://app.local/")
		req.Header = http.Header{"Cookie": []string{"sessionid=abc"}, "X-Forwarded-For": []string{"10.0.0.1"}}
		resp := okResponse("home")
		resp.Header.Set("Vary", "Cookie, X-Forwarded-For")
		if err := store.Put(ctx, req, resp); err != nil {
			t.Fatalf("put error: %v", err)
		}

		bare := getRequest("http://app.local/")
		if _, err := store.Match(ctx, bare); err != nil {
			t.Fatalf("request without cookie should match: %v", err)
		}
		other := getRequest("http://app.local/")
		other.Header = http.Header{"Cookie": []string{"sessionid=xyz"}}
		if _, err := storage.Match(ctx, other); err != nil {
			t.Fatalf("different cookie should still match: %v", err)
		}
	})
}

func TestStorageMatchWithIgnoreVary(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage *Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "agromind-v1")

		req := getRequest("http://app.local/")
		req.Header = http.Header{"Accept-Language": []string{"hi"}}
		resp := okResponse("home-hi")
		resp.Header.Set("Vary", "Accept-Language")
		if err := store.Put(ctx, req, resp); err != nil {
			t.Fatalf("put error: %v", err)
		}

		plain := getRequest("http://app.local/")
		if _, err := storage.Match(ctx, plain); !errors.Is(err, ErrNotFound) {
			t.Fatalf("vary mismatch should miss, got %v", err)
		}
		got, err := storage.MatchWith(ctx, plain, MatchOptions{IgnoreVary: true})
		if err != nil {
			t.Fatalf("ignore vary should match: %v", err)
		}
		if string(got.Body) != "home-hi" {
			t.Fatalf("unexpected body: %s", got.Body)
		}
	})
}

func TestStoreKeepsStatusText(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage *Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "agromind-v1")

		resp := okResponse("ok")
		resp.StatusText = "Fine"
		if err := store.Put(ctx, getRequest("http://app.local/custom"), resp); err != nil {
			t.Fatalf("put error: %v", err)
		}
		got, err := store.Match(ctx, getRequest("http://app.local/custom"))
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if got.StatusText != "Fine" {
			t.Fatalf("status text should persist, got %q", got.StatusText)
		}
		if line := got.HTTP(nil).Status; line != "200 Fine" {
			t.Fatalf("unexpected status line: %s", line)
		}
	})
}

func TestStoreDeleteAndKeys(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage *Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "agromind-v1")
		urls := []string{"http://app.local/", "http://app.local/a.js", "http://app.local/b.css"}
		for _, u := range urls {
			if err := store.Put(ctx, getRequest(u), okResponse(u)); err != nil {
				t.Fatalf("put error: %v", err)
			}
			time.Sleep(2 * time.Millisecond)
		}

		keys, err := store.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != len(urls) {
			t.Fatalf("expected %d keys, got %v", len(urls), keys)
		}
		for i, u := range urls {
			if keys[i] != u {
				t.Fatalf("keys should follow insertion order: %v", keys)
			}
		}

		removed, err := store.Delete(ctx, getRequest("http://app.local/a.js"))
		if err != nil || !removed {
			t.Fatalf("delete should succeed, removed=%v err=%v", removed, err)
		}
		removed, err = store.Delete(ctx, getRequest("http://app.local/a.js"))
		if err != nil || removed {
			t.Fatalf("second delete should report missing, removed=%v err=%v", removed, err)
		}
		if _, err := store.Match(ctx, getRequest("http://app.local/a.js")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected not found after delete, got %v", err)
		}
	})
}

func TestStorePutReplacesEntry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage *Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "agromind-v1")
		req := getRequest("http://app.local/")
		if err := store.Put(ctx, req, okResponse("v1")); err != nil {
			t.Fatalf("put error: %v", err)
		}
		if err := store.Put(ctx, req, okResponse("v2")); err != nil {
			t.Fatalf("put error: %v", err)
		}
		got, err := store.Match(ctx, req)
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if string(got.Body) != "v2" {
			t.Fatalf("put should replace the entry, got %s", string(got.Body))
		}
		keys, _ := store.Keys(ctx)
		if len(keys) != 1 {
			t.Fatalf("replacement must not duplicate keys: %v", keys)
		}
	})
}

func TestStorageLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage *Storage) {
		ctx := context.Background()
		mustOpen(t, storage, "agromind-v0")
		time.Sleep(2 * time.Millisecond)
		mustOpen(t, storage, "agromind-v1")
		// 重复打开不会重新创建，也不会改变顺序。
		mustOpen(t, storage, "agromind-v0")

		names, err := storage.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(names) != 2 || names[0] != "agromind-v0" || names[1] != "agromind-v1" {
			t.Fatalf("unexpected store names: %v", names)
		}

		deleted, err := storage.Delete(ctx, "agromind-v0")
		if err != nil || !deleted {
			t.Fatalf("delete should succeed, deleted=%v err=%v", deleted, err)
		}
		has, err := storage.Has(ctx, "agromind-v0")
		if err != nil || has {
			t.Fatalf("store should be gone, has=%v err=%v", has, err)
		}
		deleted, err = storage.Delete(ctx, "agromind-v0")
		if err != nil || deleted {
			t.Fatalf("deleting a missing store should report false, deleted=%v err=%v", deleted, err)
		}
		if _, err := storage.Open(ctx, " "); !errors.Is(err, ErrInvalidStoreName) {
			t.Fatalf("blank name should be rejected, got %v", err)
		}
	})
}

func TestStorageMatchSearchesAllStores(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage *Storage) {
		ctx := context.Background()
		old := mustOpen(t, storage, "agromind-v0")
		time.Sleep(2 * time.Millisecond)
		current := mustOpen(t, storage, "agromind-v1")

		if err := old.Put(ctx, getRequest("http://app.local/legacy.js"), okResponse("legacy")); err != nil {
			t.Fatalf("put error: %v", err)
		}
		if err := old.Put(ctx, getRequest("http://app.local/"), okResponse("home-v0")); err != nil {
			t.Fatalf("put error: %v", err)
		}
		if err := current.Put(ctx, getRequest("http://app.local/"), okResponse("home-v1")); err != nil {
			t.Fatalf("put error: %v", err)
		}

		got, err := storage.Match(ctx, getRequest("http://app.local/legacy.js"))
		if err != nil || string(got.Body) != "legacy" {
			t.Fatalf("storage match should search every store, got %v err=%v", got, err)
		}
		got, err = storage.Match(ctx, getRequest("http://app.local/"))
		if err != nil || string(got.Body) != "home-v0" {
			t.Fatalf("first store in creation order should win, got %v err=%v", got, err)
		}

		if _, err := storage.Delete(ctx, "agromind-v0"); err != nil {
			t.Fatalf("delete error: %v", err)
		}
		if _, err := storage.Match(ctx, getRequest("http://app.local/legacy.js")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("entries of deleted stores must disappear, got %v", err)
		}
	})
}

func TestStorePutIntoDeletedStore(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage *Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "agromind-v0")
		if _, err := storage.Delete(ctx, "agromind-v0"); err != nil {
			t.Fatalf("delete error: %v", err)
		}
		if err := store.Put(ctx, getRequest("http://app.local/"), okResponse("x")); !errors.Is(err, ErrStoreNotFound) {
			t.Fatalf("expected ErrStoreNotFound, got %v", err)
		}
	})
}

func TestStorageStats(t *testing.T) {
	forEachBackend(t, func(t *testing.T, storage *Storage) {
		ctx := context.Background()
		store := mustOpen(t, storage, "agromind-v1")
		_ = store.Put(ctx, getRequest("http://app.local/a"), okResponse("1234"))
		_ = store.Put(ctx, getRequest("http://app.local/b"), okResponse("56"))

		stats, err := storage.Stats(ctx)
		if err != nil {
			t.Fatalf("stats error: %v", err)
		}
		if len(stats) != 1 || stats[0].Entries != 2 || stats[0].Bytes != 6 {
			t.Fatalf("unexpected stats: %+v", stats)
		}
	})
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{"disk", "sqlite", "memory"} {
		storage, err := Open(Options{Backend: backend, StoragePath: dir, MemoryLimit: 1024})
		if err != nil {
			t.Fatalf("open %s error: %v", backend, err)
		}
		if storage.Backend() != backend {
			t.Fatalf("expected backend %s, got %s", backend, storage.Backend())
		}
		_ = storage.Close()
	}
	if _, err := Open(Options{Backend: "redis", StoragePath: dir}); err == nil {
		t.Fatalf("unknown backend should fail")
	}
}

func getRequest(u string) Request {
	return Request{Method: http.MethodGet, URL: u}
}

func okResponse(body string) *Response {
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
		Type:   ResponseTypeBasic,
	}
}

func mustOpen(t *testing.T, storage *Storage, name string) *Store {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s error: %v", name, err)
	}
	return store
}

// newDiskTestStorage returns a disk Storage backed by a temporary directory.
func newDiskTestStorage(t *testing.T) *Storage {
	t.Helper()
	storage, err := NewDiskStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create disk storage: %v", err)
	}
	return storage
}

func newSQLiteTestStorage(t *testing.T) *Storage {
	t.Helper()
	storage, err := NewSQLiteStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create sqlite storage: %v", err)
	}
	return storage
}
