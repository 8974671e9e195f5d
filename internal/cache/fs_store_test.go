package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
)

func TestWriteFileAtomicCleansUpOnInterruptedStream(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "entry.body")

	reader := &flakyReader{
		payload:   []byte("partial_data"),
		failAfter: 5,
	}
	if _, err := writeFileAtomic(context.Background(), dir, target, reader); err == nil {
		t.Fatalf("expected error from interrupted reader")
	}

	if _, err := os.Stat(target); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no final file, got err=%v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, ".cache-*"))
	if len(matches) != 0 {
		t.Fatalf("temporary files should be cleaned up, found %v", matches)
	}
}

func TestWriteFileAtomicHonoursContext(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reader := &flakyReader{payload: []byte("data"), failAfter: 4}
	if _, err := writeFileAtomic(ctx, dir, filepath.Join(dir, "entry.body"), reader); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDiskStorageIgnoresForeignDirectories(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewDiskStorage(dir)
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "lost+found"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	mustOpen(t, storage, "agromind-v1")

	names, err := storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(names) != 1 || names[0] != "agromind-v1" {
		t.Fatalf("directories without marker must be ignored: %v", names)
	}
}

func TestDiskStorageSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewDiskStorage(dir)
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	store := mustOpen(t, first, "agromind-v1")
	if err := store.Put(ctx, getRequest("http://app.local/"), okResponse("home")); err != nil {
		t.Fatalf("put error: %v", err)
	}

	second, err := NewDiskStorage(dir)
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	got, err := second.Match(ctx, getRequest("http://app.local/"))
	if err != nil {
		t.Fatalf("persisted entry should be visible after reopen: %v", err)
	}
	if string(got.Body) != "home" {
		t.Fatalf("unexpected body: %s", string(got.Body))
	}
}

func TestDiskStorageReplaceLeavesSingleBody(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	storage, err := NewDiskStorage(dir)
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	store := mustOpen(t, storage, "agromind-v1")
	for _, body := range []string{"v1", "v2", "v3"} {
		if err := store.Put(ctx, getRequest("http://app.local/"), okResponse(body)); err != nil {
			t.Fatalf("put %s error: %v", body, err)
		}
	}

	bodies, err := filepath.Glob(filepath.Join(dir, "*", "*"+bodySuffix))
	if err != nil {
		t.Fatalf("glob error: %v", err)
	}
	if len(bodies) != 1 {
		t.Fatalf("replaced entries should not leave stale bodies, got %v", bodies)
	}
	got, err := store.Match(ctx, getRequest("http://app.local/"))
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if string(got.Body) != "v3" {
		t.Fatalf("latest body expected, got %s", got.Body)
	}

	if ok, err := store.Delete(ctx, getRequest("http://app.local/")); err != nil || !ok {
		t.Fatalf("delete error: %v ok=%v", err, ok)
	}
	bodies, _ = filepath.Glob(filepath.Join(dir, "*", "*"+bodySuffix))
	if len(bodies) != 0 {
		t.Fatalf("delete should remove the body file, got %v", bodies)
	}
}

func TestDiskStorageConcurrentReplaceStaysConsistent(t *testing.T) {
	storage := newDiskTestStorage(t)
	ctx := context.Background()
	store := mustOpen(t, storage, "agromind-v1")
	req := getRequest("http://app.local/api/fields")

	versioned := func(v int) *Response {
		resp := okResponse(fmt.Sprintf("body-%d", v))
		resp.Header.Set("X-Version", strconv.Itoa(v))
		return resp
	}
	if err := store.Put(ctx, req, versioned(0)); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for v := 1; v <= 50; v++ {
			if err := store.Put(ctx, req, versioned(v)); err != nil {
				t.Errorf("put %d error: %v", v, err)
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		got, err := store.Match(ctx, req)
		if err != nil {
			t.Fatalf("match error during replace: %v", err)
		}
		if want := "body-" + got.Header.Get("X-Version"); string(got.Body) != want {
			t.Fatalf("body %q does not belong to meta %q", got.Body, want)
		}
	}
	wg.Wait()
}

type flakyReader struct {
	payload   []byte
	failAfter int
	readBytes int
}

func (f *flakyReader) Read(p []byte) (int, error) {
	if f.readBytes >= f.failAfter {
		return 0, io.ErrUnexpectedEOF
	}
	remaining := f.failAfter - f.readBytes
	if remaining > len(p) {
		remaining = len(p)
	}
	copy(p[:remaining], f.payload[f.readBytes:f.readBytes+remaining])
	f.readBytes += remaining
	return remaining, nil
}
