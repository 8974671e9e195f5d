package cache

import (
	"fmt"
	"strings"
)

// Options 描述构建 Storage 所需的参数，与 config.GlobalConfig 中的存储字段一一对应。
type Options struct {
	Backend     string
	StoragePath string
	MemoryLimit int64
}

// Open 根据后端名称构建 Storage：disk（默认）、sqlite 或 memory。
func Open(opts Options) (*Storage, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "disk":
		return NewDiskStorage(opts.StoragePath)
	case "sqlite":
		return NewSQLiteStorage(opts.StoragePath)
	case "memory":
		return NewMemoryStorage(opts.MemoryLimit), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", opts.Backend)
	}
}
