package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/agromind/offline-hub/internal/cache"
	"github.com/agromind/offline-hub/internal/config"
	"github.com/agromind/offline-hub/internal/logging"
	"github.com/agromind/offline-hub/internal/proxy"
	"github.com/agromind/offline-hub/internal/server"
	"github.com/agromind/offline-hub/internal/server/routes"
	"github.com/agromind/offline-hub/internal/version"
	"github.com/agromind/offline-hub/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Worker.Origin
		fields["cache_name"] = cfg.Worker.CacheName
		fields["static_assets"] = len(cfg.Worker.StaticAssets)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序为“配置 → 缓存存储 → 工作者 → Fiber server”，
	// 所有请求共享同一个 Storage 与 Registration。
	storage, err := cache.Open(cache.Options{
		Backend:     cfg.Global.StorageBackend,
		StoragePath: cfg.Global.StoragePath,
		MemoryLimit: cfg.Global.MaxMemoryCache,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	registration, err := buildRegistration(cfg, storage, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建离线工作者失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Worker.Origin
	fields["cache_name"] = cfg.Worker.CacheName
	fields["storage_backend"] = storage.Backend()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 注册在后台进行，完成前所有请求直接透传到源站。
	go func() {
		if err := registration.Register(ctx); err != nil {
			logger.WithFields(logging.LifecycleFields("register", cfg.Worker.CacheName, string(registration.State()))).
				WithError(err).Warn("首次注册失败，可通过 POST /-/register 重试")
		}
	}()

	err = startHTTPServer(ctx, cfg, registration, logger)
	registration.Manager().Wait()
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func buildRegistration(cfg *config.Config, storage *cache.Storage, logger *logrus.Logger) (*worker.Registration, error) {
	manager, err := worker.NewManager(worker.Options{
		CacheName:       cfg.Worker.CacheName,
		StaticAssets:    cfg.Worker.StaticAssets,
		Origin:          cfg.Worker.OriginURL(),
		Storage:         storage,
		Fetcher:         server.NewUpstreamClient(cfg),
		PrecacheFetcher: server.NewPrecacheClient(cfg),
		Logger:          logger,
		MaxRetries:      cfg.Global.MaxRetries,
		InitialBackoff:  cfg.Global.InitialBackoff.DurationValue(),
	})
	if err != nil {
		return nil, err
	}
	return worker.NewRegistration(manager, logger), nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, registration *worker.Registration, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	handler := proxy.NewHandler(registration, cfg.Worker.OriginURL(), logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, registration, logger)

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
