package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"AgentChain/internal/agent"
	"AgentChain/internal/api"
	"AgentChain/internal/auth"
	"AgentChain/internal/capability"
	"AgentChain/internal/config"
	"AgentChain/internal/engine"
	"AgentChain/internal/knowledge"
	"AgentChain/internal/llm"
	"AgentChain/internal/llm/anthropic"
	"AgentChain/internal/llm/openai"
	"AgentChain/internal/llm/pythonbridge"
	"AgentChain/internal/memory"
	"AgentChain/internal/observability/alerting"
	"AgentChain/internal/observability/metrics"
	"AgentChain/internal/proofs"
	"AgentChain/internal/storage/mysql"
	"AgentChain/internal/task"
	"AgentChain/internal/tools"
	"AgentChain/internal/web3/provider"
	"AgentChain/pkg/logger"
	"AgentChain/pkg/plugin"
)

func serve(c *cli.Context) error {
	path, err := config.ResolvePath(c.String("config"))
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	logger.L().Info("agentchaind 已启动",
		slog.String("config", path),
		slog.String("address", cfg.Server.Address),
		slog.Any("agents", d.runtime.Agents()),
	)
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// daemon 持有进程内的全部组件。
type daemon struct {
	cfg       *config.Config
	collector *metrics.Collector
	alerts    alerting.Dispatcher
	registry  *capability.Registry
	toolbox   *tools.Toolbox
	runtime   *engine.Runtime
	service   *task.Service
	processor *task.Processor
	server    *api.Server

	closers []func() error
}

func (d *daemon) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

// Close 按创建的逆序释放资源。
func (d *daemon) Close() error {
	var errs []error
	for _, fn := range slices.Backward(d.closers) {
		errs = append(errs, fn())
	}
	d.closers = nil
	return errors.Join(errs...)
}

// Run 启动处理器、API、独立指标端口与目录热加载，任一退出即整体退出。
func (d *daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.processor.Start(ctx) })
	g.Go(func() error { return d.server.Start(ctx) })
	if addr := d.cfg.Observability.MetricsAddress; addr != "" {
		g.Go(func() error { return metrics.StartServer(ctx, addr, d.collector) })
	}
	if catalog := d.cfg.Capabilities.Catalog; catalog != "" && d.cfg.Capabilities.Watch {
		g.Go(func() error {
			return capability.Watch(ctx, catalog, d.registry, d.toolbox.Tools(), logger.Named("capability"))
		})
	}
	return g.Wait()
}

func build(ctx context.Context, cfg *config.Config) (_ *daemon, err error) {
	d := &daemon{cfg: cfg}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, err
	}

	d.collector = metrics.NewCollector(cfg.Observability.Namespace)
	d.alerts = buildAlerts(cfg.Observability.Alerts)

	keyring, err := buildKeyring(cfg.Identity)
	if err != nil {
		return nil, err
	}
	if missing := unsignedAgents(keyring, cfg); len(missing) > 0 {
		logger.L().Warn("智能体没有签名密钥，其任务将以 ATTESTATION_UNAVAILABLE 失败", slog.Any("agents", missing))
	}
	logger.L().Info("签名身份已加载", slog.Any("addresses", keyring.Addresses()))

	var kb knowledge.Provider
	if cfg.Knowledge.Path != "" {
		static, err := knowledge.LoadStaticProvider(cfg.Knowledge.Path, cfg.Knowledge.MaxResults)
		if err != nil {
			return nil, err
		}
		kb = static
	}

	var chains tools.ChainResolver
	if cfg.Web3.ChainConfig != "" || cfg.Web3.RPCURL != "" {
		reg, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return nil, err
		}
		d.onClose(func() error { reg.Close(); return nil })
		chains = reg
	}

	d.toolbox = tools.New(chains, kb)
	if cfg.Capabilities.Plugins != "" {
		if err := loadPlugins(ctx, cfg.Capabilities.Plugins, d); err != nil {
			return nil, err
		}
	}
	d.registry = capability.NewRegistry(capability.WithLogger(logger.Named("capability")))
	entries := d.toolbox.Entries()
	if cfg.Capabilities.Catalog != "" {
		entries, err = capability.LoadEntries(cfg.Capabilities.Catalog, d.toolbox.Tools())
		if err != nil {
			return nil, err
		}
	}
	if err := d.registry.Replace(entries); err != nil {
		return nil, err
	}

	var db *sql.DB
	openDB := func() (*sql.DB, error) {
		if db != nil {
			return db, nil
		}
		m := cfg.Storage.MySQL
		conn, err := mysql.Open(ctx, mysql.Config{
			DSN:             m.DSN,
			MaxOpenConns:    m.MaxOpenConns,
			MaxIdleConns:    m.MaxIdleConns,
			ConnMaxLifetime: m.ConnMaxLifetime.Std(),
			ConnMaxIdleTime: m.ConnMaxIdleTime.Std(),
			SkipMigrations:  m.SkipMigrations,
		})
		if err != nil {
			return nil, err
		}
		db = conn
		d.onClose(db.Close)
		return db, nil
	}

	store, err := buildMemory(cfg.Memory, openDB, d.onClose)
	if err != nil {
		return nil, err
	}
	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	var archive task.Store
	switch cfg.Storage.TaskStore.Driver {
	case "mysql":
		conn, err := openDB()
		if err != nil {
			return nil, err
		}
		if archive, err = task.NewMySQLStore(conn); err != nil {
			return nil, err
		}
	default:
		archive = task.NewMemoryStore(cfg.Storage.TaskStore.MaxRecords)
	}
	d.onClose(archive.Close)

	queue, err := buildQueue(cfg.Queue)
	if err != nil {
		return nil, err
	}
	d.onClose(queue.Close)

	d.runtime, err = engine.NewRuntime(engine.Config{
		MaxSteps:           cfg.Engine.MaxSteps,
		MaxDelegationDepth: cfg.Engine.MaxDelegationDepth,
		MaxConcurrentTasks: cfg.Engine.MaxConcurrentTasks,
		TaskTimeout:        cfg.Engine.TaskTimeout.Std(),
		Admission:          engine.AdmissionMode(cfg.Engine.AdmissionMode),
		MemoryTopK:         cfg.Memory.TopK,
		MemoryMinScore:     cfg.Memory.MinScore,
		SignMemory:         cfg.Memory.SignRecords,
		Retry: engine.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Initial:     cfg.Retry.InitialBackoff.Std(),
			Multiplier:  cfg.Retry.Multiplier,
			Max:         cfg.Retry.MaxBackoff.Std(),
		},
	}, engine.Deps{
		Registry: d.registry,
		Memory:   store,
		Embedder: embedder,
		Signer:   keyring,
		Archive:  archive,
		Prompter: agent.NewPrompter(kb, cfg.Knowledge.MaxResults),
	},
		engine.WithLogger(logger.Named("engine")),
		engine.WithAuditLogger(logger.Audit()),
		engine.WithMetrics(d.collector),
		engine.WithAlertDispatcher(d.alerts),
	)
	if err != nil {
		return nil, err
	}

	gateways := make(map[string]llm.Gateway)
	for _, ac := range cfg.Agents {
		name := cfg.ProviderFor(ac)
		gw, ok := gateways[name]
		if !ok {
			if gw, err = buildGateway(name, cfg.LLM); err != nil {
				return nil, err
			}
			gateways[name] = gw
		}
		if _, err := d.runtime.Register(agentProfile(ac, cfg.Capabilities), gw); err != nil {
			return nil, err
		}
	}

	d.service = task.NewService(d.runtime, queue, archive)
	d.processor = task.NewProcessor(d.runtime, queue,
		task.WithWorkerCount(cfg.Engine.Workers),
		task.WithProcessorLogger(logger.Named("processor")),
		task.WithAlertDispatcher(d.alerts),
	)

	authSvc, err := buildAuth(cfg.Auth)
	if err != nil {
		return nil, err
	}
	d.server = api.NewServer(cfg.Server.Address, d.service, d.runtime,
		api.WithRegistry(d.registry),
		api.WithVerifier(keyring),
		api.WithAuth(authSvc),
		api.WithMetrics(d.collector),
	)
	return d, nil
}

// loadPlugins 加载插件并把插件工具并入工具集。
func loadPlugins(ctx context.Context, path string, d *daemon) error {
	pcfg, err := plugin.LoadManagerConfig(path)
	if err != nil {
		return err
	}
	manager, err := plugin.NewManager(pcfg, plugin.WithLogger(logger.Named("plugin")))
	if err != nil {
		return err
	}
	d.onClose(manager.Close)
	if err := manager.InitAll(ctx); err != nil {
		return err
	}
	exported, err := manager.Tools()
	if err != nil {
		return err
	}
	box := make(capability.Toolbox, len(exported))
	for name, tool := range exported {
		box[name] = capability.ToolFunc(tool)
	}
	if len(box) > 0 && d.cfg.Capabilities.Catalog == "" {
		logger.L().Warn("插件工具需要在能力目录中声明后才可调用", slog.Int("tools", len(box)))
	}
	return d.toolbox.Extend(box)
}

func buildAlerts(cfg config.AlertConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{Logger: logger.Audit()})
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:     cfg.WebhookURL,
			Headers: cfg.Headers,
			Client:  &http.Client{Timeout: 10 * time.Second},
		})
	}
	return alerting.NewFanout(notifiers...)
}

func buildKeyring(cfg config.IdentityConfig) (*proofs.Keyring, error) {
	keyring, err := proofs.NewKeyring(
		proofs.WithEphemeralKeys(cfg.AllowEphemeral),
		proofs.WithKeyringLogger(logger.Named("proofs")),
	)
	if err != nil {
		return nil, err
	}
	for agentID, hexKey := range cfg.Keys {
		if err := keyring.AddHexKey(agentID, hexKey); err != nil {
			return nil, err
		}
	}
	for _, ks := range cfg.Keystores {
		if err := keyring.LoadKeystore(ks.Agent, ks.Path, os.Getenv(ks.PassphraseEnv)); err != nil {
			return nil, err
		}
	}
	return keyring, nil
}

func buildMemory(cfg config.MemoryConfig, openDB func() (*sql.DB, error), onClose func(func() error)) (memory.Store, error) {
	var store memory.Store
	switch cfg.Driver {
	case "leveldb":
		ldb, err := memory.OpenLevelDBStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		onClose(ldb.Close)
		store = ldb
	case "mysql":
		db, err := openDB()
		if err != nil {
			return nil, err
		}
		store = mysql.NewMemoryRepository(db)
	default:
		store = memory.NewLocalStore()
	}
	if cfg.CacheSize > 0 {
		return memory.NewCachedStore(store, cfg.CacheSize)
	}
	return store, nil
}

func buildEmbedder(cfg *config.Config) (memory.Embedder, error) {
	var embedder memory.Embedder
	switch cfg.Memory.Embedder {
	case "openai":
		client, err := newOpenAI(cfg.LLM.OpenAI)
		if err != nil {
			return nil, err
		}
		embedder = client
	default:
		embedder = memory.NewHashEmbedder(cfg.Memory.Dimensions)
	}
	if cfg.Memory.CacheSize > 0 {
		return memory.NewCachedEmbedder(embedder, cfg.Memory.CacheSize)
	}
	return embedder, nil
}

func buildQueue(cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:    cfg.Redis.Address,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Queue:      cfg.Redis.Queue,
			DeadLetter: cfg.Redis.DeadLetter,
			BlockWait:  cfg.Redis.BlockWait.Std(),
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:                cfg.RabbitMQ.URL,
			Queue:              cfg.RabbitMQ.Queue,
			Prefetch:           cfg.RabbitMQ.Prefetch,
			Durable:            cfg.RabbitMQ.Durable,
			DeadLetterExchange: cfg.RabbitMQ.DeadLetterExchange,
		})
	default:
		return task.NewMemoryQueue(cfg.Size), nil
	}
}

func newOpenAI(cfg config.OpenAIConfig) (*openai.Client, error) {
	return openai.NewClient(openai.Config{
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		Model:          cfg.Model,
		EmbeddingModel: cfg.EmbeddingModel,
		Temperature:    cfg.Temperature,
		Timeout:        cfg.Timeout.Std(),
	})
}

func buildGateway(name string, cfg config.LLMConfig) (llm.Gateway, error) {
	switch name {
	case "openai":
		return newOpenAI(cfg.OpenAI)
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:      cfg.Anthropic.APIKey,
			BaseURL:     cfg.Anthropic.BaseURL,
			Model:       cfg.Anthropic.Model,
			MaxTokens:   cfg.Anthropic.MaxTokens,
			Temperature: cfg.Anthropic.Temperature,
			Timeout:     cfg.Anthropic.Timeout.Std(),
		})
	case "", "python_bridge":
		script := pythonbridge.ResolveScriptPath(cfg.Python.WorkingDir, cfg.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.Python.PythonExecutable, script, cfg.Python.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", name)
	}
}

func buildAuth(cfg config.AuthConfig) (*auth.Service, error) {
	tokens := make([]auth.Token, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		secret := t.Token
		if secret == "" && t.TokenEnv != "" {
			secret = os.Getenv(t.TokenEnv)
		}
		tokens = append(tokens, auth.Token{Name: t.Name, Secret: secret, Permissions: t.Permissions})
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Mode), Tokens: tokens})
}

// agentProfile 将配置转换为智能体画像，访问策略叠加全局默认值。
func agentProfile(ac config.AgentConfig, caps config.CapabilityConfig) agent.Profile {
	own := capability.Policy{Allow: ac.Allow, Deny: ac.Deny}
	return agent.Profile{
		ID:           ac.ID,
		Description:  ac.Description,
		SystemPrompt: ac.SystemPrompt,
		Policy:       own.Merge(capability.Policy{Allow: caps.DefaultAllow, Deny: caps.DefaultDeny}),
		MemoryDepth:  ac.MemoryDepth,
		Knowledge:    ac.Knowledge,
	}
}

// unsignedAgents 返回在禁用临时密钥时没有登记密钥的智能体。
func unsignedAgents(keyring *proofs.Keyring, cfg *config.Config) []string {
	if cfg.Identity.AllowEphemeral {
		return nil
	}
	loaded := keyring.Agents()
	var missing []string
	for _, ac := range cfg.Agents {
		if id := strings.TrimSpace(ac.ID); !slices.Contains(loaded, id) {
			missing = append(missing, id)
		}
	}
	return missing
}
