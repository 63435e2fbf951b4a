package main

import (
	"context"
	"io"
	"os/exec"
	"path"
	"runtime"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/geminimcp/callbacks"
	"github.com/effective-security/geminimcp/chunker"
	"github.com/effective-security/geminimcp/chunkstore"
	"github.com/effective-security/geminimcp/config"
	"github.com/effective-security/geminimcp/dispatcher"
	"github.com/effective-security/geminimcp/gemini"
	"github.com/effective-security/geminimcp/invoker"
	"github.com/effective-security/geminimcp/mcp"
	"github.com/effective-security/geminimcp/mcp/transport"
	"github.com/effective-security/geminimcp/mcp/transport/httptransport"
	"github.com/effective-security/geminimcp/mcp/transport/stdio"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// HTTPEndpoint is the path of the HTTP transport
const HTTPEndpoint = "/mcp"

const instructions = "Use ask-gemini to run prompts through the gemini CLI. " +
	"Responses of changeMode requests may be split in chunks, use fetch-chunk with the returned cacheKey to get the rest."

type app struct {
	cfg        *config.Config
	transport  transport.Transport
	server     *mcp.Server
	dispatcher *dispatcher.Dispatcher
	callbacks  *callbacks.Fanout
	stats      *callbacks.Stats
	closers    []func() error
}

func newTransport(cfg *config.Config) transport.Transport {
	if cfg.Server.HTTPAddr != "" {
		return httptransport.NewHTTPTransport(HTTPEndpoint).WithAddr(cfg.Server.HTTPAddr)
	}
	return stdio.New()
}

func newApp(ctx context.Context, cfg *config.Config, tr transport.Transport) (*app, error) {
	a := &app{
		cfg:       cfg,
		transport: tr,
		stats:     callbacks.NewStats(),
	}

	store, err := a.newStore(ctx)
	if err != nil {
		return nil, err
	}

	shell, err := resolveShell(cfg.Invoker.Shell)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	builder := gemini.NewBuilder(cfg.Gemini).WithShell(shell)
	if !builder.APIKeySet() {
		logger.KV(xlog.WARNING, "reason", "api_key_missing", "env", builder.Config().APIKeyEnv)
	}

	a.callbacks = callbacks.NewFanout(
		callbacks.NewPackageLogger(logger),
		callbacks.NewMetrics(),
		a.stats,
	)

	a.dispatcher = dispatcher.New(
		invoker.New(cfg.Invoker.KillGrace.Duration()),
		builder,
		chunker.New(store, cfg.Chunking.MaxChunkSize),
		dispatcher.WithTimeout(cfg.Invoker.Timeout.Duration()),
		dispatcher.WithProgressBuffer(cfg.Invoker.ProgressBuffer),
		dispatcher.WithProgressInterval(cfg.Server.ProgressInterval.Duration()),
		dispatcher.WithMinDelay(cfg.Server.MinDelay.Duration()),
		dispatcher.WithCallback(a.callbacks),
	)

	a.server = mcp.NewServer(tr,
		mcp.WithName(cfg.Server.Name),
		mcp.WithVersion(cfg.Server.Version),
		mcp.WithInstructions(instructions),
		mcp.WithPaginationLimit(cfg.Server.PageSize),
	)
	if err = a.dispatcher.Register(a.server); err != nil {
		_ = a.Close()
		return nil, err
	}

	logger.KV(xlog.INFO,
		"command", builder.Config().Command,
		"model", builder.Config().DefaultModel,
		"store", cfg.Store.Backend,
		"shell", shell != nil,
		"timeout", cfg.Invoker.Timeout,
		"max_chunk_size", cfg.Chunking.MaxChunkSize,
	)
	return a, nil
}

func (a *app) newStore(ctx context.Context) (chunkstore.Store, error) {
	cfg := a.cfg.Store
	if cfg.Backend != config.StoreRedis {
		return chunkstore.NewMemoryStore(), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid store.redis_url")
	}
	client := redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "unable to connect to redis at %s", opts.Addr)
	}
	a.closers = append(a.closers, client.Close)

	prefix := chunkstore.InstancePrefix(cfg.Prefix)
	logger.KV(xlog.INFO, "store", "redis", "addr", opts.Addr, "prefix", prefix, "ttl", cfg.TTL)
	return chunkstore.NewRedisStore(client, prefix, cfg.TTL.Duration()), nil
}

// trace prints every tool call to the writer
func (a *app) trace(w io.Writer) {
	a.callbacks.Add(callbacks.NewPrinter(w, callbacks.ModeDefault))
}

// Run serves until the context is cancelled, or the stdin is closed
func (a *app) Run(ctx context.Context) error {
	if err := a.server.Serve(); err != nil {
		return err
	}

	var done <-chan struct{}
	if st, ok := a.transport.(*stdio.Transport); ok {
		done = st.Done()
	}

	select {
	case <-ctx.Done():
		logger.KV(xlog.INFO, "status", "shutdown", "reason", "signal")
	case <-done:
		logger.KV(xlog.INFO, "status", "shutdown", "reason", "stdin_closed")
	}
	return nil
}

// Close stops the server and releases the store
func (a *app) Close() error {
	var errs []error
	if a.server != nil {
		if err := a.server.Close(); err != nil {
			errs = append(errs, err)
		}
		a.server = nil
	}
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// resolveShell returns the shell configured to run the CLI, nil for direct argv
func resolveShell(shell string) (*invoker.Shell, error) {
	switch shell {
	case "":
		return nil, nil
	case config.ShellAuto:
		return invoker.ResolveShell(runtime.GOOS, exec.LookPath)
	}

	base := path.Base(strings.ReplaceAll(shell, `\`, "/"))
	name := strings.ToLower(strings.TrimSuffix(base, path.Ext(base)))
	if name == "pwsh" || name == "powershell" {
		return invoker.PowerShell(shell), nil
	}
	return invoker.POSIXShell(shell), nil
}
