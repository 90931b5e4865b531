package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/loppo-llc/termsup/internal/completion"
	"github.com/loppo-llc/termsup/internal/diffcache"
	"github.com/loppo-llc/termsup/internal/filebrowser"
	"github.com/loppo-llc/termsup/internal/gitfacade"
	"github.com/loppo-llc/termsup/internal/idlemonitor"
	"github.com/loppo-llc/termsup/internal/notify"
	"github.com/loppo-llc/termsup/internal/registry"
	"github.com/loppo-llc/termsup/internal/scheduler"
	"github.com/loppo-llc/termsup/internal/server"
	"github.com/loppo-llc/termsup/internal/sessionmgr"
	"github.com/loppo-llc/termsup/internal/store"
	"github.com/loppo-llc/termsup/internal/tmuxctl"
)

var version = "0.1.0"

func main() {
	port := flag.Int("port", 7717, "port number (auto-increments if busy)")
	dev := flag.Bool("dev", false, "enable verbose (debug-level) logging")
	showVersion := flag.Bool("version", false, "show version")
	completionProvider := flag.String("completion-provider", "", "completion backend provider (unused until a provider adapter is wired in)")
	flag.Parse()

	if *showVersion {
		fmt.Println("termsupd", version)
		return
	}

	logLevel := slog.LevelInfo
	if *dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	st, err := store.Open(logger)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	tmux := tmuxctl.New()
	git := gitfacade.New()
	files := filebrowser.New()
	reg := registry.New(tmux, git, st, logger)

	notifier, err := notify.NewManager(logger)
	if err != nil {
		logger.Error("failed to initialize push notifications", "err", err)
		os.Exit(1)
	}

	sessions := sessionmgr.New(tmux, st, notifier, logger)

	diffs := diffcache.New(git, func(name string) (string, bool) {
		workdir, err := reg.GetSessionWorkdir(name)
		return workdir, err == nil
	}, logger)

	monitor := idlemonitor.New(tmux, st, notifier, logger)

	provider := completion.Provider(*completionProvider)
	if provider == "" {
		provider = completion.ProviderOllama
	}
	completer, err := completion.New(completion.Config{Provider: provider})
	if err != nil {
		logger.Error("failed to initialize completion backend", "err", err)
		os.Exit(1)
	}

	sched := scheduler.New(logger)
	if err := sched.Add("idle-monitor", "@every 2s", monitor.Tick); err != nil {
		logger.Error("failed to schedule idle monitor", "err", err)
		os.Exit(1)
	}
	if err := sched.Add("diff-cache", "@every 5s", diffs.Refresh); err != nil {
		logger.Error("failed to schedule diff cache", "err", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Addr:      fmt.Sprintf(":%d", *port),
		Logger:    logger,
		Store:     st,
		Registry:  reg,
		Sessions:  sessions,
		Git:       git,
		Files:     files,
		Diffs:     diffs,
		Notify:    notifier,
		Completer: completer,
		Version:   version,
	})

	ln, err := listenWithFallback("127.0.0.1", *port, 10, logger)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "\n  termsup v%s running at:\n\n    http://%s\n\n", version, ln.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Serve(ln); err != nil {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func listenWithFallback(host string, startPort, maxAttempts int, logger *slog.Logger) (net.Listener, error) {
	for i := range maxAttempts {
		p := startPort + i
		addr := net.JoinHostPort(host, strconv.Itoa(p))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				logger.Info("port was busy, using fallback", "requested", startPort, "actual", p)
			}
			return ln, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}
