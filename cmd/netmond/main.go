package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"

	"github.com/uplinklabs/netmon/internal/runtime"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Best-effort; a missing .env is not an error.
	_ = godotenv.Load()

	var (
		showVersion = pflag.BoolP("version", "V", false, "print version and exit")
		verbose     = pflag.BoolP("verbose", "v", false, "enable debug logging")
		addr        = pflag.String("addr", "", "http listen address (default :$BACKEND_PORT or :5000)")
		dataDir     = pflag.String("data-dir", "", "data directory (default $NETMON_DATA_DIR or ./data)")
		redisAddr   = pflag.String("redis-addr", "", "redis address (default $REDIS_ADDR; empty disables redis)")
		privileged  = pflag.Bool("privileged", false, "use raw-socket ICMP (requires CAP_NET_RAW)")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Printf("netmond %s (commit %s, built %s)\n", version, commit, date)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.StampMilli,
	}))
	slog.SetDefault(log)

	if *addr == "" {
		port := os.Getenv("BACKEND_PORT")
		if port == "" {
			port = "5000"
		}
		*addr = ":" + port
	}
	if *dataDir == "" {
		*dataDir = os.Getenv("NETMON_DATA_DIR")
		if *dataDir == "" {
			*dataDir = "data"
		}
	}
	if *redisAddr == "" {
		*redisAddr = os.Getenv("REDIS_ADDR")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := runtime.Run(ctx, &runtime.Config{
		Logger:         log,
		Version:        version,
		DataDir:        *dataDir,
		HTTPAddr:       *addr,
		RedisAddr:      *redisAddr,
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		PrivilegedICMP: *privileged,
	})
	if err != nil {
		log.Error("netmond: exited with error", "error", err)
		os.Exit(1)
	}
}
