// Command foresight runs one node of the prediction-market matching cluster.
// It loads configuration, validates it, sets up logging and signal handling,
// and starts the node. The keygen and token subcommands help operators
// provision credentials.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alanyoungcy/foresight/internal/app"
	"github.com/alanyoungcy/foresight/internal/config"
	"github.com/alanyoungcy/foresight/internal/crypto"
	"github.com/alanyoungcy/foresight/internal/domain"
	"github.com/alanyoungcy/foresight/internal/ratelimit"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "keygen":
			exit(keygen(os.Args[2:]))
		case "token":
			exit(token(os.Args[2:]))
		}
	}
	exit(serve(os.Args[1:]))
}

func exit(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func serve(args []string) error {
	fs := flag.NewFlagSet("foresight", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", *configPath, err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return err
	}

	redacted := cfg.Redacted()
	logger.Info("foresight starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", redacted),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("foresight stopped")
	return nil
}

// newLogger writes JSON to stdout and, when log.file is set, to a rotated file.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stdout
	if cfg.Log.File != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// keygen writes a fresh operator key encrypted with FORESIGHT_KEY_PASSWORD.
func keygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	out := fs.String("out", "operator.key.json", "destination of the encrypted key file")
	_ = fs.Parse(args)

	password := os.Getenv(config.EnvPrefix + "KEY_PASSWORD")
	if password == "" {
		return fmt.Errorf("keygen: set %sKEY_PASSWORD", config.EnvPrefix)
	}
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("keygen: %w", err)
	}
	blob, err := crypto.EncryptKey(key, password)
	if err != nil {
		return fmt.Errorf("keygen: %w", err)
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		return fmt.Errorf("keygen: write %s: %w", *out, err)
	}
	fmt.Printf("operator address %s written to %s\n", ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), *out)
	return nil
}

// token prints an HS256 bearer token signed with auth.jwt_secret.
func token(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	subject := fs.String("subject", "", "principal id")
	tier := fs.String("tier", string(domain.TierTrader), "anonymous, trader or admin")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("token: load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("token: auth.jwt_secret is not set")
	}
	if *subject == "" {
		return errors.New("token: -subject is required")
	}
	now := time.Now()
	signed, err := ratelimit.SignToken(cfg.Auth.JWTSecret, *subject, domain.Tier(*tier), jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
	})
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	fmt.Println(signed)
	return nil
}
