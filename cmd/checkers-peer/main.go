package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/magefree/checkers-p2p/internal/bridge"
	"github.com/magefree/checkers-p2p/internal/config"
	"github.com/magefree/checkers-p2p/internal/game"
	"github.com/magefree/checkers-p2p/internal/history"
	"github.com/magefree/checkers-p2p/internal/match"
	"github.com/magefree/checkers-p2p/internal/p2p"
)

var (
	configPath = flag.String("config", "config/peer.yaml", "path to configuration file")
	joinCode   = flag.String("join", "", "join code of a hosted game; host a new game when empty")
	username   = flag.String("username", "player", "name shown to the opponent")
	version    = "dev" // set via ldflags during build
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting checkers peer",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("peer stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("checkers peer stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	opts, err := cfg.Network.Options()
	if err != nil {
		return err
	}

	store, err := history.Open(ctx, cfg.History.Driver, cfg.History.DSN, logger.Named("history"))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	node := p2p.NewNode(opts, logger.Named("p2p"))
	defer node.Close()

	color := game.Light
	if *joinCode == "" {
		code, err := node.StartAsHost(ctx, *username)
		if err != nil {
			return fmt.Errorf("host game: %w", err)
		}
		logger.Info("hosting game",
			zap.String("join_code", code),
			zap.Stringer("address", node.LocalAddr()),
		)
		fmt.Printf("Join code: %s\n", code)
	} else {
		joined, err := node.StartAsClient(ctx, *joinCode, *username)
		if err != nil {
			var perr *p2p.ProtocolError
			if errors.As(err, &perr) {
				return fmt.Errorf("host refused join: %w", err)
			}
			return fmt.Errorf("join game: %w", err)
		}
		color = joined.Color
		logger.Info("joined game",
			zap.String("host", joined.HostUsername),
			zap.Stringer("color", color),
		)
	}

	m := match.NewMatch(node, color, store, logger.Named("match"))
	go func() {
		if err := m.Run(ctx); err != nil {
			logger.Error("match loop stopped", zap.Error(err))
		}
	}()

	if cfg.Bridge.Enabled {
		srv := bridge.NewServer(m, node.Status, logger.Named("bridge"))
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Bridge.Address); err != nil {
				logger.Error("bridge server error", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("bridge disabled; the match can only be followed in the logs")
	}

	<-ctx.Done()
	logger.Info("shutting down gracefully...",
		zap.Stringer("status", node.Status()),
		zap.String("board_checksum", m.Board().Checksum()),
	)

	verifyCtx, cancelVerify := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelVerify()
	if r, err := m.Replay(verifyCtx); err != nil {
		logger.Warn("match history does not replay", zap.Error(err))
	} else {
		logger.Info("match history verified",
			zap.Int("plies", r.FirstPly()+r.Size()-1),
			zap.Bool("truncated", r.Truncated()),
		)
	}
	return nil
}

// initLogger builds the zap logger from the logging section.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
