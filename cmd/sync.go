package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bitcoin-rest-mirror/mirror/internal/client"
	"github.com/bitcoin-rest-mirror/mirror/internal/config"
	"github.com/bitcoin-rest-mirror/mirror/internal/fetcher"
	"github.com/bitcoin-rest-mirror/mirror/internal/indexer"
	"github.com/bitcoin-rest-mirror/mirror/internal/kvs"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "mirror a Bitcoin-like chain into the KVS (initial sync, catch-up, then steady state)",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSync(); err != nil {
			logger.WithError(err).Fatal("sync exited")
		}
	},
}

func init() {
	syncCmd.Flags().String("rest-url", "http://127.0.0.1:8332", "upstream Bitcoin Core REST base URL")
	syncCmd.Flags().String("blocks-dir", "", "on-disk blocks directory for initial sync (optional)")
	viper.BindPFlag("rest-url", syncCmd.Flags().Lookup("rest-url"))
	viper.BindPFlag("blocks-dir", syncCmd.Flags().Lookup("blocks-dir"))
}

func runSync() error {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	redisURL := viper.GetString("redis-url")
	namespace := viper.GetString("namespace")
	chain := viper.GetString("chain")
	restURL := viper.GetString("rest-url")
	blocksDir := viper.GetString("blocks-dir")
	if cfg.Namespace != "" {
		namespace = cfg.Namespace
	}
	if cfg.RedisURL != "" {
		redisURL = cfg.RedisURL
	}
	if cc, ok := cfg.Chain(chain); ok {
		if cc.RestURL != "" {
			restURL = cc.RestURL
		}
		if cc.BlocksDir != "" {
			blocksDir = cc.BlocksDir
		}
	}

	store, err := kvs.NewRedisStore(redisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer store.Close()

	c := client.New(store, namespace, chain)
	rest := fetcher.NewRestClient(restURL)
	log := logger.WithFields(logrus.Fields{"app": "mirror-sync", "chain": chain})

	ix := indexer.New(c, rest, blocksDir, log).
		WithDownloaderOptions(cfg.Downloader.Concurrency, cfg.Downloader.MaxBuffer).
		WithMaxBlocks(cfg.BlkReader.MaxBlocks)

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-signals
		log.WithField("signal", s.String()).Info("caught signal, stopping sync")
		cancel()
	}()

	log.WithFields(logrus.Fields{"restUrl": restURL, "blocksDir": blocksDir}).Info("starting sync")
	return ix.Run(ctx)
}
