package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bitcoin-rest-mirror/mirror/internal/client"
	"github.com/bitcoin-rest-mirror/mirror/internal/config"
	"github.com/bitcoin-rest-mirror/mirror/internal/kvs"
	"github.com/bitcoin-rest-mirror/mirror/internal/restserver"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "re-serve a subset of Bitcoin Core's REST API from the mirrored KVS",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServer(); err != nil {
			logger.WithError(err).Fatal("server exited")
		}
	},
}

func init() {
	serverCmd.Flags().String("listen-addr", "127.0.0.1:8080", "address the REST server listens on")
	viper.BindPFlag("listen-addr", serverCmd.Flags().Lookup("listen-addr"))
}

func runServer() error {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	listenAddr := viper.GetString("listen-addr")
	redisURL := viper.GetString("redis-url")
	namespace := viper.GetString("namespace")
	chain := viper.GetString("chain")
	if cfg.Namespace != "" {
		namespace = cfg.Namespace
	}
	if cfg.RedisURL != "" {
		redisURL = cfg.RedisURL
	}
	if cc, ok := cfg.Chain(chain); ok && cc.Server.ListenAddr != "" {
		listenAddr = cc.Server.ListenAddr
	}

	store, err := kvs.NewRedisStore(redisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer store.Close()

	c := client.New(store, namespace, chain)
	log := logger.WithFields(logrus.Fields{"app": "mirror-server", "chain": chain})
	srv := restserver.New(c, log)

	httpServer := &http.Server{Addr: listenAddr, Handler: srv}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-signals
		log.WithField("signal", s.String()).Info("caught signal, shutting down")
		httpServer.Close()
	}()

	log.Infof("listening on %s", listenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
