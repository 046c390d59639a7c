// Copyright (c) 2019-2020 The Zcash developers
// Distributed under the MIT software license, see the accompanying
// file COPYING or https://www.opensource.org/licenses/mit-license.php .
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	logger  = logrus.New()
)

// rootCmd is the base "mirror" command; it has no Run of its own and
// exists only to host the server/sync/version subcommands.
var rootCmd = &cobra.Command{
	Use:   "mirror",
	Short: "mirror keeps a Bitcoin-like chain's KVS mirror in sync and re-serves it over REST",
}

// Execute runs the root command. It is the only exported entry point,
// called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("mirror")
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("using config file:", viper.ConfigFileUsed())
	}

	if level, err := logrus.ParseLevel(viper.GetString("log-level")); err == nil {
		logger.SetLevel(level)
	}
	if logFile := viper.GetString("log-file"); logFile != "" {
		output, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			logger.WithError(err).Fatal("couldn't open log file")
		}
		logger.SetOutput(output)
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

func init() {
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableLevelTruncation: true})
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./mirror.yaml)")
	rootCmd.PersistentFlags().String("redis-url", "redis://127.0.0.1:6379/0", "redis connection URL backing the KVS")
	rootCmd.PersistentFlags().String("namespace", "mirror", "KVS key namespace")
	rootCmd.PersistentFlags().String("chain", "BTC", "chain identifier used in KVS keys and config lookups")
	rootCmd.PersistentFlags().String("log-level", "info", "logrus log level")
	rootCmd.PersistentFlags().String("log-file", "", "log file to write to (default stderr)")

	viper.BindPFlag("redis-url", rootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("namespace", rootCmd.PersistentFlags().Lookup("namespace"))
	viper.BindPFlag("chain", rootCmd.PersistentFlags().Lookup("chain"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file"))
}
