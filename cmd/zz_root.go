package cmd

import (
	"context"
	"os"
	"strings"

	"emperror.dev/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/pgillich/bews-doubler/internal/config"
	"github.com/pgillich/bews-doubler/internal/logger"
	"github.com/pgillich/bews-doubler/internal/model"
	"github.com/pgillich/bews-doubler/internal/tracing"
)

var cfgFile string //nolint:gochecknoglobals // cobra

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{ //nolint:gochecknoglobals // cobra
	Use:   "bews-doubler",
	Short: "Number doubler over a message broker",
	Long: `Requester and responder exchanging numbers over NATS or RabbitMQ.

The responder answers every request with the doubled number, after an optional delay.
The requester keeps one request in flight and checks the responder with PING/PONG heartbeats.`,
	Version:      tracing.Version(),
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context, args []string, serverRunner model.ServerRunner) {
	ctx = context.WithValue(ctx, model.CtxKeyCmd, strings.Join(append([]string{rootCmd.Use}, args...), " "))
	ctx = context.WithValue(ctx, model.CtxKeyServerRunner, serverRunner)
	rootCmd.SetArgs(args)
	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		logger.GetLogger(rootCmd.Use).Error(err, "Bad", "args", args)
		os.Exit(1)
	}
}

func init() {
	d := config.Defaults()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "bews.yaml", "config file (yaml, json, toml or ini)")
	flags.String("broker", d.Broker, "Broker kind: nats or amqp")
	flags.String("host", d.Host, "Broker host")
	flags.Int("port", 0, "Broker port (default 4222 for nats, 5672 for amqp)")
	flags.String("exchange", d.Exchange, "Exchange name")
	flags.String("log_level", d.LogLevel, "Log level: trace, debug, info, warn or error")
	flags.String("jaeger_url", "", "Jaeger collector address, for example http://localhost:14268/api/traces")
	flags.String("otlp_url", "", "OTLP HTTP collector address, for example http://localhost:4318/v1/traces")
}

// newProvider returns the settings provider of the command and applies the configured log level.
func newProvider(cmd *cobra.Command) (*config.ViperProvider, error) {
	provider := config.NewViperProvider(afero.NewOsFs(), cfgFile, cmd.Flags(), logger.GetLogger(cmd.Use))
	settings, err := provider.Settings()
	if err != nil {
		return nil, err
	}
	if err := logger.SetLevel(settings.LogLevel); err != nil {
		return nil, errors.WithDetails(err, "log_level", settings.LogLevel)
	}
	provider.Log = logger.GetLogger(cmd.Use)

	return provider, nil
}

func RunService(cmd *cobra.Command, args []string, config interface{}, newService model.NewService) error {
	commandLine := cmd.Context().Value(model.CtxKeyCmd)
	log := logger.GetLogger(cmd.Use).WithValues(logger.KeyCmd, commandLine)

	return errors.WrapIf(newService(cmd.Context(), config, log).Run(args), "service run")
}
