package cmd

import (
	"github.com/spf13/cobra"

	"github.com/pgillich/bews-doubler/internal/config"
	"github.com/pgillich/bews-doubler/internal/server"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{ //nolint:gochecknoglobals // cobra
	Use:   "server",
	Short: "Responder",
	Long:  `Consumes the server queue and answers every number doubled. Serves /healthz and /metrics on status_addr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SetContext(cmd.Parent().Context())
		provider, err := newProvider(cmd)
		if err != nil {
			return err
		}

		return RunService(cmd, args, &server.Config{Provider: provider}, server.NewService)
	},
}

func init() {
	d := config.Defaults()
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().String("server_queue", "", "Server queue (default is the exchange name)")
	serverCmd.Flags().Int("max_in_flight", d.MaxInFlight, "Max concurrently handled requests")
	serverCmd.Flags().String("status_addr", d.StatusAddr, "Listen address of the status endpoint, - to disable")
}
