package cmd

import (
	"github.com/spf13/cobra"

	"github.com/pgillich/bews-doubler/internal/client"
	"github.com/pgillich/bews-doubler/internal/config"
)

// clientCmd represents the client command
var clientCmd = &cobra.Command{ //nolint:gochecknoglobals // cobra
	Use:   "client [number...]",
	Short: "Requester",
	Long: `Sends the numbers of the arguments, or of the input lines, one by one and prints the answers.
With --watch, saving the config file reconnects if the connection settings changed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SetContext(cmd.Parent().Context())
		provider, err := newProvider(cmd)
		if err != nil {
			return err
		}
		delay, err := cmd.Flags().GetDuration("delay")
		if err != nil {
			return err
		}
		serviceConfig := &client.ServiceConfig{
			Provider: provider,
			Delay:    delay,
			In:       cmd.InOrStdin(),
			Out:      cmd.OutOrStdout(),
		}
		if watch, err := cmd.Flags().GetBool("watch"); err != nil {
			return err
		} else if watch {
			serviceConfig.Watcher = provider
		}

		return RunService(cmd, args, serviceConfig, client.NewService)
	},
}

func init() {
	d := config.Defaults()
	rootCmd.AddCommand(clientCmd)
	clientCmd.Flags().Bool("watch", false, "Reload the settings on config file change")
	clientCmd.Flags().Duration("delay", 0, "Processing delay asked from the responder")
	clientCmd.Flags().String("request_policy", d.RequestPolicy, "Requests sent while not connected: drop or queue")
}
