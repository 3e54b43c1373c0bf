package cmd

import (
	"github.com/spf13/cobra"

	"convert-gateway/config"
	gateway "convert-gateway/server"
)

func server(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "start conversion gateway and workers",
		Run: func(cmd *cobra.Command, args []string) {
			gateway.RunHttp(config)
		},
	}
}
