package main

import (
	"github.com/programme-lv/grader/http"
	"github.com/programme-lv/grader/logger"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose = true
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if address == "" {
				address = a.Config.HttpAddr
			}
			server := http.NewHttpServer(a, http.Options{
				CorsOrigins: a.Config.CorsOrigins,
				LogLevel:    logger.ParseLevel(a.Config.LogLevel),
				JSONLogs:    a.Config.LogFormat == "json",
			})
			log.Info().Str("address", address).Msg("serving")
			return server.Start(ctx, address)
		},
	}
	cmd.Flags().StringVarP(&address, "addr", "a", "", "Listen address, defaults to GRADER_HTTP_ADDR")
	return cmd
}
