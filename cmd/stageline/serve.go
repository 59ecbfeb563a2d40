package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"stageline/internal/app"
	"stageline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	var pub app.PublisherOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the governance HTTP API and the event relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := appOptions()
			opts.Publisher = pub
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: allowActorHeader,
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("STAGELINE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   a.Logger.Named("http"),
				})
				if err != nil {
					return err
				}
				if relay := a.Relay(""); relay != nil {
					go relay.Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving stageline api",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.String("publisher", pub.Driver),
				)
				fmt.Printf("Serving Stageline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local use only)")
	cmd.Flags().StringVar(&pub.Driver, "publisher", app.PublisherNone, "event publisher: none, amqp, redis or webhook")
	cmd.Flags().StringVar(&pub.URL, "publisher-url", "", "broker or webhook URL")
	cmd.Flags().StringVar(&pub.Secret, "publisher-secret", "", "webhook signing secret")
	cmd.Flags().StringVar(&pub.Stream, "publisher-stream", "", "redis stream key")
	cmd.Flags().StringSliceVar(&pub.Events, "publisher-events", nil, "event types to relay (default all)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
