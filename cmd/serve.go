package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/jobscore/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the scoring API with server-sent batch progress",
	Run: func(_ *cobra.Command, _ []string) {
		serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "address to listen on (default from config)")
	viper.BindPFlag("server.listen", serveCmd.Flags().Lookup("listen"))
}

func serve() {
	rt := setup()

	if !viper.GetBool("debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(server.Config{
		Listen:   rt.config.Server.Listen,
		Resume:   rt.resume,
		Provider: rt.config.Provider(),
		Sort:     rt.config.SortOrder(),
		MaxBatch: rt.config.Dispatch.MaxBatch,
	}, rt.dispatcher, rt.store, rt.logger.Named("server"))

	if err := srv.Run(ctx); err != nil {
		rt.logger.Fatal("serving", zap.Error(err))
	}
}
