package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/waveterm-ai/wave/internal/logging"
	"github.com/waveterm-ai/wave/internal/server"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the event stream and permission ask_callback over HTTP",
	Long: `Start wave as a headless server exposing the event stream (SSE) and
the permission ask_callback round trip over HTTP, so a UI can drive turn
loops that still run in this process.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "127.0.0.1", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	logging.Info().Str("version", Version).Msg("starting wave server")
	logging.Info().Str("directory", workDir).Msg("working directory")

	ctx := context.Background()
	rt, err := newRuntime(ctx, workDir)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer rt.close()

	srvCfg := server.DefaultConfig()
	srvCfg.Port = servePort
	srvCfg.Directory = workDir
	srv := server.New(srvCfg, rt.asks, rt.subagents)

	go func() {
		logging.Info().
			Str("url", fmt.Sprintf("http://%s:%d", serveHostname, servePort)).
			Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}
	logging.Info().Msg("server stopped")
	return nil
}
