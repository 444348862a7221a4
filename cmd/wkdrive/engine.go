package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/standardbeagle/wkdrive/internal/headless"
	"github.com/standardbeagle/wkdrive/internal/metrics"
)

var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Run the reference engine",
	Long: `Run the reference engine.

The engine listens for protocol connections on a TCP port and announces it
on stdout as "wkdrive engine listening on port: N". With --port 0 an
ephemeral port is chosen. --websocket additionally serves the protocol at
/ws on the given address.`,
	Args: cobra.NoArgs,
	RunE: runEngine,
}

func init() {
	engineCmd.Flags().String("host", "127.0.0.1", "Address to listen on")
	engineCmd.Flags().Int("port", 0, "TCP port for protocol connections (0 picks one)")
	engineCmd.Flags().String("websocket", "", "Also serve the protocol over WebSocket at ADDR/ws")
	engineCmd.Flags().String("metrics", "", "Serve Prometheus metrics at ADDR/metrics")
	engineCmd.Flags().Bool("watch-stdin", false, "Exit when stdin is closed")
	engineCmd.Flags().Duration("fetch-timeout", 30*time.Second, "Timeout for each HTTP request")
	engineCmd.Flags().Duration("script-timeout", 10*time.Second, "Timeout for each script run")

	rootCmd.AddCommand(engineCmd)
}

func runEngine(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	flags := cmd.Flags()
	host, _ := flags.GetString("host")
	port, _ := flags.GetInt("port")
	wsAddr, _ := flags.GetString("websocket")
	metricsAddr, _ := flags.GetString("metrics")
	watchStdin, _ := flags.GetBool("watch-stdin")
	fetchTimeout, _ := flags.GetDuration("fetch-timeout")
	scriptTimeout, _ := flags.GetDuration("script-timeout")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if watchStdin {
		go func() {
			_, _ = io.Copy(io.Discard, os.Stdin)
			logger.Debug("stdin closed, shutting down")
			cancel()
		}()
	}

	opts := []headless.Option{
		headless.WithLogger(logger),
		headless.WithFetchTimeout(fetchTimeout),
		headless.WithScriptTimeout(scriptTimeout),
	}
	if metricsAddr != "" {
		opts = append(opts, headless.WithMetrics(metrics.New(prometheus.DefaultRegisterer, "engine")))
	}
	srv := headless.NewServer(opts...)

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if wsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", srv.WebSocketHandler())
		go serveHTTP(ctx, logger, wsAddr, mux)
	}
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go serveHTTP(ctx, logger, metricsAddr, mux)
	}

	// The supervisor waits for this exact line.
	fmt.Printf("wkdrive engine listening on port: %d\n", ln.Addr().(*net.TCPAddr).Port)
	logger.Info("engine started", zap.String("addr", ln.Addr().String()))

	if err := srv.Serve(ctx, ln); err != nil {
		return err
	}
	logger.Info("engine stopped")
	return nil
}

func serveHTTP(ctx context.Context, logger *zap.Logger, addr string, h http.Handler) {
	server := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("http listener started", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http listener failed", zap.String("addr", addr), zap.Error(err))
	}
}
