// slskpeerd is a demo CLI that exercises the full stack against a real
// TCP listener: it connects to the Soulseek server (it sends no Login
// message), serves inbound peer connections, and can drive a single
// outbound peer connection from the command line. Grounded on rudransh-shrivastava-peer-it/client/cmd's
// cobra.Command tree (rootCmd, AddCommand, Execute) and this repo's own
// config package for .env-driven settings.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"slskpeer/addrcache"
	"slskpeer/codec"
	"slskpeer/config"
	"slskpeer/httpdebug"
	"slskpeer/listener"
	"slskpeer/netconn"
	"slskpeer/pcm"
	"slskpeer/serverconn"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func newResolver(logger *slog.Logger) pcm.AddressResolver {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.REDIS_URI,
		Password: config.REDIS_PASSWORD,
		DB:       config.REDIS_DB,
	})
	return addrcache.New(rdb, logger)
}

// dispatchServerResponses feeds every inbound ConnectToPeerResponse from
// the server back into PCM, per spec.md §4.7: type "P" completes via
// GetOrAdd, type "F" via GetTransfer.
func dispatchServerResponses(ctx context.Context, sc *serverconn.Connection, m *pcm.Manager, logger *slog.Logger) {
	for resp := range sc.ConnectToPeerResponses() {
		resp := resp
		go func() {
			switch resp.Type {
			case "P":
				if _, err := m.GetOrAdd(ctx, resp.Username, resp.IP, resp.Port, resp.Privileged); err != nil {
					logger.Warn("failed to fulfill peer solicitation", "username", resp.Username, "error", err)
				}
			case "F":
				if _, err := m.GetTransfer(ctx, resp.Username, resp.IP, resp.Port, resp.Token, resp.Privileged); err != nil {
					logger.Warn("failed to fulfill transfer solicitation", "username", resp.Username, "error", err)
				}
			default:
				logger.Warn("unknown ConnectToPeer type", "type", resp.Type, "username", resp.Username)
			}
		}()
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolver := newResolver(logger)

	sc, err := serverconn.Dial(ctx, config.SERVER_ADDR, config.SOULSEEK_USERNAME, netconn.DefaultOptions(), logger)
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}
	defer sc.Close("shutdown")

	manager := pcm.New(pcm.Options{
		OurUsername:        config.SOULSEEK_USERNAME,
		DefaultWaitTimeout: 30 * time.Second,
		ConnectionOptions:  netconn.DefaultOptions(),
	}, sc, resolver, logger)
	defer manager.Dispose()

	go dispatchServerResponses(ctx, sc, manager, logger)

	ln, err := net.Listen("tcp", config.LISTEN_ADDR)
	if err != nil {
		return fmt.Errorf("listen %s: %w", config.LISTEN_ADDR, err)
	}
	lst := listener.New(ln, manager, logger)
	go func() {
		if err := lst.Serve(ctx); err != nil {
			logger.Warn("listener stopped", "error", err)
		}
	}()

	httpServer := &http.Server{Addr: config.HTTP_DEBUG_ADDR, Handler: httpdebug.New(manager, logger)}
	go func() {
		logger.Info("http debug server listening", "addr", config.HTTP_DEBUG_ADDR)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("http debug server stopped", "error", err)
		}
	}()

	logger.Info("slskpeerd serving", "listen", config.LISTEN_ADDR, "server", config.SERVER_ADDR)
	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func runConnect(cmd *cobra.Command, args []string) error {
	username := args[0]
	host, portStr, err := net.SplitHostPort(args[1])
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", args[1], err)
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	logger := newLogger()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fakeServer := demoServer{}
	manager := pcm.New(pcm.Options{
		OurUsername:        config.SOULSEEK_USERNAME,
		DefaultWaitTimeout: 15 * time.Second,
		ConnectionOptions:  netconn.DefaultOptions(),
	}, fakeServer, newResolver(logger), logger)
	defer manager.Dispose()

	bar := progressbar.Default(-1, fmt.Sprintf("connecting to %s", username))
	mc, err := manager.GetOrAdd(ctx, username, host, uint32(port), 0)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", username, err)
	}
	bar.Finish()
	fmt.Printf("connected to %s (%s)\n", username, mc.Connection().Path())

	frameBar := progressbar.Default(-1, "frames received")
	for {
		select {
		case frame, ok := <-mc.Frames():
			if !ok {
				return nil
			}
			frameBar.Add(1)
			logger.Debug("received frame", "bytes", len(frame.Body))
		case <-ctx.Done():
			return nil
		}
	}
}

// demoServer is a no-op ServerConnection for the standalone "connect"
// command, which has no live server session to solicit an indirect
// attempt through — direct-only demo.
type demoServer struct{}

func (demoServer) SendConnectToPeerRequest(ctx context.Context, req codec.ConnectToPeerRequest) error {
	return fmt.Errorf("connect: no server session available for indirect solicitation")
}
func (demoServer) SendCantConnectToPeer(ctx context.Context, msg codec.CantConnectToPeer) error {
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "slskpeerd",
		Short: "Soulseek peer connection manager daemon",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the server (no login) and serve inbound peer connections",
		RunE:  runServe,
	}

	connectCmd := &cobra.Command{
		Use:   "connect <username> <host:port>",
		Short: "Establish a single outbound peer connection and print received frames",
		Args:  cobra.ExactArgs(2),
		RunE:  runConnect,
	}

	rootCmd.AddCommand(serveCmd, connectCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
