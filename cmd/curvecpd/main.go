// Command curvecpd is a CurveCP responder daemon: it terminates the
// handshake and reliable stream for every connecting peer and forwards
// the resulting byte stream to a plain TCP target selected by the
// peer's extension, per its routing table.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/johnwchadwick/curvecp"
	"github.com/johnwchadwick/curvecp/cmd/curvecpd/config"
	"github.com/johnwchadwick/curvecp/internal/crypto"
	"github.com/johnwchadwick/curvecp/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "curvecpd",
		Short:   "CurveCP responder daemon",
		Long:    "curvecpd terminates CurveCP connections and forwards each one to a plain TCP target chosen by the peer's routing extension.",
		Version: Version,
	}
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(keygenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the responder daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runDaemon(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "curvecpd.yaml", "path to config file")
	return cmd
}

func runDaemon(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	routes := cfg.RouteTable()

	reg := prometheus.NewRegistry()
	ln, err := curvecp.Listen("udp", cfg.Listen.Address, curvecp.ListenConfig{
		LongTermPublic:   cfg.LongTermPublicKey(),
		LongTermPrivate:  cfg.LongTermPrivateKey(),
		MaxPendingAccept: cfg.Listen.MaxPendingAccept,
		MaxSessions:      cfg.Listen.MaxSessions,
		Logger:           logger,
		Registerer:       reg,
	})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	logger.Info("responder listening", "address", ln.Addr().String(), "routes", len(routes))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	acceptCtx, stopAccept := context.WithCancel(context.Background())
	go func() {
		<-sigCh
		logger.Info("shutting down")
		stopAccept()
		ln.Close()
	}()

	for {
		conn, err := ln.AcceptContext(acceptCtx)
		if err != nil {
			if acceptCtx.Err() != nil {
				return nil
			}
			logger.Warn("accept failed", "error", err)
			continue
		}
		go handleConn(logger, routes, conn)
	}
}

func handleConn(logger *slog.Logger, routes map[[16]byte]string, conn *curvecp.Conn) {
	defer conn.Close()

	ext := conn.ClientExtension()
	target, ok := routes[ext]
	if !ok {
		logger.Warn("no route for extension", "extension", hex.EncodeToString(ext[:]))
		return
	}

	upstream, err := net.Dial("tcp", target)
	if err != nil {
		logger.Warn("upstream dial failed", "target", target, "error", err)
		return
	}
	defer upstream.Close()

	logger.Info("forwarding connection", "remote", conn.RemoteAddr().String(), "target", target)

	errCh := make(chan error, 2)
	go func() {
		_, err := conn.WriteTo(upstream)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(conn, upstream)
		errCh <- err
	}()
	<-errCh
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a long-term key pair and print it as hex",
		RunE: func(cmd *cobra.Command, args []string) error {
			pair, err := crypto.GeneratePair(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate key pair: %w", err)
			}
			fmt.Printf("long_term_public: %s\n", hex.EncodeToString(pair.Public[:]))
			fmt.Printf("long_term_private: %s\n", hex.EncodeToString(pair.Private[:]))
			return nil
		},
	}
}
