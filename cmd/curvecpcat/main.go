// Command curvecpcat is a CurveCP initiator client: it dials a
// responder, then relays stdin to the connection and the connection to
// stdout, the transport-level equivalent of netcat for this protocol.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/johnwchadwick/curvecp"
	"github.com/johnwchadwick/curvecp/internal/crypto"
	"github.com/johnwchadwick/curvecp/internal/logging"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	var (
		remotePublicHex string
		extensionHex    string
		domain          string
		verbose         bool
		timeout         time.Duration
	)

	cmd := &cobra.Command{
		Use:     "curvecpcat <host:port>",
		Short:   "Connect to a CurveCP responder and relay stdin/stdout",
		Version: Version,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remotePublic, err := decodeKey32(remotePublicHex)
			if err != nil {
				return fmt.Errorf("--remote-public: %w", err)
			}
			extension, err := decodeKey16(extensionHex)
			if err != nil {
				return fmt.Errorf("--extension: %w", err)
			}
			localPair, err := crypto.GeneratePair(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate ephemeral identity: %w", err)
			}

			level := "warn"
			if verbose {
				level = "debug"
			}
			logger := logging.NewLoggerWithWriter(level, "text", os.Stderr)

			ctx := context.Background()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			conn, err := curvecp.Dial(ctx, "udp", args[0], curvecp.DialConfig{
				LongTermPublic:   localPair.Public,
				LongTermPrivate:  localPair.Private,
				RemotePublic:     remotePublic,
				RemoteDomainName: domain,
				RemoteExtension:  extension,
				Logger:           logger,
			})
			if err != nil {
				return fmt.Errorf("dial %s: %w", args[0], err)
			}
			defer conn.Close()

			return relay(conn, logger)
		},
	}

	cmd.Flags().StringVar(&remotePublicHex, "remote-public", "", "responder's long-term public key (hex, 32 bytes)")
	cmd.Flags().StringVar(&extensionHex, "extension", "00000000000000000000000000000000", "routing extension to send (hex, 16 bytes)")
	cmd.Flags().StringVar(&domain, "domain", "", "remote domain name to present during the handshake")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log handshake and transport diagnostics")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall dial timeout (0 = no timeout)")
	cmd.MarkFlagRequired("remote-public")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// relay shuttles stdin to conn and conn to stdout concurrently, using
// the façade's io.ReaderFrom/io.WriterTo adapters, and reports the
// total bytes moved in each direction once both directions finish.
func relay(conn *curvecp.Conn, logger *slog.Logger) error {
	done := make(chan struct{}, 2)
	var sent, received int64
	var sendErr, recvErr error

	go func() {
		sent, sendErr = conn.ReadFrom(os.Stdin)
		conn.Close()
		done <- struct{}{}
	}()
	go func() {
		received, recvErr = conn.WriteTo(os.Stdout)
		done <- struct{}{}
	}()
	<-done
	<-done

	logger.Debug("relay finished", "sent_bytes", sent, "received_bytes", received)
	fmt.Fprintf(os.Stderr, "sent %s, received %s\n", humanize.Bytes(uint64(sent)), humanize.Bytes(uint64(received)))

	if sendErr != nil && sendErr != io.EOF {
		return fmt.Errorf("send: %w", sendErr)
	}
	if recvErr != nil && recvErr != io.EOF {
		return fmt.Errorf("receive: %w", recvErr)
	}
	return nil
}

func decodeKey32(s string) ([32]byte, error) {
	var key [32]byte
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("invalid hex: %w", err)
	}
	if len(decoded) != 32 {
		return key, fmt.Errorf("must be 32 bytes, got %d", len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

func decodeKey16(s string) ([16]byte, error) {
	var key [16]byte
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("invalid hex: %w", err)
	}
	if len(decoded) != 16 {
		return key, fmt.Errorf("must be 16 bytes, got %d", len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}
