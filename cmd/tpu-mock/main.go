// tpu-mock is a stand-in validator ingestion port: it accepts QUIC
// connections, reads every unidirectional stream to completion and counts
// what arrives. Useful for local smoke tests of the forwarding path.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/helius-labs/lite-txn-sender/identity"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:8009", "UDP address to listen on")
	maxStreams := flag.Int("max-streams", 512, "Maximum concurrent inbound uni streams per connection")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	id, err := identity.Generate()
	if err != nil {
		logger.Fatal().Err(err).Msg("generate server identity")
	}
	tlsConf, err := id.TLSConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("derive server credentials")
	}

	listener, err := quic.ListenAddr(*listen, tlsConf, &quic.Config{
		MaxIncomingUniStreams: int64(*maxStreams),
	})
	if err != nil {
		logger.Fatal().Err(err).Str("listen", *listen).Msg("listen failed")
	}
	logger.Info().Str("listen", *listen).Str("identity", id.PublicKey()).Msg("mock ingestion port up")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var transactions, bytes atomic.Uint64
	go report(ctx, logger, &transactions, &bytes)

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			logger.Info().
				Uint64("transactions", transactions.Load()).
				Uint64("bytes", bytes.Load()).
				Msg("shutting down")
			return
		}
		logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("connection accepted")
		go func() {
			for {
				stream, err := conn.AcceptUniStream(ctx)
				if err != nil {
					return
				}
				go func() {
					data, err := io.ReadAll(stream)
					if err != nil {
						logger.Warn().Err(err).Msg("stream read failed")
						return
					}
					transactions.Add(1)
					bytes.Add(uint64(len(data)))
					logger.Debug().Int("size", len(data)).Msg("transaction received")
				}()
			}
		}()
	}
}

func report(ctx context.Context, logger zerolog.Logger, transactions, bytes *atomic.Uint64) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info().
				Uint64("transactions", transactions.Load()).
				Uint64("bytes", bytes.Load()).
				Msg("ingest totals")
		}
	}
}
