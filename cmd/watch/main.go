// Command watch joins one document as a sync client. Every line read from
// stdin is a JSON array of elements treated as the new local scene; every
// change applied from other clients is printed to stdout as the full element
// list on one line.
//
// Against a service with OIDC login, pass the session cookie of a browser
// login with --session-cookie; without it only a dev-user service accepts the
// client.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"drawsync/internal/config"
	"drawsync/internal/element"
	"drawsync/internal/logging"
	"drawsync/internal/syncclient"
	"drawsync/internal/transport"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cfg := config.DefaultClient()
	v := config.NewViper()
	var configFile string

	cmd := &cobra.Command{
		Use:          "drawsync-watch",
		Short:        "sync a document between stdin/stdout and a drawsync server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(v, configFile, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, logger, os.Stdin, os.Stdout)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "load configuration from file")
	flags.String("server-url", cfg.ServerURL, "base url of the drawsync server")
	flags.StringP("document-id", "d", cfg.DocumentID, "document to join")
	flags.Duration("flush-interval", cfg.FlushInterval, "debounce between a local edit and its submit")
	flags.Duration("retry-interval", cfg.RetryInterval, "delay before resubmitting a failed batch")
	flags.Duration("reconnect-interval", cfg.ReconnectInterval, "pause between stream connection attempts")
	flags.Int("catch-up-page-size", cfg.CatchUpPageSize, "operations fetched per catch-up request")
	flags.Int("request-retries", cfg.RequestRetries, "retries of a failed HTTP request")
	flags.Duration("request-timeout", cfg.RequestTimeout, "timeout of one HTTP request")
	flags.String("session-cookie", cfg.SessionCookie, "Cookie header sent to the server, e.g. the session of a browser login")
	flags.String("log.level", cfg.Log.Level, "logging level")
	flags.Bool("log.json", cfg.Log.JSON, "log as JSON instead of plain text")
	if err := v.BindPFlags(flags); err != nil {
		fmt.Fprintln(os.Stderr, "an error has occurred while binding flags:", err)
	}
	return cmd
}

// connectedHandler forwards stream events to the client and signals the first
// identity, after which the gap between bootstrap and subscription is fetched.
type connectedHandler struct {
	*syncclient.Client
	once      sync.Once
	connected chan struct{}
}

func (h *connectedHandler) HandleIdentity(socketID string) {
	h.Client.HandleIdentity(socketID)
	h.once.Do(func() { close(h.connected) })
}

func run(ctx context.Context, cfg config.Client, logger *zap.Logger, in io.Reader, out io.Writer) error {
	tcfg := transport.DefaultConfig()
	tcfg.RequestRetries = cfg.RequestRetries
	tcfg.RequestTimeout = cfg.RequestTimeout
	tcfg.ReconnectInterval = cfg.ReconnectInterval

	httpOpts := []transport.HTTPOpt{transport.WithLogger(logger.Named("http"))}
	streamOpts := []transport.StreamOpt{transport.WithStreamLogger(logger.Named("stream"))}
	if cfg.SessionCookie != "" {
		jar, err := transport.SessionJar(cfg.ServerURL, cfg.SessionCookie)
		if err != nil {
			return err
		}
		httpOpts = append(httpOpts, transport.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout, Jar: jar}))
		dialer := *websocket.DefaultDialer
		dialer.Jar = jar
		streamOpts = append(streamOpts, transport.WithDialer(&dialer))
	}

	api, err := transport.NewHTTPClient(cfg.ServerURL, cfg.DocumentID, tcfg, httpOpts...)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	encoder := json.NewEncoder(out)
	render := syncclient.RenderFunc(func(elements []element.Element) {
		mu.Lock()
		defer mu.Unlock()
		if err := encoder.Encode(elements); err != nil {
			logger.Warn("write scene", zap.Error(err))
		}
	})

	client := syncclient.New(api, render,
		syncclient.WithLogger(logger.Named("sync")),
		syncclient.WithConfig(syncclient.Config{
			FlushInterval:   cfg.FlushInterval,
			RetryInterval:   cfg.RetryInterval,
			CatchUpPageSize: cfg.CatchUpPageSize,
		}),
	)
	defer client.Destroy()

	boot, err := api.Bootstrap(ctx)
	if err != nil {
		return err
	}
	if err := client.InitializeFromScene(boot.Elements, boot.ServerSeq); err != nil {
		return err
	}
	render(boot.Elements)
	logger.Info("document loaded",
		zap.String("document", cfg.DocumentID),
		zap.Int("elements", len(boot.Elements)),
		zap.Int64("server_seq", boot.ServerSeq),
	)

	handler := &connectedHandler{Client: client, connected: make(chan struct{})}
	stream, err := transport.NewStream(cfg.ServerURL, cfg.DocumentID, handler, tcfg, streamOpts...)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stream.Run(ctx)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-handler.connected:
		}
		if err := client.CatchUp(ctx); err != nil {
			logger.Warn("initial catch-up failed", zap.Error(err))
		}
		return nil
	})

	// stdin reads cannot be interrupted, so the reader is left out of the group.
	go readScenes(in, client, logger)

	return g.Wait()
}

func readScenes(in io.Reader, client *syncclient.Client, logger *zap.Logger) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		scene, err := element.ParseList(line)
		if err != nil {
			logger.Warn("skipping malformed scene", zap.Error(err))
			continue
		}
		if err := client.RecordLocalChange(scene); err != nil {
			logger.Warn("record local change", zap.Error(err))
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("read scenes", zap.Error(err))
	}
}
