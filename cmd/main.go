package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
	"golang.org/x/sync/errgroup"

	"github.com/luca-patrignani/traffic-ledger/config"
	"github.com/luca-patrignani/traffic-ledger/detector"
	"github.com/luca-patrignani/traffic-ledger/discovery"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		pterm.Error.Printfln("invalid configuration: %v", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("Traffic ", pterm.FgGreen.ToStyle()),
		putils.LettersFromStringWithStyle("Ledger", pterm.FgDarkGray.ToStyle()),
	).Render()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("node stopped", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	l := pterm.DefaultLogger.WithLevel(pterm.LogLevelInfo)
	switch level {
	case "debug":
		l = l.WithLevel(pterm.LogLevelDebug)
	case "warn":
		l = l.WithLevel(pterm.LogLevelWarn)
	case "error":
		l = l.WithLevel(pterm.LogLevelError)
	}
	return slog.New(pterm.NewSlogHandler(l))
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	n, err := newNode(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer n.Close()

	spinner, _ := pterm.DefaultSpinner.Start("Recovering the signal ledger ...")
	height, err := n.recoverChain()
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success()
	printStartup(cfg, height, n.signer)

	addr, err := listenAddress(cfg.HTTPAddr, defaultHTTPPort)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handlers.RecoveryHandler()(handlers.LoggingHandler(os.Stdout, n.api.Router())),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var feeds []*detector.KafkaConsumer
	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := detector.NewKafkaConsumer(detector.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroup,
		}, n.metrics.Sink("kafka", n.registry), logger)
		if err != nil {
			return err
		}
		defer consumer.Close()
		feeds = append(feeds, consumer)
	}
	if cfg.MQTTBroker != "" {
		sub, err := detector.NewMQTTSubscriber(detector.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			ClientID: cfg.NodeID,
			QoS:      1,
		}, n.metrics.Sink("mqtt", n.registry), logger)
		if err != nil {
			return err
		}
		if err := sub.Start(); err != nil {
			return err
		}
		defer sub.Close()
	}

	var peers *discovery.Discover
	if cfg.Discovery() {
		self := discovery.Announcement{NodeID: cfg.NodeID, API: addr}
		if n.signer != nil {
			self.PublicKey = n.signer.PublicKey()
		}
		peers, err = discovery.New(self,
			discovery.WithPortRange(cfg.DiscoveryStart, cfg.DiscoveryEnd),
			discovery.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		defer peers.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	if peers != nil {
		g.Go(func() error {
			n.watchPeers(gctx, peers.Entries)
			return nil
		})
	}
	for _, c := range feeds {
		g.Go(func() error {
			return ignoreCanceled(c.Run(gctx))
		})
	}
	g.Go(func() error {
		return ignoreCanceled(n.scheduler.Run(gctx))
	})
	g.Go(func() error {
		logger.Info("http api listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	printSummary(n.chain.Statistics(), n.scheduler.Stats())
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
