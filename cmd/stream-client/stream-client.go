package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/y3sh/capital-sdk-go/bars"
	"github.com/y3sh/capital-sdk-go/client/rest"
	"github.com/y3sh/capital-sdk-go/client/websocket"
	"github.com/y3sh/capital-sdk-go/config"
	"github.com/y3sh/capital-sdk-go/logger"
	"github.com/y3sh/capital-sdk-go/publish"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	subs subscriptionsFlag

	configFilename = pflag.String("config", "", "YAML config file. Credentials are never read from it, see --creds and --env-file.")
	envFiles       = pflag.StringSlice("env-file", []string{".env"}, "Dotenv files to load CAPITAL_* variables from. Missing files are skipped.")
	credsFilename  = pflag.String("creds", "", "YAML or JSON file with credentials: an object with \"api_key\", \"identifier\" and \"password\". Overrides the environment.")

	environment = pflag.String("env", "", "Environment: demo or live. Overrides the config and CAPITAL_ENVIRONMENT.")
	streamURL   = pflag.String("url", "", "Websocket stream URL. By default, the Capital.com streaming endpoint is used.")

	verbose = pflag.BoolP("verbose", "v", false, "Log debug messages to stderr.")
	format  = pflag.String("format", "text", "Data output format: text or json.")

	history = pflag.Int("history", 0, "If positive, keeps that many OHLC bars per ohlc subscription, filled from the REST API on start and after reconnections.")

	natsURL     = pflag.String("nats-url", "", "If set, all stream data is also published to this NATS server.")
	metricsAddr = pflag.String("metrics-addr", "", "If set, prometheus metrics are served on this address, like :9090.")
)

func init() {
	pflag.Var(&subs, "sub", "Subscription, like market:EURUSD or ohlc:EURUSD:MINUTE_5[:heikin-ashi]. This flag can be given multiple times.")
}

func main() {
	pflag.Parse()

	if *format != "text" && *format != "json" {
		fmt.Fprintf(os.Stderr, "Invalid data format '%v'\n", *format)
		os.Exit(2)
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %s", err))
		os.Exit(1)
	}
}

// loadConfig merges, in order of precedence: flags, the creds file, the
// environment (and dotenv files), the config file and defaults.
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(*envFiles...); err != nil {
		return nil, errors.Trace(err)
	}

	cfg, err := config.Load(*configFilename)
	if err != nil {
		return nil, errors.Trace(err)
	}

	cfg.ApplyEnv()

	if *credsFilename != "" {
		cr, err := parseCreds(*credsFilename)
		if err != nil {
			return nil, errors.Trace(err)
		}
		cr.apply(cfg)
	}

	if *environment != "" {
		cfg.Environment = *environment
	}
	if *streamURL != "" {
		cfg.StreamURL = *streamURL
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}

	for _, sub := range subs {
		cfg.Subscriptions = append(cfg.Subscriptions, sub.String())
	}

	if err := cfg.Validate(true); err != nil {
		return nil, errors.Trace(err)
	}

	if len(cfg.Subscriptions) == 0 {
		return nil, errors.NotValidf("no subscriptions: use --sub or the config file")
	}

	return cfg, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Trace(err)
	}

	l, err := logger.NewConsoleLogger(cfg.LogLevel)
	if err != nil {
		return errors.Trace(err)
	}
	defer l.Sync()

	streamSubs, err := cfg.StreamSubscriptions()
	if err != nil {
		return errors.Trace(err)
	}

	// Interrupt cancels everything, including the login below
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	metrics, err := websocket.NewMetrics(cfg.Metrics.Namespace, reg)
	if err != nil {
		return errors.Trace(err)
	}

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, reg, l)
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			srv.Shutdown(sctx)
		}()
	}

	session, err := rest.NewSessionClient(&rest.SessionClientParams{
		APIURL:     cfg.RESTURL(),
		APIKey:     cfg.Credentials.APIKey,
		Identifier: cfg.Credentials.Identifier,
		Password:   cfg.Credentials.Password,
		Logger:     l.Named("rest"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	if *verbose {
		fmt.Fprintf(os.Stderr, "Logging in to %s ...\n", cfg.RESTURL())
	}

	if err := session.Login(ctx); err != nil {
		return errors.Annotatef(err, "logging in")
	}

	defer func() {
		lctx, lcancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer lcancel()

		if err := session.Logout(lctx); err != nil {
			l.Warn("Failed to log out", zap.Error(err))
		}
	}()

	p := newPrinter(*format, os.Stdout)

	var nats *publish.NATSPublisher
	if cfg.NATS.URL != "" {
		nats, err = publish.ConnectNATS(&publish.NATSParams{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Name:          cfg.NATS.Name,
			Timeout:       cfg.NATS.Timeout,
			ReconnectWait: cfg.NATS.ReconnectWait,
			MaxReconnects: cfg.NATS.MaxReconnects,
			Logger:        l.Named("nats"),
		})
		if err != nil {
			return errors.Trace(err)
		}

		defer func() {
			published, failed := nats.Stats()
			l.Info("Closing NATS connection", zap.Uint64("published", published), zap.Uint64("failed", failed))

			if err := nats.Close(); err != nil {
				l.Warn("Failed to close NATS connection", zap.Error(err))
			}
		}()
	}

	c, err := websocket.NewStreamClient(&websocket.StreamClientParams{
		Tokens:            session,
		URL:               cfg.StreamURL,
		ReconnectOpts:     cfg.ReconnectOpts(),
		KeepAliveInterval: cfg.KeepAliveInterval,
		Logger:            l.Named("stream"),
		Metrics:           metrics,
	})
	if err != nil {
		return errors.Trace(err)
	}

	var updaters []*bars.SeriesUpdater
	defer func() {
		for _, u := range updaters {
			u.Close()
		}
	}()

	// The client only gives up on auth failures or after too many attempts;
	// there's nothing else to do then.
	gaveUp := make(chan error, 1)

	connected := false

	c.OnStateChange(
		websocket.ConnStateAny,
		func(oldState, state websocket.ConnState) {
			if *verbose {
				fmt.Fprintf(os.Stderr, "State updated: %s -> %s\n", oldState, state)
			}

			if state == websocket.ConnStateConnected {
				// Bars might have been missed while reconnecting
				if connected {
					for _, u := range updaters {
						u.Resync()
					}
				}
				connected = true
			}

			if state != websocket.ConnStateDisconnected {
				return
			}

			if err := c.Err(); err != nil {
				select {
				case gaveUp <- err:
				default:
				}
			}
		},
	)

	if *verbose {
		fmt.Fprintf(os.Stderr, "Connecting to %s ...\n", c.URL())
	}

	// All updaters must exist before the first subscription connects, since
	// the state listener reads them.
	cbs := make([]websocket.DataCB, len(streamSubs))
	for i, sub := range streamSubs {
		cb := p.callback(sub)
		if nats != nil {
			cb = nats.Callback(sub, cb)
		}

		if sub.Kind == websocket.DataKindOHLC && *history > 0 {
			u, err := newSeriesUpdater(session, sub, *history, l)
			if err != nil {
				return errors.Trace(err)
			}
			updaters = append(updaters, u)

			cb = chainCallbacks(cb, u.Callback())
		}

		cbs[i] = cb
	}

	for i, sub := range streamSubs {
		if err := c.Subscribe(sub, cbs[i]); err != nil {
			c.StopAll()
			return errors.Trace(err)
		}
	}

	// Wait until the OS signal is received, or the client gives up, at which
	// point we'll close the connection and quit
	select {
	case <-ctx.Done():
		err = nil
	case err = <-gaveUp:
	}

	fmt.Fprintf(os.Stderr, "Closing connection...\n")
	c.StopAll()

	return errors.Trace(err)
}

func serveMetrics(addr string, reg *prometheus.Registry, l *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error("Metrics server failed", zap.Error(err))
		}
	}()

	l.Info("Serving metrics", zap.String("addr", addr))

	return srv
}

// newSeriesUpdater creates an updater keeping max bars of the OHLC stream,
// filled from the REST API; it only logs what happens.
func newSeriesUpdater(session *rest.SessionClient, sub websocket.StreamSubscription, max int, l *zap.Logger) (*bars.SeriesUpdater, error) {
	hg, err := bars.NewHistoryGetterREST(session, sub, "bid", max)
	if err != nil {
		return nil, errors.Trace(err)
	}

	l = l.Named("bars").With(zap.Stringer("stream", sub))

	u, err := bars.NewSeriesUpdater(&bars.SeriesUpdaterParams{
		Resolution:    sub.Resolution,
		MaxBars:       max,
		HistoryGetter: hg,
		Logger:        l,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	u.OnUpdate(func(update bars.Update) {
		switch {
		case update.StateUpdate != nil:
			l.Info("Bars state changed", zap.Stringer("state", update.StateUpdate))

		case update.GetHistoryError != nil:
			l.Warn("Failed to get bars history", zap.Error(update.GetHistoryError))

		case update.SeriesUpdate != nil:
			l.Debug("Bars updated", zap.Int("bars", len(update.SeriesUpdate.Bars)))
		}
	})

	return u, nil
}

func chainCallbacks(cbs ...websocket.DataCB) websocket.DataCB {
	return func(frame *websocket.DataFrame) {
		for _, cb := range cbs {
			cb(frame)
		}
	}
}
