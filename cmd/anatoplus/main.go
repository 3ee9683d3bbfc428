package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pukassein/anatoplus/guard"
	"github.com/pukassein/anatoplus/identity"
	"github.com/pukassein/anatoplus/internal"
	"github.com/pukassein/anatoplus/pubsub"
	"github.com/pukassein/anatoplus/shell"
	"github.com/pukassein/anatoplus/state"
)

var GitCommit string

const version = "0.3.0"

const (
	// Required fields
	EnvDB = "ANATOPLUS_DB"

	// Optional fields
	EnvBindAddr     = "ANATOPLUS_BINDADDR"
	EnvAuthURL      = "ANATOPLUS_AUTH_URL"
	EnvAuthKey      = "ANATOPLUS_AUTH_KEY"
	EnvJWTSecret    = "ANATOPLUS_JWT_SECRET"
	EnvNATS         = "ANATOPLUS_NATS"
	EnvBridge       = "ANATOPLUS_BRIDGE"
	EnvSentryDsn    = "ANATOPLUS_SENTRY_DSN"
	EnvOTLP         = "ANATOPLUS_OTLP_URL"
	EnvOTLPUsername = "ANATOPLUS_OTLP_USERNAME"
	EnvOTLPPassword = "ANATOPLUS_OTLP_PASSWORD"
	EnvPrometheus   = "ANATOPLUS_PROM"
	EnvDeviceTTL    = "ANATOPLUS_DEVICE_TTL"
	EnvDebug        = internal.EnvDebug
	EnvLogLevel     = "ANATOPLUS_LOG_LEVEL"
)

var helpMsg = fmt.Sprintf(`
Environment var
%s   Required. The postgres connection string: https://pkg.go.dev/github.com/lib/pq#hdr-Connection_String_Parameters
%s   Default: 0.0.0.0:8008. The interface and port to listen on.
%s   Base URL of the auth service. Access tokens are verified by asking it, unless %s is set.
%s   The auth service's public API key, sent with verification requests.
%s   Default: unset. The HS256 secret access tokens are signed with. If set, tokens are verified locally.
%s   Default: unset. NATS URL. If set, profile changes are shared between instances over NATS.
%s   Default: 1. Set to 0 to stop this instance relaying database notifications.
%s   Default: unset. The Sentry DSN to report events to e.g https://anatoplus@example.com/123 - if unset does not send sentry events.
%s   Default: unset. The OTLP HTTP base URL to send spans to e.g https://localhost:4318 - if unset does not send OTLP traces.
%s   Default: unset. The OTLP username for Basic auth. If unset, does not send an Authorization header.
%s   Default: unset. The OTLP password for Basic auth. If unset, does not send an Authorization header.
%s   Default: unset. The bind addr for Prometheus metrics, which will be accessible at /metrics at this address.
%s   Default: 30m. How long an idle device stays logged in.
%s   Default: 0. Set to 1 to log at trace level and panic on failed assertions.
%s   Default: info. The level of verbosity for messages logged. Available values are trace, debug, info, warn, error and fatal.
`, EnvDB, EnvBindAddr, EnvAuthURL, EnvJWTSecret, EnvAuthKey, EnvJWTSecret, EnvNATS, EnvBridge, EnvSentryDsn, EnvOTLP,
	EnvOTLPUsername, EnvOTLPPassword, EnvPrometheus, EnvDeviceTTL, EnvDebug, EnvLogLevel)

func defaulting(in, dft string) string {
	if in == "" {
		return dft
	}
	return in
}

// logLevel maps ANATOPLUS_LOG_LEVEL to a zerolog level. Debug mode always logs everything.
func logLevel(level string, debug bool) zerolog.Level {
	if debug {
		return zerolog.TraceLevel
	}
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func main() {
	fmt.Printf("Anatoplus session server version: %s (%s)\n", version, GitCommit)
	args := map[string]string{
		EnvDB:           os.Getenv(EnvDB),
		EnvBindAddr:     defaulting(os.Getenv(EnvBindAddr), "0.0.0.0:8008"),
		EnvAuthURL:      os.Getenv(EnvAuthURL),
		EnvAuthKey:      os.Getenv(EnvAuthKey),
		EnvJWTSecret:    os.Getenv(EnvJWTSecret),
		EnvNATS:         os.Getenv(EnvNATS),
		EnvBridge:       defaulting(os.Getenv(EnvBridge), "1"),
		EnvSentryDsn:    os.Getenv(EnvSentryDsn),
		EnvOTLP:         os.Getenv(EnvOTLP),
		EnvOTLPUsername: os.Getenv(EnvOTLPUsername),
		EnvOTLPPassword: os.Getenv(EnvOTLPPassword),
		EnvPrometheus:   os.Getenv(EnvPrometheus),
		EnvDeviceTTL:    defaulting(os.Getenv(EnvDeviceTTL), "30m"),
		EnvLogLevel:     os.Getenv(EnvLogLevel),
	}
	requiredEnvVars := []string{EnvDB}
	for _, requiredEnvVar := range requiredEnvVars {
		if args[requiredEnvVar] == "" {
			fmt.Print(helpMsg)
			fmt.Printf("\n%s is not set", requiredEnvVar)
			fmt.Printf("\n%s must be set\n", strings.Join(requiredEnvVars, ", "))
			os.Exit(1)
		}
	}
	if args[EnvAuthURL] == "" && args[EnvJWTSecret] == "" {
		fmt.Print(helpMsg)
		fmt.Printf("\none of %s or %s must be set\n", EnvAuthURL, EnvJWTSecret)
		os.Exit(1)
	}
	deviceTTL, err := time.ParseDuration(args[EnvDeviceTTL])
	if err != nil {
		fmt.Printf("%s is not a duration: %s\n", EnvDeviceTTL, err)
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(logLevel(args[EnvLogLevel], os.Getenv(EnvDebug) == "1"))

	// Initialise sentry
	if args[EnvSentryDsn] != "" {
		fmt.Printf("Configuring Sentry reporter...\n")
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              args[EnvSentryDsn],
			Release:          version,
			AttachStacktrace: true,
		})
		if err != nil {
			panic(err)
		}
	}

	if args[EnvOTLP] != "" {
		fmt.Printf("Configuring OTLP HTTP exporter...\n")
		err := internal.ConfigureOTLP(args[EnvOTLP], args[EnvOTLPUsername], args[EnvOTLPPassword], version)
		if err != nil {
			panic(err)
		}
	}

	identity.Version = version
	var verifier identity.Verifier
	if args[EnvJWTSecret] != "" {
		verifier = identity.NewJWTVerifier(args[EnvJWTSecret])
	} else {
		verifier = &identity.HTTPClient{
			Client:  &http.Client{Timeout: 10 * time.Second},
			AuthURL: args[EnvAuthURL],
			APIKey:  args[EnvAuthKey],
		}
	}

	store := state.NewStorage(args[EnvDB])

	// The change feed. Without NATS, every device is on this instance and the bridge feeds an
	// in-process pubsub. With NATS, every instance which runs the bridge publishes every change
	// so subscribers may see a change more than once.
	var listener pubsub.Listener
	var notifier pubsub.Notifier
	if args[EnvNATS] != "" {
		n, err := pubsub.NewNATS(args[EnvNATS], "anatoplus-"+version)
		if err != nil {
			panic(err)
		}
		listener, notifier = n, n
	} else {
		ps := pubsub.NewPubSub(100)
		listener, notifier = ps, ps
	}
	if args[EnvPrometheus] != "" {
		notifier = pubsub.NewPromNotifier(notifier, "feed")
	}
	var bridge *pubsub.PGBridge
	if args[EnvBridge] != "0" {
		bridge = pubsub.NewPGBridge(args[EnvDB], notifier)
		if err := bridge.Start(); err != nil {
			panic(err)
		}
	}
	feed := pubsub.NewFeed(listener)

	var metrics *guard.Metrics
	if args[EnvPrometheus] != "" {
		metrics = guard.NewMetrics()
		metrics.Register()
		go func() {
			defer internal.ReportPanicsToSentry()
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			fmt.Printf("Starting prometheus listener on %s\n", args[EnvPrometheus])
			if err := http.ListenAndServe(args[EnvPrometheus], mux); err != nil {
				panic(err)
			}
		}()
	}

	conns := shell.NewConnMap(deviceTTL)
	h := shell.NewHandler(verifier, store, feed, conns, metrics)

	go func() {
		defer internal.ReportPanicsToSentry()
		shell.RunServer(h, args[EnvBindAddr])
	}()

	// Block forever
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	fmt.Printf("Shutdown signal received...")
	conns.Teardown()
	if bridge != nil {
		bridge.Close()
	}
	listener.Close()
	store.Teardown()
	sentry.Flush(time.Second * 5)
	fmt.Printf("exiting now")
}
