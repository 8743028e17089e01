/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/couchbase/gocbcorex/contrib/buildversion"
	"github.com/couchbase/kvpipe/client"
	"github.com/couchbase/kvpipe/contrib/cbconfig"
	"github.com/couchbase/kvpipe/contrib/cbtopology"
	"github.com/couchbase/kvpipe/contrib/etcdtopology"
	"github.com/couchbase/kvpipe/pkg/webapi"
	"github.com/couchbase/kvpipe/timings"
	"github.com/couchbase/kvpipe/utils/secretsmanager"
	"github.com/couchbaselabs/gocbconnstr"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var buildVersion string = buildversion.GetVersion("github.com/couchbase/kvpipe")

var rootCmd = &cobra.Command{
	Version: buildVersion,

	Use:   "kvpipe",
	Short: "A pipelined key-value client for Couchbase data nodes",

	SilenceUsage: true,
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.PersistentFlags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "warn", "the log level to run at")
	configFlags.String("connstr", "couchbase://localhost/default", "the couchbase connection string, including the bucket")
	configFlags.String("cb-user", "Administrator", "the couchbase server username")
	configFlags.String("cb-pass", "password", "the couchbase server password")
	configFlags.String("cb-creds-secret", "", "secret holding the server credentials, as provider:location/secretId")
	configFlags.Duration("timeout", 2500*time.Millisecond, "the time to wait for operations to complete")
	configFlags.Bool("compress", false, "compress stored values with snappy (server must accept snappy without HELLO)")
	configFlags.Bool("watch-topology", false, "keep polling the bucket config for topology changes")
	configFlags.Duration("topology-poll-interval", cbtopology.DefaultPollInterval, "how often to poll for topology changes")
	configFlags.StringSlice("etcd-endpoints", nil, "etcd endpoints to read the published topology from")
	configFlags.String("etcd-topology-key", "/kvpipe/topology", "the etcd key prefix topologies are published under")
	configFlags.String("bind-address", "127.0.0.1", "the local address to bind the web api to")
	configFlags.Int("web-port", -1, "the web metrics/timings port, -1 disables it")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	configFlags.Bool("trace-everything", false, "enables tracing of every operation")
	rootCmd.PersistentFlags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("kvpipe")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)

	rootCmd.AddCommand(
		timingsCmd,
		getCmd,
		setCmd,
		deleteCmd,
		incrCmd,
		publishTopologyCmd,
	)
}

func initTelemetry(
	ctx context.Context,
	logger *zap.Logger,
	otlpEndpoint string,
	enableTraces bool,
	enableMetrics bool,
	traceEverything bool,
) (
	*sdktrace.TracerProvider,
	*sdkmetric.MeterProvider,
	error,
) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			// the service name used to display traces in backends
			semconv.ServiceNameKey.String("couchbase-kvpipe"),
		),
	)
	if err != nil {
		if res == nil {
			return nil, nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	var meterProvider *sdkmetric.MeterProvider
	if !enableMetrics || otlpEndpoint == "" {
		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
		)
	} else {
		metricExp, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(otlpEndpoint))
		if err != nil {
			return nil, nil, err
		}

		meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExp),
			sdkmetric.WithReader(
				sdkmetric.NewPeriodicReader(
					metricExp,
				),
			),
		)
	}

	var tracerProvider *sdktrace.TracerProvider
	if enableTraces && otlpEndpoint != "" {
		traceClient := otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(otlpEndpoint))
		traceExp, err := otlptrace.New(ctx, traceClient)
		if err != nil {
			return nil, nil, err
		}

		baseTracing := sdktrace.NeverSample()
		if traceEverything {
			baseTracing = sdktrace.AlwaysSample()
		}

		bsp := sdktrace.NewBatchSpanProcessor(traceExp)
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(baseTracing)),
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(bsp),
		)
	}

	return tracerProvider, meterProvider, nil
}

// getLogger logs to stderr so that command output on stdout stays clean.
func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stderr), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

type config struct {
	logLevelStr          string
	connStr              string
	cbUser               string
	cbPass               string
	cbCredsSecret        string
	timeout              time.Duration
	compress             bool
	watchTopology        bool
	topologyPollInterval time.Duration
	etcdEndpoints        []string
	etcdTopologyKey      string
	bindAddress          string
	webPort              int
	otlpEndpoint         string
	disableOtlpTraces    bool
	disableOtlpMetrics   bool
	traceEverything      bool
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:          viper.GetString("log-level"),
		connStr:              viper.GetString("connstr"),
		cbUser:               viper.GetString("cb-user"),
		cbPass:               viper.GetString("cb-pass"),
		cbCredsSecret:        viper.GetString("cb-creds-secret"),
		timeout:              viper.GetDuration("timeout"),
		compress:             viper.GetBool("compress"),
		watchTopology:        viper.GetBool("watch-topology"),
		topologyPollInterval: viper.GetDuration("topology-poll-interval"),
		etcdEndpoints:        viper.GetStringSlice("etcd-endpoints"),
		etcdTopologyKey:      viper.GetString("etcd-topology-key"),
		bindAddress:          viper.GetString("bind-address"),
		webPort:              viper.GetInt("web-port"),
		otlpEndpoint:         viper.GetString("otlp-endpoint"),
		disableOtlpTraces:    viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics:   viper.GetBool("disable-otlp-metrics"),
		traceEverything:      viper.GetBool("trace-everything"),
	}

	logger.Info("parsed kvpipe configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("connStr", config.connStr),
		zap.String("cbUser", config.cbUser),
		zap.String("cbCredsSecret", config.cbCredsSecret),
		zap.Duration("timeout", config.timeout),
		zap.Bool("compress", config.compress),
		zap.Bool("watchTopology", config.watchTopology),
		zap.Duration("topologyPollInterval", config.topologyPollInterval),
		zap.Strings("etcdEndpoints", config.etcdEndpoints),
		zap.String("etcdTopologyKey", config.etcdTopologyKey),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("webPort", config.webPort),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics),
		zap.Bool("traceEverything", config.traceEverything))

	return config
}

// mgmtEndpoint resolves a connection string into the management endpoint
// that serves bucket configs, and the bucket name.
func mgmtEndpoint(connStr string) (string, string, error) {
	connSpec, err := gocbconnstr.Parse(connStr)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse connection string: %w", err)
	}

	resolved, err := gocbconnstr.Resolve(connSpec)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve connection string: %w", err)
	}

	if len(resolved.HttpHosts) == 0 {
		return "", "", fmt.Errorf("connection string %q has no management hosts", connStr)
	}

	bucket := resolved.Bucket
	if bucket == "" {
		bucket = "default"
	}

	scheme := "http"
	if resolved.UseSsl {
		scheme = "https"
	}

	host := resolved.HttpHosts[0]
	return fmt.Sprintf("%s://%s:%d", scheme, host.Host, host.Port), bucket, nil
}

// environment holds the state shared by every command.
type environment struct {
	logger   *zap.Logger
	logLevel zap.AtomicLevel
	config   *config
}

// etcdBucketKey is the key a bucket's topology is published under.
func (c *config) etcdBucketKey(bucketName string) string {
	return strings.TrimSuffix(c.etcdTopologyKey, "/") + "/" + bucketName
}

type pipeline struct {
	*environment
	inst       *client.Instance
	timings    *timings.Histogram
	etcdClient *clientv3.Client
	cancelFn   context.CancelFunc
}

func (p *pipeline) Close() {
	p.cancelFn()
	err := p.inst.Close()
	if err != nil {
		p.logger.Warn("failed to close instance", zap.Error(err))
	}

	if p.etcdClient != nil {
		err := p.etcdClient.Close()
		if err != nil {
			p.logger.Warn("failed to close etcd client", zap.Error(err))
		}
	}
}

// setupEnvironment loads configuration, starts telemetry and resolves the
// server credentials.
func setupEnvironment(ctx context.Context) (*environment, error) {
	logLevel, logger := getLogger()

	logger.Info("starting kvpipe", zap.String("version", buildVersion))

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load specified config file: %w", err)
		}
	}

	config := readConfig(logger)

	parsedLogLevel, err := zapcore.ParseLevel(config.logLevelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using WARN instead")
		parsedLogLevel = zapcore.WarnLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	if cfgFile != "" && watchCfgFile {
		var configLock sync.Mutex
		viper.OnConfigChange(func(in fsnotify.Event) {
			configLock.Lock()
			defer configLock.Unlock()

			logger.Info("configuration file change detected", zap.String("file", in.Name))

			newConfig := readConfig(logger)
			if newConfig.logLevelStr != config.logLevelStr {
				newParsedLogLevel, err := zapcore.ParseLevel(newConfig.logLevelStr)
				if err != nil {
					logger.Warn("invalid log level specified, using WARN instead")
					newParsedLogLevel = zapcore.WarnLevel
				}

				logLevel.SetLevel(newParsedLogLevel)
				logger.Info("updated log level",
					zap.String("newLevel", newParsedLogLevel.String()))
			}

			if newConfig.connStr != config.connStr ||
				newConfig.cbUser != config.cbUser ||
				newConfig.cbPass != config.cbPass {
				logger.Warn("config changes for connStr, cbUser, or cbPass require a restart")
			}

			config.logLevelStr = newConfig.logLevelStr
		})

		go viper.WatchConfig()
	}

	tracerProvider, meterProvider, err :=
		initTelemetry(ctx,
			logger,
			config.otlpEndpoint,
			!config.disableOtlpTraces,
			!config.disableOtlpMetrics,
			config.traceEverything)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize opentelemetry: %w", err)
	}

	if tracerProvider != nil {
		otel.SetTracerProvider(tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	if meterProvider != nil {
		otel.SetMeterProvider(meterProvider)
	}

	if config.cbCredsSecret != "" {
		if config.cbUser != "Administrator" || config.cbPass != "password" {
			return nil, fmt.Errorf("cannot use cb-pass or cb-user when fetching creds from a cloud provider")
		}

		secretRef, err := secretsmanager.ParseSecretRef(config.cbCredsSecret)
		if err != nil {
			return nil, err
		}

		logger.Info("fetching server credentials from secret store",
			zap.String("provider", string(secretRef.Provider)))
		creds, err := secretsmanager.FetchCredentials(ctx, secretRef)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch couchbase server credentials: %w", err)
		}

		config.cbUser = creds.Username
		config.cbPass = creds.Password
	}

	return &environment{
		logger:   logger,
		logLevel: logLevel,
		config:   config,
	}, nil
}

func (e *environment) pollingProvider() (*cbtopology.PollingProvider, string, error) {
	mgmtHost, bucketName, err := mgmtEndpoint(e.config.connStr)
	if err != nil {
		return nil, "", err
	}

	provider, err := cbtopology.NewPollingProvider(cbtopology.PollingProviderOptions{
		Fetcher: cbconfig.NewFetcher(cbconfig.FetcherOptions{
			Host:     mgmtHost,
			Username: e.config.cbUser,
			Password: e.config.cbPass,
			Logger:   e.logger.Named("cbconfig"),
		}),
		BucketName:   bucketName,
		Logger:       e.logger.Named("cbtopology"),
		PollInterval: e.config.topologyPollInterval,
	})
	if err != nil {
		return nil, "", err
	}

	return provider, bucketName, nil
}

func (e *environment) etcdProvider(bucketName string) (*etcdtopology.EtcdProvider, *clientv3.Client, error) {
	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   e.config.etcdEndpoints,
		DialTimeout: 5 * time.Second,
		DialOptions: etcdtopology.DialOptions(e.logger.Named("etcd.grpc")),
		Logger:      e.logger.Named("etcd"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	provider, err := etcdtopology.NewEtcdProvider(etcdtopology.EtcdProviderOptions{
		EtcdClient: etcdClient,
		Key:        e.config.etcdBucketKey(bucketName),
		Logger:     e.logger.Named("etcdtopology"),
	})
	if err != nil {
		_ = etcdClient.Close()
		return nil, nil, err
	}

	return provider, etcdClient, nil
}

// startPipeline performs the shared setup of the document commands and
// returns a connected instance.
func startPipeline(ctx context.Context) (*pipeline, error) {
	env, err := setupEnvironment(ctx)
	if err != nil {
		return nil, err
	}
	logger := env.logger
	config := env.config

	pollingProvider, bucketName, err := env.pollingProvider()
	if err != nil {
		return nil, err
	}

	var provider client.TopologyProvider = pollingProvider
	var etcdClient *clientv3.Client
	if len(config.etcdEndpoints) > 0 {
		var etcdProvider *etcdtopology.EtcdProvider
		etcdProvider, etcdClient, err = env.etcdProvider(bucketName)
		if err != nil {
			return nil, err
		}
		provider = etcdProvider
	}

	hist := timings.NewDefault()
	hist.Disable()

	inst, err := client.NewInstance(&client.InstanceOptions{
		Logger:           logger.Named("client"),
		TopologyProvider: provider,
		Timings:          hist,
		DefaultTimeout:   config.timeout,
		CompressValues:   config.compress,
		ErrorCallback: func(err error) {
			logger.Debug("instance reported an error", zap.Error(err))
		},
	})
	if err != nil {
		if etcdClient != nil {
			_ = etcdClient.Close()
		}
		return nil, err
	}

	watchCtx, cancelFn := context.WithCancel(ctx)
	p := &pipeline{
		environment: env,
		inst:        inst,
		timings:     hist,
		etcdClient:  etcdClient,
		cancelFn:    cancelFn,
	}

	err = inst.Connect(ctx)
	if err != nil {
		p.Close()
		return nil, err
	}

	if config.watchTopology {
		go func() {
			err := inst.WatchTopology(watchCtx)
			if err != nil && watchCtx.Err() == nil {
				logger.Warn("topology watch ended", zap.Error(err))
			}
		}()
	}

	if config.webPort != -1 {
		webapi.InitializeWebServer(webapi.WebServerOptions{
			Logger:        logger.Named("webapi"),
			LogLevel:      &env.logLevel,
			ListenAddress: fmt.Sprintf("%s:%d", config.bindAddress, config.webPort),
			Timings:       hist,
		})
	}

	return p, nil
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
