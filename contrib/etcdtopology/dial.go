/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package etcdtopology

import (
	"context"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// DialOptions instruments the etcd client's grpc connection with otel
// tracing/metrics and logs finished calls through logger.
func DialOptions(logger *zap.Logger) []grpc.DialOption {
	interceptorLogger := zapInterceptorLogger(logger)
	logOpts := []logging.Option{
		logging.WithLogOnEvents(logging.FinishCall),
	}

	return []grpc.DialOption{
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithChainUnaryInterceptor(logging.UnaryClientInterceptor(interceptorLogger, logOpts...)),
		grpc.WithChainStreamInterceptor(logging.StreamClientInterceptor(interceptorLogger, logOpts...)),
	}
}

func zapInterceptorLogger(logger *zap.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		zapFields := make([]zap.Field, 0, len(fields)/2)

		iter := logging.Fields(fields).Iterator()
		for iter.Next() {
			key, value := iter.At()
			switch v := value.(type) {
			case string:
				zapFields = append(zapFields, zap.String(key, v))
			case int:
				zapFields = append(zapFields, zap.Int(key, v))
			case bool:
				zapFields = append(zapFields, zap.Bool(key, v))
			default:
				zapFields = append(zapFields, zap.Any(key, v))
			}
		}

		l := logger.WithOptions(zap.AddCallerSkip(1)).With(zapFields...)
		switch lvl {
		case logging.LevelDebug:
			l.Debug(msg)
		case logging.LevelInfo:
			// successful etcd calls are routine for us
			l.Debug(msg)
		case logging.LevelWarn:
			l.Warn(msg)
		case logging.LevelError:
			l.Error(msg)
		default:
			l.Warn(fmt.Sprintf("unknown grpc log level %v: %s", lvl, msg))
		}
	})
}
