// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials"
)

// BatcherOptions builds one sdktrace.TracerProviderOption per configured
// exporter, each wrapped in a batch span processor sized by cfg.BatchSize
// and cfg.BatchInterval.
func BatcherOptions(ctx context.Context, cfg Config) ([]sdktrace.TracerProviderOption, error) {
	var opts []sdktrace.TracerProviderOption
	for _, ec := range cfg.Exporters {
		exp, err := newExporter(ctx, ec)
		if err != nil {
			return nil, fmt.Errorf("observability/tracing: build %s exporter: %w", ec.Type, err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp,
			sdktrace.WithMaxExportBatchSize(cfg.BatchSize),
			sdktrace.WithBatchTimeout(cfg.BatchInterval),
		))
	}
	return opts, nil
}

func newExporter(ctx context.Context, ec ExporterConfig) (sdktrace.SpanExporter, error) {
	switch ec.Type {
	case "console":
		return stdouttrace.New(stdouttrace.WithWriter(os.Stdout), stdouttrace.WithPrettyPrint())
	case "otlp-grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(ec.Endpoint)}
		if !ec.TLS.Enabled {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			tlsCfg, err := exporterTLSConfig(ec.TLS)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(tlsCfg)))
		}
		if len(ec.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(ec.Headers))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "otlp-http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ec.Endpoint)}
		if !ec.TLS.Enabled {
			opts = append(opts, otlptracehttp.WithInsecure())
		} else {
			tlsCfg, err := exporterTLSConfig(ec.TLS)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsCfg))
		}
		if len(ec.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(ec.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type %q", ec.Type)
	}
}

func exporterTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: !cfg.VerifyCertificate}
	if cfg.CACertPath == "" {
		return tlsCfg, nil
	}
	caPEM, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in %s", cfg.CACertPath)
	}
	tlsCfg.RootCAs = pool
	return tlsCfg, nil
}
