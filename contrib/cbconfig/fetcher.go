/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package cbconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"

	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/httptrace/otelhttptrace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

var ErrUnexpectedStatus = errors.New("unexpected http status")

type FetcherOptions struct {
	HttpClient *http.Client
	Host       string
	Username   string
	Password   string
	Logger     *zap.Logger
}

// Fetcher reads cluster configuration from the management REST interface.
type Fetcher struct {
	httpClient *http.Client
	host       string
	username   string
	password   string
	logger     *zap.Logger
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	httpClient := opts.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Fetcher{
		httpClient: httpClient,
		host:       opts.Host,
		username:   opts.Username,
		password:   opts.Password,
		logger:     logger,
	}
}

func (f *Fetcher) Host() string {
	return f.host
}

// used to derive the hostname to use for $HOST replacement
func (f *Fetcher) deriveHostname() string {
	u, err := url.Parse(f.host)
	if err != nil {
		return f.host
	}

	return u.Hostname()
}

func (f *Fetcher) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	ctx = httptrace.WithClientTrace(ctx, otelhttptrace.NewClientTrace(ctx))

	req, err := http.NewRequestWithContext(ctx, method, f.host+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	if f.username != "" || f.password != "" {
		req.SetBasicAuth(f.username, f.password)
	}

	return req, nil
}

func (f *Fetcher) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := f.newRequest(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s", path)
	}

	body, err := io.ReadAll(resp.Body)

	closeErr := resp.Body.Close()
	if closeErr != nil {
		f.logger.Error("unexpected close error", zap.Error(closeErr))
	}

	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d fetching %s", ErrUnexpectedStatus, resp.StatusCode, path)
	}

	return body, nil
}

func (f *Fetcher) doGetJsonConfig(ctx context.Context, path string, data any) error {
	configBytes, err := f.doGet(ctx, path)
	if err != nil {
		return err
	}

	hostname := f.deriveHostname()
	configBytes = bytes.ReplaceAll(configBytes, []byte("$HOST"), []byte(hostname))

	err = json.Unmarshal(configBytes, data)
	if err != nil {
		return errors.Wrapf(err, "failed to parse %s", path)
	}

	return nil
}

func (f *Fetcher) FetchTerseBucket(ctx context.Context, bucketName string) (*TerseConfigJson, error) {
	var config TerseConfigJson
	err := f.doGetJsonConfig(ctx, "/pools/default/b/"+url.PathEscape(bucketName), &config)
	if err != nil {
		return nil, err
	}

	return &config, nil
}
