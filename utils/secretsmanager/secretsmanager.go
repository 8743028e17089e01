/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package secretsmanager resolves cluster credentials stored in a cloud
// provider's secret store.  Secrets are formatted `username:password`.
package secretsmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gcpsecretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var ErrInvalidSecretRef = errors.New("invalid secret reference")

type Credentials struct {
	Username string
	Password string
}

type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderAzure Provider = "azure"
	ProviderGCP   Provider = "gcp"
)

// SecretRef names a secret: the provider, where it lives (aws region, azure
// key vault name or gcp project id) and its id.
type SecretRef struct {
	Provider Provider
	Location string
	SecretID string
}

// ParseSecretRef parses references of the form `provider:location/secretId`,
// for example `aws:us-east-1/kvpipe-creds`.
func ParseSecretRef(ref string) (*SecretRef, error) {
	provider, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q has no provider", ErrInvalidSecretRef, ref)
	}

	location, secretID, ok := strings.Cut(rest, "/")
	if !ok || location == "" || secretID == "" {
		return nil, fmt.Errorf("%w: %q must be provider:location/secretId", ErrInvalidSecretRef, ref)
	}

	switch Provider(provider) {
	case ProviderAWS, ProviderAzure, ProviderGCP:
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidSecretRef, provider)
	}

	return &SecretRef{
		Provider: Provider(provider),
		Location: location,
		SecretID: secretID,
	}, nil
}

func FetchCredentials(ctx context.Context, ref *SecretRef) (*Credentials, error) {
	switch ref.Provider {
	case ProviderAWS:
		return FetchAWSSecret(ctx, ref.SecretID, ref.Location)
	case ProviderAzure:
		return FetchAzureSecret(ctx, ref.SecretID, ref.Location)
	case ProviderGCP:
		return FetchGcpSecret(ctx, ref.SecretID, ref.Location)
	}
	return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidSecretRef, ref.Provider)
}

func FetchAWSSecret(ctx context.Context, secretId string, region string) (*Credentials, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default aws config: %w", err)
	}

	secrets := secretsmanager.NewFromConfig(cfg)
	res, err := secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &secretId})
	if err != nil {
		return nil, fmt.Errorf("failed to get aws secret: %w", err)
	}
	if res.SecretString == nil {
		return nil, fmt.Errorf("aws secret %s not a string", secretId)
	}

	return credsFromSecret(*res.SecretString)
}

func FetchAzureSecret(ctx context.Context, secretId string, keyVaultName string) (*Credentials, error) {
	vaultURI := fmt.Sprintf("https://%s.vault.azure.net/", keyVaultName)

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(vaultURI, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w", err)
	}

	// an empty version fetches the latest
	resp, err := client.GetSecret(ctx, secretId, "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get azure secret: %w", err)
	}
	if resp.Value == nil {
		return nil, fmt.Errorf("azure secret %s has no value", secretId)
	}

	return credsFromSecret(*resp.Value)
}

func FetchGcpSecret(ctx context.Context, secretId string, projectId string) (*Credentials, error) {
	client, err := gcpsecretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcp secretmanager client: %w", err)
	}
	defer client.Close()

	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectId, secretId),
	}

	result, err := client.AccessSecretVersion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get gcp secret: %w", err)
	}

	return credsFromSecret(string(result.Payload.Data))
}

func credsFromSecret(secret string) (*Credentials, error) {
	username, password, ok := strings.Cut(secret, ":")
	if !ok || username == "" {
		return nil, fmt.Errorf("couchbase server credentials secret must be formatted `username:password`")
	}

	return &Credentials{
		Username: username,
		Password: password,
	}, nil
}
