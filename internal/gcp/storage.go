package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// StorageOptions addresses a GCS-compatible endpoint. Endpoint is set for
// emulators and private endpoints; credentials fall back to ADC.
type StorageOptions struct {
	Endpoint        string
	CredentialsFile string
}

// NewStorageClient creates the one storage client a worker process shares
// between all jobs.
func NewStorageClient(ctx context.Context, opts StorageOptions) (*storage.Client, error) {
	var clientOpts []option.ClientOption
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
		if opts.CredentialsFile == "" {
			clientOpts = append(clientOpts, option.WithoutAuthentication())
		}
	}
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return client, nil
}
