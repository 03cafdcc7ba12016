package infra

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// NewMongoClient connects to MongoDB under appName and verifies connectivity.
func NewMongoClient(ctx context.Context, url, appName string) (*mongo.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("mongo url is required")
	}

	opts := options.Client().ApplyURI(url).SetConnectTimeout(connectTimeout)
	if appName != "" {
		opts.SetAppName(appName)
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return client, nil
}
