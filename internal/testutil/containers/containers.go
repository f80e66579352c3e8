// Package containers starts disposable backing services for integration
// tests. Every helper skips the calling test under `go test -short`.
package containers

import (
	"context"
	"fmt"
	"testing"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func skipShort(tb testing.TB) {
	tb.Helper()
	if testing.Short() {
		tb.Skip("skipping container-backed test in -short mode")
	}
}

func terminateOnCleanup(tb testing.TB, name string, c testcontainers.Container) {
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Terminate(ctx); err != nil {
			tb.Errorf("terminate %s container: %v", name, err)
		}
	})
}

func endpoint(tb testing.TB, c testcontainers.Container, port string) (string, string) {
	tb.Helper()
	ctx := context.Background()
	host, err := c.Host(ctx)
	if err != nil {
		tb.Fatalf("get container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		tb.Fatalf("get mapped port %s: %v", port, err)
	}
	return host, mapped.Port()
}

// StartPostgres starts a Postgres container and returns a DSN that accepts connections.
func StartPostgres(tb testing.TB) string {
	tb.Helper()
	skipShort(tb)

	ctx := context.Background()
	container, err := postgres.Run(
		ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("ledger"),
		postgres.WithUsername("ledger"),
		postgres.WithPassword("ledger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		tb.Fatalf("start postgres container: %v", err)
	}
	terminateOnCleanup(tb, "postgres", container)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil || dsn == "" {
		tb.Fatalf("build postgres connection string: %v", err)
	}
	if err := pingPostgres(ctx, dsn); err != nil {
		tb.Fatalf("postgres is not ready for connections: %v", err)
	}
	return dsn
}

func pingPostgres(ctx context.Context, dsn string) error {
	deadline := time.Now().Add(20 * time.Second)
	lastErr := context.DeadlineExceeded
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		conn, err := pgx.Connect(attemptCtx, dsn)
		if err == nil {
			err = conn.Ping(attemptCtx)
			_ = conn.Close(attemptCtx)
		}
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	return lastErr
}

// StartRedis starts a Redis container and returns a redis:// URL.
func StartRedis(tb testing.TB) string {
	tb.Helper()
	skipShort(tb)

	container, err := testcontainers.GenericContainer(context.Background(), testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		tb.Fatalf("start redis container: %v", err)
	}
	terminateOnCleanup(tb, "redis", container)

	host, port := endpoint(tb, container, "6379")
	return fmt.Sprintf("redis://%s:%s", host, port)
}

// StartMongo starts a MongoDB container and returns its connection URI.
func StartMongo(tb testing.TB) string {
	tb.Helper()
	skipShort(tb)

	ctx := context.Background()
	container, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		tb.Fatalf("start mongodb container: %v", err)
	}
	terminateOnCleanup(tb, "mongodb", container)

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		tb.Fatalf("build mongodb connection string: %v", err)
	}
	return uri
}

// S3 is a LocalStack bucket ready for use.
type S3 struct {
	Client *s3.Client
	Bucket string
}

// StartS3 starts LocalStack, creates bucket and returns a path-style client for it.
func StartS3(tb testing.TB, bucket string) S3 {
	tb.Helper()
	skipShort(tb)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "localstack/localstack:3",
			ExposedPorts: []string{"4566/tcp"},
			Env:          map[string]string{"SERVICES": "s3"},
			WaitingFor:   wait.ForListeningPort("4566/tcp").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		tb.Fatalf("start localstack container: %v", err)
	}
	terminateOnCleanup(tb, "localstack", container)

	host, port := endpoint(tb, container, "4566")
	baseURL := fmt.Sprintf("http://%s:%s", host, port)

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
		awsconfig.WithRegion("us-east-1"),
	)
	if err != nil {
		tb.Fatalf("load aws config: %v", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = &baseURL
		o.UsePathStyle = true
	})
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &bucket}); err != nil {
		tb.Fatalf("create bucket %s: %v", bucket, err)
	}
	return S3{Client: client, Bucket: bucket}
}
