package mongostore

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	registryblob "github.com/chirino/chat-ledger/internal/registry/blob"
	"github.com/chirino/chat-ledger/internal/testutil/conformance"
	"github.com/chirino/chat-ledger/internal/testutil/containers"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func TestConformance(t *testing.T) {
	uri := containers.StartMongo(t)
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	var n atomic.Int64
	conformance.Blob(t, func(t *testing.T) registryblob.BlobStore {
		return New(client.Database(fmt.Sprintf("blobs_%d", n.Add(1))))
	})
}
