package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const project = "test-project"

func newFakeClient(t *testing.T, topics ...string) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(ctx, project, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	for _, topic := range topics {
		_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{
			Name: "projects/" + project + "/topics/" + topic,
		})
		require.NoError(t, err)
	}
	return client, srv
}

func TestPublishRoutesByTopic(t *testing.T) {
	t.Parallel()

	client, srv := newFakeClient(t, "crawl-events", "team-alerts")
	pub, err := New(client, "crawl-events")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	id, err := pub.Publish(context.Background(), "", map[string]any{"type": "task.completed"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	_, err = pub.Publish(context.Background(), "team-alerts", map[string]any{"type": "monitor.cycle_failed"})
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	var first map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &first))
	assert.Equal(t, "task.completed", first["type"])
	assert.Len(t, pub.publishers, 2)
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "x")
	require.Error(t, err)

	client, _ := newFakeClient(t)
	pub, err := New(client, "")
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), " ", "payload")
	require.ErrorContains(t, err, "topic is required")

	pub.defaultTopic = "t"
	_, err = pub.Publish(context.Background(), "", func() {})
	require.ErrorContains(t, err, "marshal payload")
	require.NoError(t, pub.Close())
}
