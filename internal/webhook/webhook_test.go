package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/registry"
	"github.com/roach88/harvester/internal/resource"
)

type defaultRecords struct{}

func (defaultRecords) Deserialize(_ string, e oplog.Entry) resource.Record {
	return resource.Deserialize(e)
}

func change() registry.Change {
	return registry.Change{
		Resource:   "post",
		Operation:  oplog.OpUpdate,
		DocumentID: "p1",
		Entry: oplog.Entry{
			Position:   oplog.Position{Seconds: 10, Sequence: 2},
			Namespace:  "app.posts",
			Operation:  oplog.OpUpdate,
			DocumentID: "p1",
			Document:   map[string]any{"$set": map[string]any{"title": "new"}},
		},
	}
}

func TestWebhook_PostsPayload(t *testing.T) {
	var (
		got    Payload
		header http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := New(srv.URL, defaultRecords{}, WithHeader("X-Token", "secret"))
	require.NoError(t, h(context.Background(), change()))

	assert.Equal(t, "post", got.Resource)
	assert.Equal(t, oplog.OpUpdate, got.Operation)
	assert.Equal(t, "p1", got.ID)
	assert.Equal(t, "10_2", got.Position)
	assert.Equal(t, resource.Record{"id": "p1", "title": "new"}, got.Document)
	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Equal(t, "secret", header.Get("X-Token"))
}

func TestWebhook_Non2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := New(srv.URL, defaultRecords{}, WithClient(srv.Client()))(context.Background(), change())
	require.Error(t, err)
	assert.True(t, IsStatusError(err))
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "try later")
}

func TestWebhook_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(url, defaultRecords{})(context.Background(), change())
	require.Error(t, err)
	assert.False(t, IsStatusError(err))
}
