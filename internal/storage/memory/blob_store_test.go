package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "listing/page.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://listing/page.html", uri)

	payload[0] = 'C'
	obj, ok := store.Get("listing/page.html")
	require.True(t, ok)
	require.Equal(t, "content", string(obj.Data))
	require.Equal(t, "text/html", obj.ContentType)

	obj.Data[0] = 'X'
	again, _ := store.Get("listing/page.html")
	require.Equal(t, "content", string(again.Data))
	require.Equal(t, 1, store.Len())
}

func TestBlobStoreRejectsBadInput(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), "", "text/html", bytes.NewReader(nil))
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.PutObject(ctx, "x", "", bytes.NewReader(nil))
	require.ErrorIs(t, err, context.Canceled)

	_, ok := store.Get("missing")
	require.False(t, ok)
}
