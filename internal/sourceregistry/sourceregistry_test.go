package sourceregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlist/assetengine/internal/blobstore/memblob"
	"github.com/openlist/assetengine/internal/domain"
	"github.com/openlist/assetengine/internal/observerbus"
)

func newTestRegistry(t *testing.T) (*Registry, *memblob.Store, *observerbus.Bus) {
	t.Helper()
	store := memblob.New()
	bus := observerbus.New()
	return New(store, bus, nil), store, bus
}

func TestRegisterMergeAndClear(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	urls := Set([]string{"https://h/e.txt"})
	content := Set("filters")
	after := Set(3.5)
	require.NoError(t, r.Register(ctx, "easylist", SourcePatch{
		ContentURL:  &urls,
		Content:     &content,
		UpdateAfter: &after,
	}))

	d, ok := r.Get(ctx, "easylist")
	require.True(t, ok)
	assert.Equal(t, []string{"https://h/e.txt"}, d.ContentURL)
	assert.Equal(t, "filters", d.Content)
	assert.Equal(t, 3.5, d.UpdateAfter)

	// A second register with one cleared field touches only that field.
	clearAfter := Clear[float64]()
	require.NoError(t, r.Register(ctx, "easylist", SourcePatch{UpdateAfter: &clearAfter}))

	d, _ = r.Get(ctx, "easylist")
	assert.Zero(t, d.UpdateAfter)
	assert.Equal(t, "filters", d.Content, "absent fields stay untouched")
}

func TestURLFlagsRecomputed(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	mixed := Set([]string{"assets/easylist.txt", "https://h/e.txt"})
	require.NoError(t, r.Register(ctx, "easylist", SourcePatch{ContentURL: &mixed}))
	d, _ := r.Get(ctx, "easylist")
	assert.True(t, d.HasRemoteURL)
	assert.True(t, d.HasLocalURL)

	localOnly := Set([]string{"assets/easylist.txt"})
	require.NoError(t, r.Register(ctx, "easylist", SourcePatch{ContentURL: &localOnly}))
	d, _ = r.Get(ctx, "easylist")
	assert.False(t, d.HasRemoteURL)
	assert.True(t, d.HasLocalURL)
}

func TestSubmitterStampsSubmitTime(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	submitter := Set("user")
	require.NoError(t, r.Register(ctx, "mylist", SourcePatch{Submitter: &submitter}))
	d, _ := r.Get(ctx, "mylist")
	assert.NotZero(t, d.SubmitTime)
}

func TestUnregister(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	urls := Set([]string{"https://h/e.txt"})
	require.NoError(t, r.Register(ctx, "easylist", SourcePatch{ContentURL: &urls}))
	require.NoError(t, r.Unregister(ctx, "easylist"))

	_, ok := r.Get(ctx, "easylist")
	assert.False(t, ok)
}

func TestLastErrorRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	urls := Set([]string{"https://h/e.txt"})
	require.NoError(t, r.Register(ctx, "easylist", SourcePatch{ContentURL: &urls}))

	r.RecordLastError(ctx, "easylist", "ENOTFOUND")
	d, _ := r.Get(ctx, "easylist")
	require.NotNil(t, d.LastError)
	assert.Equal(t, "ENOTFOUND", d.LastError.Error)
	assert.NotZero(t, d.LastError.Time)

	r.ClearLastError(ctx, "easylist")
	d, _ = r.Get(ctx, "easylist")
	assert.Nil(t, d.LastError)
}

const assetsJSON = `{
	"assets.json": {"content": "internal", "updateAfter": 1, "contentURL": ["https://h/assets/assets.json"]},
	"easylist": {"content": "filters", "updateAfter": 4, "contentURL": "https://h/easylist.txt", "cdnURLs": ["https://cdn/easylist.txt"]},
	"disabled-list": {"content": "filters", "off": true, "contentURL": "https://h/d.txt"}
}`

func TestUpdateAssetSourceRegistry(t *testing.T) {
	ctx := context.Background()
	r, _, bus := newTestRegistry(t)

	var added []domain.AssetKey
	var updates []AssetsJSONUpdatedEvent
	bus.Add(func(_ context.Context, details any) any {
		ev := details.(observerbus.Event)
		switch ev.Topic {
		case TopicBuiltinAssetSourceAdded:
			added = append(added, ev.Details.(domain.AssetKey))
		case TopicAssetsJSONUpdated:
			updates = append(updates, ev.Details.(AssetsJSONUpdatedEvent))
		}
		return nil
	})

	require.NoError(t, r.UpdateAssetSourceRegistry(ctx, json.RawMessage(assetsJSON), false))

	// Scalar contentURL normalized to a singleton sequence.
	d, ok := r.Get(ctx, "easylist")
	require.True(t, ok)
	assert.Equal(t, []string{"https://h/easylist.txt"}, d.ContentURL)
	assert.Equal(t, []string{"https://cdn/easylist.txt"}, d.CDNURLs)
	assert.True(t, d.HasRemoteURL)

	assert.Len(t, added, 3, "every new entry fires builtin-asset-source-added")
	require.Len(t, updates, 1)
	assert.Empty(t, updates[0].OldDict)
	assert.Len(t, updates[0].NewDict, 3)

	// Only enabled filter lists are in the default listset.
	listset := r.DefaultListset(ctx)
	assert.Equal(t, []domain.AssetKey{"easylist"}, listset)
}

func TestReingestRemovesBuiltinsKeepsSubmitted(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	require.NoError(t, r.UpdateAssetSourceRegistry(ctx, json.RawMessage(assetsJSON), true))

	// A user-submitted entry.
	urls := Set([]string{"https://h/mine.txt"})
	submitter := Set("user")
	require.NoError(t, r.Register(ctx, "mylist", SourcePatch{ContentURL: &urls, Submitter: &submitter}))

	// Reingest drops easylist but keeps the submitted entry.
	smaller := `{"assets.json": {"content": "internal", "contentURL": ["https://h/assets/assets.json"]}}`
	require.NoError(t, r.UpdateAssetSourceRegistry(ctx, json.RawMessage(smaller), true))

	_, ok := r.Get(ctx, "easylist")
	assert.False(t, ok, "built-in entry absent from the new payload must be unregistered")
	_, ok = r.Get(ctx, "mylist")
	assert.True(t, ok, "user-submitted entry must survive reingest")
}

func TestSilentSuppressesAddedEvents(t *testing.T) {
	ctx := context.Background()
	r, _, bus := newTestRegistry(t)

	fired := 0
	bus.Add(func(_ context.Context, details any) any {
		if details.(observerbus.Event).Topic == TopicBuiltinAssetSourceAdded {
			fired++
		}
		return nil
	})

	require.NoError(t, r.UpdateAssetSourceRegistry(ctx, json.RawMessage(assetsJSON), true))
	assert.Zero(t, fired)
}

func TestUpdateRejectsInvalidJSON(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	err := r.UpdateAssetSourceRegistry(context.Background(), json.RawMessage(`not json`), true)
	assert.Error(t, err)
}

// fakeBootstrapper scripts the two bootstrap sources.
type fakeBootstrapper struct {
	bootstrapPayload string
	bootstrapErr     error
	fallbackPayload  string
	fallbackErr      error
	bootstrapCalls   int
	fallbackCalls    int
}

func (b *fakeBootstrapper) FetchBootstrapLocation(context.Context) (json.RawMessage, error) {
	b.bootstrapCalls++
	return json.RawMessage(b.bootstrapPayload), b.bootstrapErr
}

func (b *fakeBootstrapper) FetchAssetsJSONPath(context.Context) (json.RawMessage, error) {
	b.fallbackCalls++
	return json.RawMessage(b.fallbackPayload), b.fallbackErr
}

func TestBootstrapOnEmptyState(t *testing.T) {
	ctx := context.Background()
	boot := &fakeBootstrapper{bootstrapPayload: assetsJSON}
	r := New(memblob.New(), nil, boot)

	_, ok := r.Get(ctx, "easylist")
	assert.True(t, ok, "first access must bootstrap the registry")
	assert.Equal(t, 1, boot.bootstrapCalls)
	assert.Zero(t, boot.fallbackCalls)
}

func TestBootstrapFallsBack(t *testing.T) {
	ctx := context.Background()
	boot := &fakeBootstrapper{bootstrapErr: fmt.Errorf("offline"), fallbackPayload: assetsJSON}
	r := New(memblob.New(), nil, boot)

	_, ok := r.Get(ctx, "easylist")
	assert.True(t, ok)
	assert.Equal(t, 1, boot.fallbackCalls)
}

func TestBootstrapSkippedWhenPersisted(t *testing.T) {
	ctx := context.Background()
	store := memblob.New()

	r1 := New(store, nil, nil)
	require.NoError(t, r1.UpdateAssetSourceRegistry(ctx, json.RawMessage(assetsJSON), true))
	require.NoError(t, r1.Flush(ctx))

	boot := &fakeBootstrapper{bootstrapPayload: `{}`}
	r2 := New(store, nil, boot)
	_, ok := r2.Get(ctx, "easylist")
	assert.True(t, ok, "persisted state must load")
	assert.Zero(t, boot.bootstrapCalls, "bootstrap must not run when state exists")
}
