package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scheme-crawler/internal/crawler"
)

func TestSchemeStoreKeepsFirstWrite(t *testing.T) {
	t.Parallel()

	store := NewSchemeStore()
	ctx := context.Background()

	outcome, err := store.SaveScheme(ctx, crawler.SchemeRecord{ExternalID: "id-1", Slug: "a", Title: "First"})
	require.NoError(t, err)
	require.Equal(t, crawler.SaveSuccess, outcome)

	outcome, err = store.SaveScheme(ctx, crawler.SchemeRecord{ExternalID: "id-1", Slug: "a", Title: "Second"})
	require.NoError(t, err)
	require.Equal(t, crawler.SaveDuplicate, outcome)

	rec, ok := store.Get("id-1")
	require.True(t, ok)
	require.Equal(t, "First", rec.Title)
	require.Equal(t, crawler.RecordPending, rec.Status)
	require.Equal(t, 1, store.Len())
}

func TestSchemeStoreSlugCollisionIsDuplicate(t *testing.T) {
	t.Parallel()

	store := NewSchemeStore()
	ctx := context.Background()

	_, err := store.SaveScheme(ctx, crawler.SchemeRecord{ExternalID: "id-1", Slug: "shared"})
	require.NoError(t, err)
	outcome, err := store.SaveScheme(ctx, crawler.SchemeRecord{ExternalID: "id-2", Slug: "shared"})
	require.NoError(t, err)
	require.Equal(t, crawler.SaveDuplicate, outcome)
}

func TestSchemeStoreRequiresExternalID(t *testing.T) {
	t.Parallel()

	outcome, err := NewSchemeStore().SaveScheme(context.Background(), crawler.SchemeRecord{Slug: "x"})
	require.Error(t, err)
	require.Equal(t, crawler.SaveError, outcome)
}
