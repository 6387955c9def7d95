package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/instagram-connect/internal/domain"
	"github.com/smallbiznis/instagram-connect/internal/domain/instagram"
)

func TestMemoryOptionRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryOptionRepo()

	require.NoError(t, repo.SetOptions(ctx, 1, map[string]string{"instagram_user_id": "42", "instagram_access_token": "T"}))
	require.NoError(t, repo.SetOptions(ctx, 2, map[string]string{"instagram_user_id": "42"}))
	require.NoError(t, repo.SetOptions(ctx, 3, map[string]string{"instagram_user_id": "421"}))

	values, err := repo.GetOptions(ctx, 1, "instagram_user_id", "instagram_missing")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"instagram_user_id": "42"}, values)

	ids, err := repo.FindSiteIDs(ctx, "instagram_user_id", "42")
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, ids)

	require.NoError(t, repo.DeleteOptions(ctx, 1, "instagram_user_id", "instagram_access_token"))
	require.NoError(t, repo.DeleteOptions(ctx, 1, "instagram_user_id"))
	values, err = repo.GetOptions(ctx, 1, "instagram_user_id")
	require.NoError(t, err)
	require.Empty(t, values)
}

func TestMemorySiteRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySiteRepo(domain.Site{ID: 1, URL: "https://network.test/"})

	created, err := repo.CreateSite(ctx, domain.Site{ID: 7, URL: "https://seven.network.test/", Name: "Seven"})
	require.NoError(t, err)
	require.Equal(t, "https://seven.network.test", created.URL)

	_, err = repo.CreateSite(ctx, domain.Site{ID: 7, URL: "https://dup.test"})
	require.Error(t, err)

	site, err := repo.GetSiteByHost(ctx, "SEVEN.network.test")
	require.NoError(t, err)
	require.Equal(t, int64(7), site.ID)

	_, err = repo.GetSite(ctx, 99)
	require.ErrorIs(t, err, instagram.ErrSiteNotFound)

	sites, err := repo.ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	require.Equal(t, int64(1), sites[0].ID)
}

func TestMemoryNonceStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryNonceStore()
	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }

	require.NoError(t, store.SaveNonce(ctx, "n1", 7, time.Hour))
	require.NoError(t, store.SaveNonce(ctx, "n2", 8, time.Minute))

	siteID, ok, err := store.ConsumeNonce(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(7), siteID)

	_, ok, err = store.ConsumeNonce(ctx, "n1")
	require.NoError(t, err)
	require.False(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, err = store.ConsumeNonce(ctx, "n2")
	require.NoError(t, err)
	require.False(t, ok)
}
