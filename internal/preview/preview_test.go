package preview

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mutter0815/CampaignMailer/internal/campaign"
)

func setupStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, ttl), mr
}

func TestSaveGetDelete(t *testing.T) {
	s, _ := setupStore(t, time.Minute)
	ctx := context.Background()
	owner := int64(3)

	d := Draft{
		Content: campaign.Content{Subject: "Hi", Theme: "t", CTAURL: "https://acme.com", HTML: "<p>[NAME]</p>"},
		Leads:   []campaign.Lead{{Name: "Ana", Email: "a@x.com"}},
		Dropped: 2,
		Owner:   &owner,
	}
	token, exp, err := s.Save(ctx, d)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Minute), exp, 5*time.Second)

	got, err := s.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, d.Content, got.Content)
	assert.Equal(t, d.Leads, got.Leads)
	assert.Equal(t, 2, got.Dropped)
	require.NotNil(t, got.Owner)
	assert.Equal(t, owner, *got.Owner)

	require.NoError(t, s.Delete(ctx, token))
	_, err = s.Get(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_Expired(t *testing.T) {
	s, mr := setupStore(t, time.Minute)
	ctx := context.Background()

	token, _, err := s.Save(ctx, Draft{})
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_BadToken(t *testing.T) {
	s, _ := setupStore(t, time.Minute)
	_, err := s.Get(context.Background(), "../../etc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGet_RedisDown(t *testing.T) {
	s, mr := setupStore(t, time.Minute)
	mr.Close()

	_, err := s.Get(context.Background(), "0b6f7c1e-8f57-4c4e-9d5b-2f5b7e3c9a10")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestConnect_BadURL(t *testing.T) {
	_, err := Connect(context.Background(), "not-a-url")
	assert.ErrorIs(t, err, ErrConnect)
}
