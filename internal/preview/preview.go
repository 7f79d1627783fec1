// Package preview keeps generated-but-unapproved campaigns in Redis until the operator approves them.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Mutter0815/CampaignMailer/internal/campaign"
)

const keyPrefix = "campaign:preview:"

var (
	ErrNotFound = errors.New("preview: token not found or expired")
	ErrConnect  = errors.New("preview: failed to connect to redis")
)

// Draft is everything needed to create the campaign once the operator approves it.
type Draft struct {
	Content   campaign.Content `json:"content"`
	Leads     []campaign.Lead  `json:"leads"`
	Dropped   int              `json:"dropped"`
	Owner     *int64           `json:"owner,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

type Store struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func New(rdb redis.Cmdable, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// Connect opens a client from a redis:// URL and pings it.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrConnect, err)
	}
	return client, nil
}

func (s *Store) TTL() time.Duration { return s.ttl }

// Save stores the draft under a fresh token and returns the token with its expiry.
func (s *Store) Save(ctx context.Context, d Draft) (string, time.Time, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("preview: encode: %w", err)
	}
	token := uuid.NewString()
	if err := s.rdb.Set(ctx, keyPrefix+token, raw, s.ttl).Err(); err != nil {
		return "", time.Time{}, fmt.Errorf("preview: save: %w", err)
	}
	return token, d.CreatedAt.Add(s.ttl), nil
}

func (s *Store) Get(ctx context.Context, token string) (Draft, error) {
	if _, err := uuid.Parse(token); err != nil {
		return Draft{}, ErrNotFound
	}
	raw, err := s.rdb.Get(ctx, keyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return Draft{}, ErrNotFound
	}
	if err != nil {
		return Draft{}, fmt.Errorf("preview: get: %w", err)
	}
	var d Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return Draft{}, fmt.Errorf("preview: decode: %w", err)
	}
	return d, nil
}

// Delete drops an approved draft so the same token cannot create a second campaign.
func (s *Store) Delete(ctx context.Context, token string) error {
	if err := s.rdb.Del(ctx, keyPrefix+token).Err(); err != nil {
		return fmt.Errorf("preview: delete: %w", err)
	}
	return nil
}
