package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"marketwire/deduplication"
	"marketwire/types"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keySources        = "sources"
	keySourcesExpires = "sources:expires"
	// keySourcesRetrieved scores sources by last retrieval for the
	// staleness pass.
	keySourcesRetrieved = "sources:retrieved"
	keyTagsAuto         = "tags:autosearch"

	// maxTxRetries bounds optimistic transaction retries.
	maxTxRetries = 10

	dueScanPage int64 = 256

	// indexRetention is the shortest time article title and link index
	// entries are kept, whatever window the creating source asked for.
	indexRetention = 90 * 24 * time.Hour
)

func sourceKey(id string) string  { return "source:" + id }
func articleKey(id string) string { return "article:" + id }
func tagKey(id string) string     { return "tag:" + id }

func titleIndexKey(cleanTitle string) string { return "article:title:" + cleanTitle }
func linkIndexKey(link string) string        { return "article:link:" + link }

func uniqKey(domain, cleanTitle, link string) string {
	return "article:uniq:" + domain + ":" + deduplication.UniquenessHash(cleanTitle, link)
}

// RedisStore is the Redis implementation of Repository. Records are stored
// as JSON strings; sorted sets index sources by expiry and articles by
// clean title and link.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore wraps client. The caller owns the client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// NewRedisClient connects to addr and verifies connectivity.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// getter is satisfied by both clients and transactions.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON[T any](ctx context.Context, c getter, key string) (*T, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}

// Sources

func (s *RedisStore) SaveSource(ctx context.Context, src *types.Source) error {
	if src.ID == "" {
		src.ID = types.GenerateID(src.Link)
	}
	if src.Domain == "" {
		src.Domain = types.Domain(src.Link)
	}
	data, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("encode source: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sourceKey(src.ID), data, 0)
		pipe.SAdd(ctx, keySources, src.ID)
		pipe.ZAdd(ctx, keySourcesExpires, redis.Z{Score: timeScore(src.Expires), Member: src.ID})
		pipe.ZAdd(ctx, keySourcesRetrieved, redis.Z{Score: timeScore(src.LastRetrieved), Member: src.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save source %s: %w", src.ID, err)
	}
	return nil
}

func (s *RedisStore) GetSource(ctx context.Context, id string) (*types.Source, error) {
	return getJSON[types.Source](ctx, s.client, sourceKey(id))
}

// UpdateSource applies upd in a WATCH/MULTI transaction so concurrent
// writers never lose each other's fields.
func (s *RedisStore) UpdateSource(ctx context.Context, id string, upd types.SourceUpdate) (*types.Source, error) {
	return s.modifySource(ctx, id, func(src *types.Source) bool {
		upd.Apply(src)
		return true
	})
}

// ClaimSource marks the source retrieved at now if it is still due. It
// reports false when the source stopped being due, usually because another
// scheduler claimed it first.
func (s *RedisStore) ClaimSource(ctx context.Context, id string, now time.Time, minSpacing, maxStaleness time.Duration) (bool, error) {
	var claimed bool
	_, err := s.modifySource(ctx, id, func(src *types.Source) bool {
		claimed = IsDue(src, now, minSpacing, maxStaleness)
		if claimed {
			src.LastRetrieved = now
		}
		return claimed
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// modifySource runs fn on the stored source inside a WATCH/MULTI
// transaction and writes the result back when fn returns true. fn may run
// more than once.
func (s *RedisStore) modifySource(ctx context.Context, id string, fn func(src *types.Source) bool) (*types.Source, error) {
	key := sourceKey(id)
	var result *types.Source

	txf := func(tx *redis.Tx) error {
		src, err := getJSON[types.Source](ctx, tx, key)
		if err != nil {
			return err
		}
		if !fn(src) {
			result = src
			return nil
		}
		data, err := json.Marshal(src)
		if err != nil {
			return fmt.Errorf("encode source: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, keySourcesExpires, redis.Z{Score: timeScore(src.Expires), Member: id})
			pipe.ZAdd(ctx, keySourcesRetrieved, redis.Z{Score: timeScore(src.LastRetrieved), Member: id})
			return nil
		})
		if err == nil {
			result = src
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update source %s: too many concurrent updates", id)
}

// FindDueSources walks sources whose expiry passed, soonest expiry first,
// then sources whose last retrieval is older than maxStaleness, oldest
// first. Both indexes are read in pages so a tick never loads every source.
func (s *RedisStore) FindDueSources(ctx context.Context, now time.Time, minSpacing, maxStaleness time.Duration, limit int) ([]*types.Source, error) {
	var due []*types.Source
	seen := make(map[string]bool)
	full := func() bool { return limit > 0 && len(due) >= limit }

	scan := func(key string, max time.Time) error {
		rng := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(max.UnixMilli(), 10), Count: dueScanPage}
		for !full() {
			ids, err := s.client.ZRangeByScore(ctx, key, rng).Result()
			if err != nil {
				return fmt.Errorf("scan %s: %w", key, err)
			}
			fresh := make([]string, 0, len(ids))
			for _, id := range ids {
				if !seen[id] {
					seen[id] = true
					fresh = append(fresh, id)
				}
			}
			sources, err := s.loadSources(ctx, fresh)
			if err != nil {
				return err
			}
			for _, src := range sources {
				if IsDue(src, now, minSpacing, maxStaleness) {
					due = append(due, src)
					if full() {
						return nil
					}
				}
			}
			if int64(len(ids)) < dueScanPage {
				return nil
			}
			rng.Offset += dueScanPage
		}
		return nil
	}

	if err := scan(keySourcesExpires, now); err != nil {
		return nil, err
	}
	if err := scan(keySourcesRetrieved, now.Add(-maxStaleness)); err != nil {
		return nil, err
	}
	return due, nil
}

// loadSources fetches ids in order, skipping missing or undecodable records.
func (s *RedisStore) loadSources(ctx context.Context, ids []string) ([]*types.Source, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sourceKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	sources := make([]*types.Source, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var src types.Source
		if err := json.Unmarshal([]byte(raw), &src); err != nil {
			continue
		}
		sources = append(sources, &src)
	}
	return sources, nil
}

// timeScore sorts unset times first.
func timeScore(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMilli())
}

// Articles

func (s *RedisStore) FindArticleMatch(ctx context.Context, q MatchQuery) (*types.Article, error) {
	lower := strconv.FormatInt(q.Since.UnixMilli(), 10)
	if q.Since.IsZero() {
		lower = "-inf"
	}
	rng := &redis.ZRangeBy{Min: lower, Max: "+inf"}

	var ids []string
	if q.ByTitle && q.CleanTitle != "" {
		found, err := s.client.ZRangeByScore(ctx, titleIndexKey(q.CleanTitle), rng).Result()
		if err != nil {
			return nil, fmt.Errorf("title index: %w", err)
		}
		ids = append(ids, found...)
	}
	if link := deduplication.NormalizeURL(q.Link); q.ByLink && link != "" {
		found, err := s.client.ZRangeByScore(ctx, linkIndexKey(link), rng).Result()
		if err != nil {
			return nil, fmt.Errorf("link index: %w", err)
		}
		ids = append(ids, found...)
	}

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		a, err := s.GetArticle(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if q.Domain == "" || a.SourceDomain == q.Domain {
			return a, nil
		}
	}
	return nil, nil
}

func (s *RedisStore) CreateArticle(ctx context.Context, a *types.Article, window time.Duration) (*types.Article, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if a.CleanTitle == "" {
		a.CleanTitle = types.CleanTitle(a.Title)
	}

	key := uniqKey(a.SourceDomain, a.CleanTitle, a.Link)
	id := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, id, window).Result()
	if err != nil {
		return nil, fmt.Errorf("uniqueness check: %w", err)
	}
	if !ok {
		return nil, &PersistenceConflict{Key: key}
	}

	now := s.now()
	a.ID = id
	a.CreatedAt = now
	a.ClusterID = s.clusterFor(ctx, a, now.Add(-window))

	data, err := json.Marshal(a)
	if err != nil {
		s.client.Del(ctx, key)
		return nil, fmt.Errorf("encode article: %w", err)
	}
	score := float64(now.UnixMilli())
	keep := max(window, indexRetention)
	cutoff := "(" + strconv.FormatInt(now.Add(-keep).UnixMilli(), 10)
	index := func(pipe redis.Pipeliner, key string) {
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: id})
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		pipe.Expire(ctx, key, keep)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, articleKey(id), data, 0)
		if a.CleanTitle != "" {
			index(pipe, titleIndexKey(a.CleanTitle))
		}
		if link := deduplication.NormalizeURL(a.Link); link != "" {
			index(pipe, linkIndexKey(link))
		}
		return nil
	})
	if err != nil {
		s.client.Del(ctx, key)
		return nil, fmt.Errorf("create article: %w", err)
	}
	return a, nil
}

// clusterFor reuses the cluster of an article with the same clean title
// from another domain, or starts a new cluster.
func (s *RedisStore) clusterFor(ctx context.Context, a *types.Article, since time.Time) string {
	if a.CleanTitle != "" {
		ids, err := s.client.ZRangeByScore(ctx, titleIndexKey(a.CleanTitle), &redis.ZRangeBy{
			Min: strconv.FormatInt(since.UnixMilli(), 10),
			Max: "+inf",
		}).Result()
		if err == nil {
			for _, id := range ids {
				other, err := s.GetArticle(ctx, id)
				if err == nil && other.ClusterID != "" && other.SourceDomain != a.SourceDomain {
					return other.ClusterID
				}
			}
		}
	}
	return a.ID
}

func (s *RedisStore) GetArticle(ctx context.Context, id string) (*types.Article, error) {
	return getJSON[types.Article](ctx, s.client, articleKey(id))
}

func (s *RedisStore) UpdateArticle(ctx context.Context, a *types.Article) error {
	if a.ID == "" {
		return errors.New("article has no id")
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode article: %w", err)
	}
	ok, err := s.client.SetXX(ctx, articleKey(a.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("update article %s: %w", a.ID, err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Tags

// SaveTag stores a tag and maintains the auto-search index.
func (s *RedisStore) SaveTag(ctx context.Context, tag *types.Tag) error {
	if tag.ID == "" {
		tag.ID = types.GenerateID(tag.Name)
	}
	data, err := json.Marshal(tag)
	if err != nil {
		return fmt.Errorf("encode tag: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, tagKey(tag.ID), data, 0)
		if tag.AutoSearch && tag.Approved && !tag.Disabled {
			pipe.SAdd(ctx, keyTagsAuto, tag.ID)
		} else {
			pipe.SRem(ctx, keyTagsAuto, tag.ID)
		}
		return nil
	})
	return err
}

func (s *RedisStore) ListAutoSearchTagIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, keyTagsAuto).Result()
	if err != nil {
		return nil, fmt.Errorf("list auto search tags: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *RedisStore) GetTags(ctx context.Context, ids []string) ([]*types.Tag, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = tagKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	tags := make([]*types.Tag, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var tag types.Tag
		if err := json.Unmarshal([]byte(raw), &tag); err != nil {
			continue
		}
		tags = append(tags, &tag)
	}
	return tags, nil
}

func (s *RedisStore) AddArticleTags(ctx context.Context, articleID string, names []string) ([]string, error) {
	key := articleKey(articleID)
	var added []string

	txf := func(tx *redis.Tx) error {
		added = nil
		a, err := getJSON[types.Article](ctx, tx, key)
		if err != nil {
			return err
		}
		have := make(map[string]bool, len(a.Tags))
		for _, t := range a.Tags {
			have[t] = true
		}
		for _, n := range names {
			if n != "" && !have[n] {
				have[n] = true
				a.Tags = append(a.Tags, n)
				added = append(added, n)
			}
		}
		if len(added) == 0 {
			return nil
		}
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return added, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("add tags to %s: too many concurrent updates", articleID)
}
