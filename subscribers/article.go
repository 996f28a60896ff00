package subscribers

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"marketwire/storage"
	"marketwire/types"

	"go.uber.org/zap"
)

// TagChunkSize is the number of tag IDs sent per article.searchTagSet event.
const TagChunkSize = 20

type articleSubscriber struct {
	store  storage.Repository
	events Publisher
	log    *zap.Logger
}

// searchTag fans the auto-search tags out in chunks so each chunk is
// matched by whichever worker pulls it.
func (s *articleSubscriber) searchTag(ctx context.Context, p *types.ArticleRef) error {
	if _, err := s.store.GetArticle(ctx, p.ArticleID); err != nil {
		return fmt.Errorf("load article %s: %w", p.ArticleID, err)
	}
	ids, err := s.store.ListAutoSearchTagIDs(ctx)
	if err != nil {
		return fmt.Errorf("list auto search tags: %w", err)
	}

	var errs []error
	for chunk := range slices.Chunk(ids, TagChunkSize) {
		msg := types.SearchTagSet{ArticleID: p.ArticleID, TagIDs: chunk}
		if err := s.events.Push(ctx, types.PathArticleSearchTagSet, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// searchTagSet attaches every tag of the set whose words appear in the
// article and announces the new ones.
func (s *articleSubscriber) searchTagSet(ctx context.Context, p *types.SearchTagSet) error {
	article, err := s.store.GetArticle(ctx, p.ArticleID)
	if err != nil {
		return fmt.Errorf("load article %s: %w", p.ArticleID, err)
	}
	tags, err := s.store.GetTags(ctx, p.TagIDs)
	if err != nil {
		return fmt.Errorf("load tags: %w", err)
	}

	content := article.Title + " " + article.ShortText + " " + article.FullText
	var names []string
	for _, tag := range tags {
		if HasWord(content, tagWords(tag)) {
			names = append(names, tag.Name)
		}
	}
	if len(names) == 0 {
		return nil
	}

	added, err := s.store.AddArticleTags(ctx, article.ID, names)
	if err != nil {
		return fmt.Errorf("tag article %s: %w", article.ID, err)
	}
	if len(added) == 0 {
		return nil
	}
	s.log.Info("tagged article", zap.String("article_id", article.ID), zap.Strings("tags", added))
	return s.events.Push(ctx, types.PathUserFeedSendOnTagAdd, types.SendToFeedOnTagAdd{ArticleID: article.ID, TagNames: added})
}
