package review

import (
	"context"
	"fmt"
	"log"

	"github.com/Web-Art-Online/Nishikigi/internal/models"
)

// publishBatch claims ids out of status from and publishes them. A failed
// claim means another coordinator owns some of the ids; it is returned as is
// and nothing is uploaded. Callers hold mu.
func (c *Coordinator) publishBatch(ctx context.Context, ids []uint, from models.Status) ([]string, error) {
	if err := c.store.Claim(ctx, ids, from); err != nil {
		return nil, err
	}
	return c.publishClaimed(ctx, ids, from)
}

// publishClaimed uploads the artifacts of ids in order, publishes them in one
// call and marks every submission published. The ids must already be claimed.
// Any failure before the backend returns references puts them back in from,
// so the batch is never half committed.
func (c *Coordinator) publishClaimed(ctx context.Context, ids []uint, from models.Status) ([]string, error) {
	fail := func(err error) ([]string, error) {
		if rerr := c.store.Release(context.WithoutCancel(ctx), ids, from); rerr != nil {
			log.Printf("review: release %v: %v", ids, rerr)
		}
		perr := &PublishError{IDs: ids, Err: err}
		log.Printf("%v", perr)
		c.tellAdmin(ctx, fmt.Sprintf("Publishing %v failed: %v", ids, err))
		return nil, perr
	}

	subs := make([]*models.Submission, 0, len(ids))
	for _, id := range ids {
		sub, err := c.store.Get(ctx, id)
		if err != nil {
			return fail(err)
		}
		subs = append(subs, sub)
	}

	handles := make([]string, 0, len(subs))
	for _, sub := range subs {
		if sub.Artifact == "" {
			return fail(fmt.Errorf("#%d has no rendered artifact", sub.ID))
		}
		h, err := c.backend.Upload(ctx, sub.Artifact)
		if err != nil {
			return fail(fmt.Errorf("upload #%d: %w", sub.ID, err))
		}
		handles = append(handles, h)
	}

	refs, err := c.backend.Publish(ctx, handles)
	if err != nil {
		return fail(err)
	}
	if len(refs) != len(ids) {
		return fail(fmt.Errorf("backend returned %d references for %d items", len(refs), len(ids)))
	}

	if err := c.store.MarkPublished(ctx, ids, refs, c.now()); err != nil {
		// The album already shows the batch. The rows stay claimed so that
		// no one publishes it again.
		c.tellAdmin(ctx, fmt.Sprintf("Published %v but could not record it: %v", ids, err))
		return nil, fmt.Errorf("review: record publish %v: %w", ids, err)
	}

	log.Printf("review: published %v", ids)
	for i, sub := range subs {
		c.tellAuthor(ctx, sub.AuthorID, fmt.Sprintf("Your submission #%d has been published: %s", sub.ID, refs[i]))
	}
	c.tellAdmin(ctx, fmt.Sprintf("Published %v", ids))
	return refs, nil
}
