package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/repo"
)

// PullResult summarizes one Pull call across entity types.
type PullResult struct {
	Offline bool `json:"offline"`
	Pages   int  `json:"pages"`

	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`

	// Conflicts are records skipped because the local row has unsynced
	// changes.
	Conflicts int `json:"conflicts"`

	// Orphans are records skipped because a required parent is unknown.
	Orphans int `json:"orphans"`

	// Busy lists entity types skipped because another pull of the same
	// type was running.
	Busy []string `json:"busy,omitempty"`
}

// Changed is the number of records that modified the local store.
func (r PullResult) Changed() int {
	return r.Inserted + r.Updated + r.Deleted
}

func (r *PullResult) count(a repo.Applied) {
	switch a {
	case repo.Inserted:
		r.Inserted++
	case repo.Updated:
		r.Updated++
	case repo.Deleted:
		r.Deleted++
	case repo.Conflict:
		r.Conflicts++
	case repo.Orphan:
		r.Orphans++
	default:
		r.Unchanged++
	}
}

func (r *PullResult) add(o PullResult) {
	r.Pages += o.Pages
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Deleted += o.Deleted
	r.Unchanged += o.Unchanged
	r.Conflicts += o.Conflicts
	r.Orphans += o.Orphans
}

// Pull fetches remote changes for every configured entity type,
// parents-first. A failing type does not stop the others; their errors are
// joined. Only one pull per entity type runs at a time; a type already
// being pulled is skipped and listed in Busy.
func (e *Engine) Pull(ctx context.Context) (PullResult, error) {
	var res PullResult
	if !e.Online() {
		res.Offline = true
		return res, nil
	}

	var errs []error
	for _, t := range entity.PullOrder {
		if !slices.Contains(e.pullTypes, t) {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		st, ok := e.repos.ByType(t)
		if !ok {
			continue
		}

		mu := e.pullLocks[t]
		if !mu.TryLock() {
			res.Busy = append(res.Busy, t)
			continue
		}
		tr, err := e.pullType(ctx, st)
		mu.Unlock()

		res.add(tr)
		if err != nil {
			e.log.Warn("pull failed", "entity_type", t, "error", err)
			errs = append(errs, fmt.Errorf("pull %s: %w", t, err))
		}
	}
	return res, errors.Join(errs...)
}

// pullType pages through one entity type. Each page and its watermark
// advance commit together; a failed page leaves the watermark where it was.
func (e *Engine) pullType(ctx context.Context, st repo.Store) (PullResult, error) {
	t := st.Descriptor().Type
	var res PullResult
	for {
		wm, err := e.q.Watermark(ctx, t)
		if err != nil {
			return res, err
		}
		page, err := e.remote.Pull(ctx, t, wm.LastServerTimestamp)
		if err != nil {
			return res, err
		}

		var pr PullResult
		err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
			for _, rec := range page.Records {
				a, err := st.ApplyRemoteTx(ctx, tx, rec)
				if err != nil {
					return fmt.Errorf("apply %s %d: %w", t, rec.ID, err)
				}
				if a == repo.Conflict {
					e.log.Debug("kept local changes over remote record",
						"entity_type", t, "server_id", rec.ID)
				}
				pr.count(a)
			}
			return e.q.AdvanceTx(ctx, tx, t, page.ServerTimestamp)
		})
		if err != nil {
			return res, err
		}
		pr.Pages = 1
		res.add(pr)

		if !page.HasMore {
			return res, nil
		}
		if len(page.Records) == 0 && page.ServerTimestamp == wm.LastServerTimestamp {
			return res, fmt.Errorf("remote reported more changes but the page made no progress")
		}
	}
}
