package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/tillsync/internal/apperr"
	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/repo"
)

// DrainResult summarizes one Drain call.
type DrainResult struct {
	// Coalesced is set when another drain was running. That drain makes
	// one more pass on this call's behalf; nothing else is reported.
	Coalesced bool `json:"coalesced"`

	// Reruns counts passes made for coalesced calls.
	Reruns int `json:"reruns"`

	// Offline is set when the drain stopped because connectivity was lost.
	Offline bool `json:"offline"`

	Sent      int `json:"sent"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Dead      int `json:"dead"`
	Deferred  int `json:"deferred"`
}

func (r *DrainResult) add(o DrainResult) {
	r.Offline = r.Offline || o.Offline
	r.Sent += o.Sent
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Dead += o.Dead
	r.Deferred += o.Deferred
}

// outcome is what happened to one claimed row.
type outcome int

const (
	succeeded outcome = iota
	failed
	dead
	deferred
)

func (r *DrainResult) record(o outcome, sent bool) {
	if sent {
		r.Sent++
	}
	switch o {
	case succeeded:
		r.Succeeded++
	case failed:
		r.Failed++
	case dead:
		r.Dead++
	case deferred:
		r.Deferred++
	}
}

// errGone means the row a delete targets no longer exists locally, e.g. a
// child purged along with its parent when the parent's delete synced.
var errGone = errors.New("entity row is gone")

// Drain sends every ready queue row. See the package doc for the
// single-flight rules.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	e.drainMu.Lock()
	if e.draining {
		e.rerun = true
		e.drainMu.Unlock()
		e.log.Debug("drain already running, coalesced")
		return DrainResult{Coalesced: true}, nil
	}
	e.draining = true
	e.drainMu.Unlock()

	var total DrainResult
	for {
		res, err := e.drainPasses(ctx)
		total.add(res)

		e.drainMu.Lock()
		again := e.rerun && err == nil && !res.Offline
		e.rerun = false
		if !again {
			e.draining = false
			e.drainMu.Unlock()
			return total, err
		}
		e.drainMu.Unlock()
		total.Reruns++
	}
}

// drainPasses dequeues and processes batches until nothing is ready.
func (e *Engine) drainPasses(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	for {
		if !e.Online() {
			res.Offline = true
			return res, nil
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		ready, err := e.q.DequeueReady(ctx, e.batchSize)
		if err != nil {
			return res, err
		}
		if len(ready) == 0 {
			return res, nil
		}

		processed := 0
		for _, ent := range ready {
			if !e.Online() {
				res.Offline = true
				return res, nil
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}

			claimed, err := e.q.MarkProcessing(ctx, ent.ID)
			if err != nil {
				return res, err
			}
			if !claimed {
				continue
			}
			processed++

			o, sent, err := e.process(ctx, ent)
			if err != nil {
				return res, err
			}
			res.record(o, sent)
		}
		if processed == 0 {
			return res, nil
		}
	}
}

// process delivers one claimed row and records the outcome. Bookkeeping
// runs without ctx's cancellation so a finished request is never left
// unrecorded.
func (e *Engine) process(ctx context.Context, ent queue.Entry) (outcome, bool, error) {
	bg := context.WithoutCancel(ctx)
	log := e.log.With("entry", ent.ID, "entity_type", ent.EntityType,
		"local_id", ent.EntityLocalID, "action", string(ent.Action))

	req, err := e.buildRequest(bg, ent)
	var unresolved *entity.UnresolvedRefError
	var missing *entity.MissingParentError
	switch {
	case errors.Is(err, errGone):
		log.Debug("target already gone, marking delete synced")
		return succeeded, false, e.q.MarkSuccess(bg, ent.ID, queue.Ack{})
	case errors.As(err, &unresolved):
		log.Debug("waiting for parent server id", "parent", unresolved.ParentLocalID)
		return deferred, false, e.q.Defer(bg, ent.ID, e.q.Now().Add(e.deferDelay), err.Error())
	case errors.As(err, &missing):
		log.Warn("required parent missing", "error", err)
		return dead, false, e.q.MarkDead(bg, ent.ID, err)
	case err != nil:
		if derr := e.q.Defer(bg, ent.ID, e.q.Now().Add(e.deferDelay), err.Error()); derr != nil {
			return deferred, false, errors.Join(err, derr)
		}
		return deferred, false, fmt.Errorf("build request for entry %d: %w", ent.ID, err)
	}

	sendCtx, cancel := context.WithTimeout(bg, e.requestTimeout)
	resp, err := e.remote.Send(sendCtx, req)
	cancel()

	if err == nil && ent.Action == entity.ActionCreate && resp.ServerID == nil {
		err = apperr.Permanent(0, "create acknowledged without a server id")
	}

	switch {
	case err == nil:
		log.Info("queue entry synced", "server_id", resp.ServerID)
		ack := queue.Ack{ServerID: resp.ServerID, ServerUpdatedAt: resp.UpdatedAt}
		return succeeded, true, e.q.MarkSuccess(bg, ent.ID, ack)
	case apperr.IsPermanent(err):
		log.Warn("remote rejected queue entry", "error", err)
		return dead, true, e.q.MarkDead(bg, ent.ID, err)
	default:
		after, merr := e.q.MarkFailure(bg, ent.ID, err)
		if merr != nil {
			return failed, true, merr
		}
		if after.Status == queue.StatusDead {
			log.Warn("queue entry out of retries", "retries", after.RetryCount, "error", err)
			return dead, true, nil
		}
		log.Info("queue entry failed, will retry",
			"retries", after.RetryCount, "next_retry_at", after.NextRetryAt, "error", err)
		return failed, true, nil
	}
}

// buildRequest resolves the row's endpoint and body against the current
// server ids.
func (e *Engine) buildRequest(ctx context.Context, ent queue.Entry) (remote.Request, error) {
	d, ok := entity.Lookup(ent.EntityType)
	if !ok {
		return remote.Request{}, apperr.Validation("unknown entity type %q", ent.EntityType)
	}
	db := e.db.SQL()

	endpoint := ent.Endpoint
	if strings.Contains(endpoint, queue.IDPlaceholder) {
		id, found, err := repo.ServerIDTx(ctx, db, d, ent.EntityLocalID)
		if err != nil {
			return remote.Request{}, err
		}
		switch {
		case !found && ent.Action == entity.ActionDelete:
			return remote.Request{}, errGone
		case !found:
			return remote.Request{}, &entity.MissingParentError{
				Ref: entity.Ref{Type: d.Type}, ParentLocalID: ent.EntityLocalID,
			}
		case id == nil:
			return remote.Request{}, &entity.UnresolvedRefError{
				Ref: entity.Ref{Type: d.Type}, ParentLocalID: ent.EntityLocalID,
			}
		}
		endpoint = strings.ReplaceAll(endpoint, queue.IDPlaceholder, strconv.FormatInt(*id, 10))
	}

	req := remote.Request{
		IdempotencyKey: ent.IdempotencyKey,
		EntityType:     ent.EntityType,
		EntityLocalID:  ent.EntityLocalID,
		Action:         ent.Action,
		Method:         ent.Method,
		Endpoint:       endpoint,
	}
	if ent.Action == entity.ActionDelete {
		return req, nil
	}

	body, err := entity.RequestBody(d, ent.Payload, func(ref entity.Ref, parent string) (*int64, bool, error) {
		pd, ok := entity.Lookup(ref.Type)
		if !ok {
			return nil, false, apperr.Validation("unknown entity type %q", ref.Type)
		}
		return repo.ServerIDTx(ctx, db, pd, parent)
	})
	if err != nil {
		return remote.Request{}, err
	}
	req.Body = body
	return req, nil
}
