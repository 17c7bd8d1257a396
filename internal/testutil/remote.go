package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/roach88/tillsync/internal/apperr"
	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/remote"
)

// OutcomeKind is what a scripted remote does with one request.
type OutcomeKind string

const (
	// OK accepts the request.
	OK OutcomeKind = "ok"
	// Fail answers 503, a retryable error.
	Fail OutcomeKind = "fail"
	// Reject answers 422, a permanent error.
	Reject OutcomeKind = "reject"
)

// Outcome is one scripted answer.
type Outcome struct {
	Kind OutcomeKind

	// ServerID overrides the id assigned to an accepted create.
	ServerID *int64
}

// ParseOutcome parses "ok", "ok:41", "fail" or "reject".
func ParseOutcome(s string) (Outcome, error) {
	kind, id, hasID := strings.Cut(strings.TrimSpace(s), ":")
	o := Outcome{Kind: OutcomeKind(kind)}
	switch o.Kind {
	case OK, Fail, Reject:
	default:
		return o, fmt.Errorf("unknown outcome %q", s)
	}
	if hasID {
		if o.Kind != OK {
			return o, fmt.Errorf("outcome %q: only ok takes a server id", s)
		}
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return o, fmt.Errorf("outcome %q: %w", s, err)
		}
		o.ServerID = &n
	}
	return o, nil
}

// PullCall records one Pull.
type PullCall struct {
	EntityType string
	Since      string
}

// ScriptedRemote is an in-memory server for engine and harness tests.
//
// Requests are answered from per-idempotency-key scripts; an unscripted
// request is accepted. Like the real server it deduplicates on the key: once
// a key is accepted, repeats get the original response. Creates are given
// sequential server ids starting at 1 unless the outcome names one. Pull
// serves queued pages per entity type, then empty pages.
//
// Thread-safety: safe for concurrent use via internal mutex.
type ScriptedRemote struct {
	mu       sync.Mutex
	scripts  map[string][]Outcome
	acked    map[string]remote.Response
	pages    map[string][]remote.Page
	pullErrs map[string]error
	calls    []remote.Request
	pulls    []PullCall
	nextID   int64

	// BeforeSend, when set, runs at the start of every Send outside the
	// lock. Tests block in it to hold a drain mid-flight.
	BeforeSend func(req remote.Request)
}

// NewScriptedRemote creates an empty ScriptedRemote.
func NewScriptedRemote() *ScriptedRemote {
	return &ScriptedRemote{
		scripts:  map[string][]Outcome{},
		acked:    map[string]remote.Response{},
		pages:    map[string][]remote.Page{},
		pullErrs: map[string]error{},
		nextID:   1,
	}
}

// Script appends outcomes for requests carrying key.
func (r *ScriptedRemote) Script(key string, outcomes ...Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[key] = append(r.scripts[key], outcomes...)
}

// QueuePage appends a page to serve for entityType.
func (r *ScriptedRemote) QueuePage(entityType string, p remote.Page) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages[entityType] = append(r.pages[entityType], p)
}

// FailPull makes the next Pull of entityType return err.
func (r *ScriptedRemote) FailPull(entityType string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pullErrs[entityType] = err
}

// SetNextID sets the next server id handed to an accepted create.
func (r *ScriptedRemote) SetNextID(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID = id
}

// Send implements the engine's Remote.
func (r *ScriptedRemote) Send(ctx context.Context, req remote.Request) (remote.Response, error) {
	if r.BeforeSend != nil {
		r.BeforeSend(req)
	}
	if err := ctx.Err(); err != nil {
		return remote.Response{}, apperr.Transient(0, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)

	if resp, ok := r.acked[req.IdempotencyKey]; ok {
		return resp, nil
	}

	o := Outcome{Kind: OK}
	if script := r.scripts[req.IdempotencyKey]; len(script) > 0 {
		o = script[0]
		r.scripts[req.IdempotencyKey] = script[1:]
	}

	switch o.Kind {
	case Fail:
		return remote.Response{}, apperr.Transient(http.StatusServiceUnavailable, errors.New("scripted failure"))
	case Reject:
		return remote.Response{}, apperr.Permanent(http.StatusUnprocessableEntity, "scripted rejection")
	}

	var resp remote.Response
	if req.Action == entity.ActionCreate {
		id := o.ServerID
		if id == nil {
			n := r.nextID
			r.nextID++
			id = &n
		}
		resp.ServerID = id
	}
	r.acked[req.IdempotencyKey] = resp
	return resp, nil
}

// Pull implements the engine's Remote.
func (r *ScriptedRemote) Pull(ctx context.Context, entityType, since string) (remote.Page, error) {
	if err := ctx.Err(); err != nil {
		return remote.Page{}, apperr.Transient(0, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls = append(r.pulls, PullCall{EntityType: entityType, Since: since})

	if err, ok := r.pullErrs[entityType]; ok {
		delete(r.pullErrs, entityType)
		return remote.Page{}, err
	}
	queued := r.pages[entityType]
	if len(queued) == 0 {
		return remote.Page{ServerTimestamp: since}, nil
	}
	r.pages[entityType] = queued[1:]
	return queued[0], nil
}

// Calls returns every Send received, in order.
func (r *ScriptedRemote) Calls() []remote.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]remote.Request(nil), r.calls...)
}

// SentKeys returns the idempotency keys of every Send, in order.
func (r *ScriptedRemote) SentKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, len(r.calls))
	for i, c := range r.calls {
		keys[i] = c.IdempotencyKey
	}
	return keys
}

// Pulls returns every Pull received, in order.
func (r *ScriptedRemote) Pulls() []PullCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PullCall(nil), r.pulls...)
}
