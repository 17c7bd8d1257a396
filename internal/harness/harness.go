package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/roach88/tillsync/internal/apperr"
	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/queue"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/repo"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

// defaultRetry is the retry policy of scenarios that set none.
var defaultRetry = queue.Config{MaxRetries: 3, BackoffBase: time.Second, BackoffCap: time.Minute}

// Harness executes one scenario. It owns a fresh in-memory database, a
// fake clock, sequential local ids and a scripted remote, so the same
// scenario always produces the same trace.
type Harness struct {
	db     *store.DB
	q      *queue.Queue
	remote *testutil.ScriptedRemote
	clock  *testutil.FakeClock
	eng    *engine.Engine
	ops    map[string]entityOps

	result *Result
	step   int
	types  map[string]string // local id -> entity type
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation. An error
// means the scenario could not be executed; failed expectations are
// reported in the result instead.
func Run(scenario *Scenario) (*Result, error) {
	db, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer db.Close()

	cfg := defaultRetry
	if r := scenario.Retry; r != nil {
		cfg.MaxRetries = r.MaxRetries
		cfg.BackoffBase, _ = time.ParseDuration(r.BackoffBase)
		cfg.BackoffCap, _ = time.ParseDuration(r.BackoffCap)
	}

	clock := testutil.NewFakeClock(testutil.Epoch)
	q := queue.New(db, queue.WithClock(clock), queue.WithConfig(cfg))
	set := repo.NewSet(db, q, repo.WithIDGenerator(testutil.NewSequenceIDGenerator("local")))

	h := &Harness{
		db:     db,
		q:      q,
		remote: testutil.NewScriptedRemote(),
		clock:  clock,
		ops:    newEntityOps(set),
		result: NewResult(),
		types:  map[string]string{},
	}
	h.eng = engine.New(db, q, set, &recordingRemote{h: h},
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	ctx := context.Background()
	for i, step := range scenario.Steps {
		h.step = i + 1
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", h.step, step.kind(), err)
		}
	}

	if scenario.Expect != nil {
		if err := h.checkExpect(ctx, *scenario.Expect); err != nil {
			return nil, err
		}
	}
	for _, msg := range EvaluateAssertions(ctx, db, h.result.LocalIDs, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch step.kind() {
	case "create":
		return h.create(ctx, step.Create)
	case "update":
		return h.update(ctx, step.Update)
	case "delete":
		localID, ops, err := h.lookup(step.Delete)
		if err != nil {
			return err
		}
		return ops.delete(ctx, localID)
	case "script":
		return h.script(ctx, step.Script)
	case "page":
		return h.page(step.Page)
	case "drain":
		res, err := h.eng.Drain(ctx)
		counts := countsOf(res)
		h.result.add(TraceEvent{Step: h.step, Kind: EventDrain, Counts: counts})
		h.checkRun("drain", step.Drain, counts, err)
	case "pull":
		res, err := h.eng.Pull(ctx)
		counts := countsOf(res, "pages")
		h.result.add(TraceEvent{Step: h.step, Kind: EventPull, Counts: counts})
		h.checkRun("pull", step.Pull, counts, err)
	case "advance":
		d, _ := time.ParseDuration(step.Advance)
		h.clock.Advance(d)
	case "online":
		h.eng.SetOnline(*step.Online)
	default:
		return fmt.Errorf("exactly one action is required")
	}
	return nil
}

func (h *Harness) create(ctx context.Context, c *CreateStep) error {
	ops, ok := h.ops[c.Type]
	if !ok {
		return fmt.Errorf("unknown entity type %q", c.Type)
	}
	fields, err := h.encode(c.Fields)
	if err != nil {
		return err
	}
	localID, err := ops.create(ctx, fields)
	if err != nil {
		return fmt.Errorf("create %s %q: %w", c.Type, c.As, err)
	}
	h.result.LocalIDs[c.As] = localID
	h.types[localID] = c.Type
	return nil
}

func (h *Harness) update(ctx context.Context, u *UpdateStep) error {
	localID, ops, err := h.lookup(u.Ref)
	if err != nil {
		return err
	}
	fields, err := h.encode(u.Fields)
	if err != nil {
		return err
	}
	return ops.update(ctx, localID, fields)
}

func (h *Harness) script(ctx context.Context, s *ScriptStep) error {
	localID, _, err := h.lookup(s.Ref)
	if err != nil {
		return err
	}
	action := entity.Action(s.Action)
	if action == "" {
		action = entity.ActionCreate
	}

	entries, err := h.q.List(ctx, queue.Filter{EntityLocalID: localID})
	if err != nil {
		return err
	}
	var key string
	for _, e := range entries {
		if e.Action == action {
			key = e.IdempotencyKey
		}
	}
	if key == "" {
		return fmt.Errorf("%s has no queued %s", s.Ref, action)
	}

	outcomes := make([]testutil.Outcome, 0, len(s.Outcomes))
	for _, raw := range s.Outcomes {
		o, err := testutil.ParseOutcome(raw)
		if err != nil {
			return err
		}
		outcomes = append(outcomes, o)
	}
	h.remote.Script(key, outcomes...)
	return nil
}

func (h *Harness) page(p *PageStep) error {
	page := remote.Page{ServerTimestamp: p.ServerTimestamp, HasMore: p.HasMore}
	for i, fields := range p.Records {
		raw, err := h.encode(fields)
		if err != nil {
			return err
		}
		var rec remote.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("records[%d]: %w", i, err)
		}
		page.Records = append(page.Records, rec)
		if rec.LocalID != "" {
			h.types[rec.LocalID] = p.Type
		}
	}
	h.remote.QueuePage(p.Type, page)
	return nil
}

// checkRun records a failed drain or pull expectation.
func (h *Harness) checkRun(name string, rs *RunStep, counts map[string]int, err error) {
	switch {
	case rs.Error != "" && err == nil:
		h.result.AddError(fmt.Sprintf("step %d %s: expected error containing %q", h.step, name, rs.Error))
	case rs.Error != "" && !strings.Contains(err.Error(), rs.Error):
		h.result.AddError(fmt.Sprintf("step %d %s: error %q does not contain %q", h.step, name, err, rs.Error))
	case rs.Error == "" && err != nil:
		h.result.AddError(fmt.Sprintf("step %d %s: %v", h.step, name, err))
	}
	for _, k := range sortedKeys(rs.Expect) {
		if got := counts[k]; got != rs.Expect[k] {
			h.result.AddError(fmt.Sprintf("step %d %s: %s = %d, want %d", h.step, name, k, got, rs.Expect[k]))
		}
	}
}

func (h *Harness) checkExpect(ctx context.Context, exp Expect) error {
	if len(exp.Queue) > 0 {
		stats, err := h.q.Stats(ctx)
		if err != nil {
			return err
		}
		counts := countsOf(stats)
		for _, k := range sortedKeys(exp.Queue) {
			if got := counts[k]; got != exp.Queue[k] {
				h.result.AddError(fmt.Sprintf("queue %s = %d, want %d", k, got, exp.Queue[k]))
			}
		}
	}

	refs := make([]string, 0, len(exp.Entities))
	for ref := range exp.Entities {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		want := exp.Entities[ref]
		localID, ops, err := h.lookup(ref)
		if err != nil {
			return err
		}
		m, err := ops.meta(ctx, localID)
		if apperr.IsNotFound(err) {
			if want.Deleted == nil || !*want.Deleted {
				h.result.AddError(fmt.Sprintf("%s: row is gone", ref))
			}
			continue
		}
		if err != nil {
			return err
		}
		if want.SyncStatus != "" && string(m.SyncStatus) != want.SyncStatus {
			h.result.AddError(fmt.Sprintf("%s: sync_status = %s, want %s", ref, m.SyncStatus, want.SyncStatus))
		}
		if want.ServerID != nil && (m.ID == nil || *m.ID != *want.ServerID) {
			h.result.AddError(fmt.Sprintf("%s: server id = %s, want %d", ref, formatID(m.ID), *want.ServerID))
		}
		if want.Deleted != nil && m.Deleted() != *want.Deleted {
			h.result.AddError(fmt.Sprintf("%s: deleted = %t, want %t", ref, m.Deleted(), *want.Deleted))
		}
	}
	return nil
}

// lookup resolves an alias or local id to the entity's local id and its
// repository.
func (h *Harness) lookup(ref string) (string, entityOps, error) {
	localID := ref
	if id, ok := h.result.LocalIDs[ref]; ok {
		localID = id
	}
	t, ok := h.types[localID]
	if !ok {
		return "", nil, fmt.Errorf("unknown entity %q", ref)
	}
	return localID, h.ops[t], nil
}

// refOf is the trace name of a local id.
func (h *Harness) refOf(localID string) string {
	for alias, id := range h.result.LocalIDs {
		if id == localID {
			return alias
		}
	}
	return localID
}

// encode marshals fields to JSON, replacing "@alias" strings by local ids.
func (h *Harness) encode(fields map[string]any) ([]byte, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok && strings.HasPrefix(s, "@") {
			id, ok := h.result.LocalIDs[s[1:]]
			if !ok {
				return nil, fmt.Errorf("field %s: unknown alias %q", k, s)
			}
			v = id
		}
		out[k] = v
	}
	return json.Marshal(out)
}

// recordingRemote forwards to the scripted remote and traces what the
// engine sent and pulled.
type recordingRemote struct {
	h *Harness
}

func (r *recordingRemote) Send(ctx context.Context, req remote.Request) (remote.Response, error) {
	resp, err := r.h.remote.Send(ctx, req)
	outcome := "ok"
	switch {
	case apperr.IsPermanent(err):
		outcome = "reject"
	case err != nil:
		outcome = "fail"
	}
	r.h.result.add(TraceEvent{
		Step:     r.h.step,
		Kind:     EventSend,
		Ref:      r.h.refOf(req.EntityLocalID),
		Action:   string(req.Action),
		Endpoint: req.Endpoint,
		Outcome:  outcome,
		ServerID: resp.ServerID,
	})
	return resp, err
}

func (r *recordingRemote) Pull(ctx context.Context, entityType, since string) (remote.Page, error) {
	page, err := r.h.remote.Pull(ctx, entityType, since)
	if err == nil && len(page.Records) > 0 {
		r.h.result.add(TraceEvent{
			Step:       r.h.step,
			Kind:       EventPage,
			EntityType: entityType,
			Since:      since,
			Records:    len(page.Records),
		})
	}
	return page, err
}

// countsOf returns the non-zero integer fields of v by JSON name.
func countsOf(v any, skip ...string) map[string]int {
	data, _ := json.Marshal(v)
	var fields map[string]any
	_ = json.Unmarshal(data, &fields)

	counts := map[string]int{}
	for k, f := range fields {
		n, ok := f.(float64)
		if !ok || n == 0 || slices.Contains(skip, k) {
			continue
		}
		counts[k] = int(n)
	}
	return counts
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatID(id *int64) string {
	if id == nil {
		return "none"
	}
	return fmt.Sprint(*id)
}
