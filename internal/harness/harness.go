package harness

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/rowmap/internal/model"
	"github.com/roach88/rowmap/internal/modelspec"
	"github.com/roach88/rowmap/internal/notify"
)

// Harness executes one scenario against a fresh database.
type Harness struct {
	db     *model.DB
	logger *slog.Logger

	// batches holds the contexts of open batching scopes, innermost last.
	batches []batchFrame
	// held keeps instances referenced so identity holds for the whole run.
	held map[string]*model.Instance

	mu     sync.Mutex
	seq    int64
	result *Result
}

type batchFrame struct {
	ctx   context.Context
	scope *notify.Scope[*model.Instance]
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Create the database and apply the schema
// 2. Register the scenario's models
// 3. Run setup statements
// 4. Execute flow steps, checking expected outcomes
// 5. Evaluate assertions against the trace, instances and tables
//
// Step and assertion failures are reported in the result; an error is
// returned only when the scenario cannot be set up.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	db, err := model.Open(ctx, model.Config{
		Path: ":memory:",
		SchemaBuilder: func(ctx context.Context, tx *sql.Tx, version *int) error {
			if *version < 1 {
				if _, err := tx.ExecContext(ctx, scenario.Schema); err != nil {
					return err
				}
				*version = 1
			}
			return nil
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	h := &Harness{
		db:     db,
		logger: logger,
		held:   make(map[string]*model.Instance),
		result: NewResult(),
	}
	defer h.close()

	if _, err := modelspec.Register(ctx, db, &modelspec.File{Models: scenario.Models}); err != nil {
		return nil, fmt.Errorf("failed to register models: %w", err)
	}
	for i, stmt := range scenario.Setup {
		if _, err := db.ExecuteUpdate(ctx, nil, false, stmt); err != nil {
			return nil, fmt.Errorf("setup statement %d: %w", i, err)
		}
	}

	db.Observe(notify.Filter{}, h.record)
	h.executeFlow(ctx, scenario.Flow)

	actx := &AssertionContext{Ctx: ctx, DB: db, Instances: h.held}
	for _, errMsg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(errMsg)
	}
	return h.result, nil
}

func (h *Harness) close() {
	h.held = nil
	h.batches = nil
	if _, err := h.db.Close(); err != nil {
		h.logger.Error("close database", "error", err)
	}
}

// record appends a delivered notification to the trace.
func (h *Harness) record(ev model.Event) {
	keys := make([]string, len(ev.Instances))
	for i, inst := range ev.Instances {
		keys[i] = fmt.Sprint(inst.Key())
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	h.result.AddTrace(TraceEvent{
		Seq:    h.seq,
		Kind:   string(ev.Kind),
		Model:  ev.Model,
		Keys:   keys,
		Fields: ev.ChangedFields,
	})
}

// context returns the innermost batching context, if any.
func (h *Harness) context(base context.Context) context.Context {
	if n := len(h.batches); n > 0 {
		return h.batches[n-1].ctx
	}
	return base
}

// executeFlow runs steps until one fails unexpectedly. Batches left open
// are ended with delivery.
func (h *Harness) executeFlow(base context.Context, flow []Step) {
	for i, step := range flow {
		if err := h.executeStep(h.context(base), step); err != nil {
			h.result.AddError(fmt.Sprintf("flow[%d] %s: %v", i, step.Op, err))
			break
		}
	}
	for len(h.batches) > 0 {
		h.endBatch(true)
	}
}

func (h *Harness) executeStep(ctx context.Context, step Step) error {
	switch step.Op {
	case OpFind:
		_, err := h.instance(ctx, step.Model, step.Key)
		return expectError(step, err)

	case OpSet:
		inst, err := h.instance(ctx, step.Model, step.Key)
		if err != nil {
			return err
		}
		fields := make([]string, 0, len(step.Values))
		for f := range step.Values {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			if err := inst.Set(f, step.Values[f]); err != nil {
				return expectError(step, err)
			}
		}
		return expectError(step, nil)

	case OpSave, OpDelete:
		inst, err := h.instance(ctx, step.Model, step.Key)
		if err != nil {
			return err
		}
		var res model.SaveResult
		if step.Op == OpSave {
			res, err = inst.Save(ctx)
		} else {
			res, err = inst.Delete(ctx)
		}
		return expectResult(step, res, err)

	case OpRevert:
		inst, err := h.instance(ctx, step.Model, step.Key)
		if err != nil {
			return err
		}
		inst.Revert()
		return nil

	case OpReload:
		inst, err := h.instance(ctx, step.Model, step.Key)
		if err != nil {
			return err
		}
		return expectError(step, inst.Reload(ctx))

	case OpReloadAll, OpExternal:
		models, err := h.models(step.Model)
		if err != nil {
			return err
		}
		if step.Op == OpReloadAll {
			return expectError(step, h.db.ReloadAll(ctx, models...))
		}
		return expectError(step, h.db.DataWasUpdatedExternally(ctx, models...))

	case OpExec:
		var m *model.Model
		if step.Model != "" {
			models, err := h.models(step.Model)
			if err != nil {
				return err
			}
			m = models[0]
		}
		_, err := h.db.ExecuteUpdate(ctx, m, step.Reload, step.SQL, step.Args...)
		return expectError(step, err)

	case OpBeginBatch:
		bctx, scope := h.db.BeginBatch(ctx)
		h.batches = append(h.batches, batchFrame{ctx: bctx, scope: scope})
		return nil

	case OpEndBatch:
		if len(h.batches) == 0 {
			return fmt.Errorf("no open batch")
		}
		h.endBatch(step.Deliver == nil || *step.Deliver)
		return nil
	}
	return fmt.Errorf("unknown op %q", step.Op)
}

func (h *Harness) endBatch(deliver bool) {
	n := len(h.batches)
	frame := h.batches[n-1]
	h.batches = h.batches[:n-1]
	frame.scope.End(deliver)
}

// instance finds and holds the instance for model and key.
func (h *Harness) instance(ctx context.Context, name string, key any) (*model.Instance, error) {
	handle := instanceHandle(name, key)
	if inst, ok := h.held[handle]; ok {
		return inst, nil
	}
	m, ok := h.db.Model(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownModel, name)
	}
	inst, err := m.Find(ctx, key)
	if err != nil {
		return nil, err
	}
	h.held[handle] = inst
	return inst, nil
}

// models resolves a model name; empty means every model.
func (h *Harness) models(name string) ([]*model.Model, error) {
	if name == "" {
		return h.db.Models(), nil
	}
	m, ok := h.db.Model(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownModel, name)
	}
	return []*model.Model{m}, nil
}

func instanceHandle(model string, key any) string {
	return fmt.Sprintf("%s#%v", model, key)
}

// expectError checks err against a step expecting "error" or success.
func expectError(step Step, err error) error {
	switch {
	case step.Expect == "error" && err == nil:
		return fmt.Errorf("expected an error")
	case step.Expect == "error":
		return nil
	case step.Expect != "":
		return fmt.Errorf("expect %q is only valid for save and delete", step.Expect)
	}
	return err
}

// expectResult checks a save or delete outcome.
func expectResult(step Step, res model.SaveResult, err error) error {
	switch step.Expect {
	case "":
		if err != nil {
			return err
		}
		return nil
	case "error":
		return expectError(step, err)
	}
	if res.String() != step.Expect {
		return fmt.Errorf("expected %s, got %s (error: %v)", step.Expect, res, err)
	}
	return nil
}
