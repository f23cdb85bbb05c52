// Package actions implements the process-wide action catalog. Actions are
// named executors with declared parameter lists; every invocation persists
// its result so that a replay with the same idempotency key returns the
// stored outcome without re-invoking the body.
package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/flow/runtime/workflow"
)

type (
	// Param declares one action parameter.
	Param struct {
		// Name is the parameter key in the invocation parameters.
		Name string
		// Description is authoring metadata.
		Description string
		// Required rejects invocations that omit the parameter and have no
		// default.
		Required bool
		// Default fills the parameter when absent.
		Default any
	}

	// Input carries everything an executor needs for one invocation.
	Input struct {
		// Params are the validated, default-filled parameters.
		Params map[string]any
		// Call is the runtime invocation context.
		Call workflow.ActionCall
	}

	// Executor is an action body. Errors are surfaced to the caller
	// unchanged; whether to retry is the caller's choice.
	Executor func(ctx context.Context, in Input) (any, error)

	// IsolationLevel hints the transaction isolation for transactional
	// actions. Backends map it to their nearest equivalent.
	IsolationLevel string

	// Transactor runs a function transactionally on behalf of transactional
	// actions. The transaction commits iff fn returns nil. The open
	// transaction travels in ctx, the idiom the persistence backends use.
	Transactor interface {
		InTransaction(ctx context.Context, isolation IsolationLevel, fn func(ctx context.Context) error) error
	}

	// Info describes a cataloged action.
	Info struct {
		Name        string
		Description string
		Parameters  []Param
	}

	// Options configures a Registry.
	Options struct {
		// Results persists per-invocation outcomes. Required.
		Results workflow.ResultStore
		// Transactor backs transactional actions. Optional; registering a
		// transactional action without one fails.
		Transactor Transactor
	}

	// Registry is the process-wide catalog mapping action name to executor.
	// It implements workflow.ActionRegistry.
	Registry struct {
		results    workflow.ResultStore
		transactor Transactor

		mu      sync.RWMutex
		actions map[string]*entry
	}

	entry struct {
		info Info
		exec Executor
	}
)

// Isolation levels understood by Transactor implementations.
const (
	IsolationDefault      IsolationLevel = "default"
	IsolationSerializable IsolationLevel = "serializable"
)

// New validates opts and returns an empty Registry.
func New(opts Options) (*Registry, error) {
	if opts.Results == nil {
		return nil, fmt.Errorf("result store is required: %w", workflow.ErrConfig)
	}
	return &Registry{
		results:    opts.Results,
		transactor: opts.Transactor,
		actions:    make(map[string]*entry),
	}, nil
}

// Register catalogs an action. Registering a duplicate name overwrites.
func (r *Registry) Register(name, description string, params []Param, exec Executor) error {
	if name == "" {
		return workflow.Validationf("action name is required")
	}
	if exec == nil {
		return workflow.Validationf("action %q has no executor", name)
	}
	r.mu.Lock()
	r.actions[name] = &entry{
		info: Info{Name: name, Description: description, Parameters: params},
		exec: exec,
	}
	r.mu.Unlock()
	return nil
}

// RegisterTransactional catalogs an action whose executor runs inside an
// open transaction with the requested isolation; the transaction commits iff
// the executor returns without error.
func (r *Registry) RegisterTransactional(name string, params []Param, isolation IsolationLevel, exec Executor) error {
	if r.transactor == nil {
		return fmt.Errorf("transactional action %q requires a transactor: %w", name, workflow.ErrConfig)
	}
	if isolation == "" {
		isolation = IsolationDefault
	}
	transactor := r.transactor
	wrapped := func(ctx context.Context, in Input) (any, error) {
		var out any
		err := transactor.InTransaction(ctx, isolation, func(ctx context.Context) error {
			var err error
			out, err = exec(ctx, in)
			return err
		})
		return out, err
	}
	return r.Register(name, "", params, wrapped)
}

// List returns the catalog sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.actions))
	for _, e := range r.actions {
		infos = append(infos, e.info)
	}
	r.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Execute validates parameters and performs the persisted-result protocol:
// an existing completed result for the call's idempotency key is returned
// without invoking the executor; otherwise a ready row is inserted, the
// executor runs, and success or failure is recorded.
func (r *Registry) Execute(ctx context.Context, name string, call workflow.ActionCall) (any, error) {
	r.mu.RLock()
	e, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, workflow.NotFoundf("action %q", name)
	}
	params, err := resolveParams(e.info.Parameters, call.Params)
	if err != nil {
		return nil, fmt.Errorf("action %q: %w", name, err)
	}
	key := call.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("%s-%s-%d-%s", call.ExecutionID, name, time.Now().UnixMilli(), uuid.NewString()[:8])
	}

	existing, err := r.results.FindResultByKey(ctx, call.Tenant, key)
	switch {
	case err == nil && existing.CompletedAt != nil:
		if existing.Success {
			log.Debugf(ctx, "action %s replayed from stored result (key %s)", name, key)
			return existing.Result, nil
		}
		return nil, fmt.Errorf("action %q previously failed: %s", name, existing.ErrorMessage)
	case err != nil && !workflow.IsNotFound(err):
		return nil, fmt.Errorf("look up action result: %w", err)
	}

	now := time.Now().UTC()
	res := workflow.ActionResult{
		Tenant:         call.Tenant,
		ResultID:       uuid.NewString(),
		ExecutionID:    call.ExecutionID,
		EventID:        call.EventID,
		ActionName:     name,
		IdempotencyKey: key,
		Parameters:     params,
		ReadyToExecute: true,
	}
	if err := r.results.InsertResult(ctx, res); err != nil {
		if workflow.IsConflict(err) {
			// Lost the race to a concurrent invocation with the same key.
			winner, ferr := r.results.FindResultByKey(ctx, call.Tenant, key)
			if ferr == nil && winner.CompletedAt != nil && winner.Success {
				return winner.Result, nil
			}
			return nil, workflow.Conflictf("action %q invocation %s already in flight", name, key)
		}
		return nil, fmt.Errorf("insert action result: %w", err)
	}

	res.StartedAt = &now
	res.ReadyToExecute = false
	if err := r.results.UpdateResult(ctx, res); err != nil {
		return nil, fmt.Errorf("mark action started: %w", err)
	}

	out, execErr := e.exec(ctx, Input{Params: params, Call: call})
	done := time.Now().UTC()
	res.CompletedAt = &done
	if execErr != nil {
		res.Success = false
		res.ErrorMessage = execErr.Error()
		if err := r.results.UpdateResult(ctx, res); err != nil {
			log.Errorf(ctx, err, "record action %s failure", name)
		}
		return nil, execErr
	}
	res.Success = true
	res.Result = out
	if err := r.results.UpdateResult(ctx, res); err != nil {
		log.Errorf(ctx, err, "record action %s result", name)
	}
	return out, nil
}

// resolveParams validates the caller parameters against the declaration and
// fills defaults. A required parameter with no value and no default is a
// permanent validation error.
func resolveParams(decl []Param, supplied map[string]any) (map[string]any, error) {
	params := make(map[string]any, len(supplied))
	for k, v := range supplied {
		params[k] = v
	}
	for _, p := range decl {
		if _, ok := params[p.Name]; ok {
			continue
		}
		if p.Default != nil {
			params[p.Name] = p.Default
			continue
		}
		if p.Required {
			return nil, workflow.Validationf("missing required parameter %q", p.Name)
		}
	}
	return params, nil
}
