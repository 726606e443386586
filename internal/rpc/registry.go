package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/parcel-forwarding-backend/internal/observability"
)

// Caller is the authenticated principal invoking a procedure.
type Caller struct {
	UserID string
	Email  string
	Admin  bool
}

// Handler runs one procedure with raw JSON arguments.
type Handler func(ctx context.Context, c Caller, args json.RawMessage) (any, error)

// Procedure is a named, registered Handler.
type Procedure struct {
	Name      string
	AdminOnly bool
	Handler   Handler
}

// Registry dispatches calls by procedure name.
type Registry struct {
	procs map[string]Procedure
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]Procedure)}
}

// Register adds p, replacing any procedure of the same name.
func (r *Registry) Register(p Procedure) {
	r.procs[p.Name] = p
}

// Names lists registered procedures in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.procs))
	for n := range r.procs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Call invokes procedure name. Every failure is returned as an *Error.
func (r *Registry) Call(ctx context.Context, c Caller, name string, args json.RawMessage) (any, error) {
	start := time.Now()
	out, err := r.call(ctx, c, name, args)

	outcome := "ok"
	if err != nil {
		outcome = string(err.Kind)
		ev := log.Ctx(ctx).Warn()
		if err.Kind == KindInternal {
			ev = log.Ctx(ctx).Error()
		}
		ev.Str("procedure", name).Str("code", err.Code).Dur("took", time.Since(start)).Msg(err.Message)
		if _, known := r.procs[name]; !known {
			name = "unknown"
		}
		observability.RPCCalls.WithLabelValues(name, outcome).Inc()
		return nil, err
	}
	observability.RPCCalls.WithLabelValues(name, outcome).Inc()
	return out, nil
}

func (r *Registry) call(ctx context.Context, c Caller, name string, args json.RawMessage) (any, *Error) {
	p, ok := r.procs[name]
	if !ok {
		return nil, newErr(KindNotFound, CodeUnknownProcedure, "unknown procedure %q", name)
	}
	if c.UserID == "" {
		return nil, &Error{Kind: KindUnauthorized, Code: CodeUnauthorized, Message: "authentication required"}
	}
	if p.AdminOnly && !c.Admin {
		return nil, forbidden()
	}

	ctx, span := observability.StartSpan(ctx, "rpc."+name)
	out, err := p.Handler(ctx, c, args)
	observability.EndSpan(span, err)
	if err != nil {
		return nil, AsError(err)
	}
	return out, nil
}

// decode unmarshals args into dst, rejecting unknown fields, then runs the
// struct's `binding` validation tags.
func decode(args json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalid("malformed arguments: %v", err)
	}
	if err := binding.Validator.ValidateStruct(dst); err != nil {
		return invalid("%v", err)
	}
	return nil
}
