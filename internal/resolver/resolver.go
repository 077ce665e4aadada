package resolver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"crmsync/internal"
	"crmsync/internal/mapper"
	"crmsync/internal/schema"
	"crmsync/internal/util"
)

// Platform is the part of the CRM the resolver needs.
type Platform interface {
	Find(ctx context.Context, kind internal.Kind, value string) internal.LookupResult
	Create(ctx context.Context, kind internal.Kind, fields internal.FieldSet) (internal.TargetID, error)
}

// Hints supplies dataset records by natural key. *source.Snapshot implements it.
type Hints interface {
	Hint(key internal.NaturalKey) (internal.SourceRecord, bool)
}

type MediaFetcher interface {
	Fetch(ctx context.Context, url string) (internal.Attachment, error)
}

type State int

const (
	StateUnresolved State = iota
	StateResolving
	StateResolved
	StateAbsent
	// StateError: the remote find failed. Callers see it as StateAbsent.
	StateError
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	case StateAbsent:
		return "absent"
	case StateError:
		return "error"
	default:
		return "unresolved"
	}
}

type entry struct {
	state State
	id    internal.TargetID
	err   error
}

// Resolution is the outcome of resolving one natural key. State is either
// StateResolved or StateAbsent.
type Resolution struct {
	Key     internal.NaturalKey
	State   State
	ID      internal.TargetID
	Created bool
}

func (r Resolution) OK() bool { return r.State == StateResolved }

// IDPtr returns the id, or nil when the key is absent.
func (r Resolution) IDPtr() *internal.TargetID {
	if !r.OK() {
		return nil
	}
	return internal.TargetIDPtr(r.ID)
}

type Stats struct {
	Hits    int
	Finds   int
	Creates int
	Absent  int
	Errors  int
}

// Resolver maps natural keys to CRM ids for one run. Resolved and absent keys
// are memoized; the next run starts empty and asks the CRM again. It is not
// safe for concurrent use.
type Resolver struct {
	mapper   *mapper.Mapper
	platform Platform
	hints    Hints
	media    MediaFetcher
	audit    internal.AuditSink
	logger   *zap.Logger

	cache map[internal.NaturalKey]*entry
	stats Stats
}

type Option func(*Resolver)

func WithMedia(m MediaFetcher) Option { return func(r *Resolver) { r.media = m } }

func WithAudit(a internal.AuditSink) Option { return func(r *Resolver) { r.audit = a } }

func WithLogger(l *zap.Logger) Option { return func(r *Resolver) { r.logger = l } }

func New(m *mapper.Mapper, p Platform, hints Hints, opts ...Option) *Resolver {
	r := &Resolver{
		mapper:   m,
		platform: p,
		hints:    hints,
		audit:    internal.DiscardAudit,
		logger:   zap.NewNop(),
		cache:    map[internal.NaturalKey]*entry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("resolver")
	return r
}

func (r *Resolver) Schema() *schema.Schema { return r.mapper.Schema() }

func (r *Resolver) Stats() Stats { return r.stats }

// Resolve returns the id of key, creating the entity from the dataset hint
// when the CRM has none. A failed find is handled exactly like a miss.
func (r *Resolver) Resolve(ctx context.Context, key internal.NaturalKey) Resolution {
	key.Value = util.NormalizeKey(key.Value)
	if key.Value == "" {
		return Resolution{Key: key, State: StateAbsent}
	}
	if res, ok := r.cached(key); ok {
		return res
	}

	r.cache[key] = &entry{state: StateResolving}
	if res, ok := r.find(ctx, key); ok {
		return res
	}

	var hint internal.SourceRecord
	hinted := false
	if r.hints != nil {
		hint, hinted = r.hints.Hint(key)
	}
	if !hinted {
		r.markAbsent(key)
		r.stats.Absent++
		r.audit.Record(ctx, internal.AuditEvent{
			Type:       internal.AuditMappingError,
			EntityType: key.Kind,
			EntityID:   key.Value,
			Message:    "natural key not found and no data to create it",
		})
		return Resolution{Key: key, State: StateAbsent}
	}

	id, err := r.create(ctx, key, hint)
	if err != nil {
		r.cache[key] = &entry{state: StateError, err: err}
		r.stats.Absent++
		r.logger.Warn("relation create failed", zap.String("key", key.String()), zap.Error(err))
		r.audit.Record(ctx, internal.AuditEvent{
			Type:       internal.AuditGeneralError,
			EntityType: key.Kind,
			EntityID:   key.Value,
			Message:    err.Error(),
		})
		return Resolution{Key: key, State: StateAbsent}
	}
	return Resolution{Key: key, State: StateResolved, ID: id, Created: true}
}

// Ensure finds or creates the entity described by rec itself. A record
// without a natural key cannot be looked up and is created unconditionally.
func (r *Resolver) Ensure(ctx context.Context, kind internal.Kind, rec internal.SourceRecord) (Resolution, error) {
	e, err := r.Schema().Entity(kind)
	if err != nil {
		return Resolution{State: StateAbsent}, err
	}
	key := internal.NaturalKey{Kind: kind, Value: util.NormalizeKey(rec.String(e.SourceKey))}

	if key.Value != "" {
		prior, known := r.cache[key]
		switch {
		case known && prior.state == StateResolved:
			r.stats.Hits++
			return Resolution{Key: key, State: StateResolved, ID: prior.id}, nil
		case known && prior.state == StateAbsent:
			// confirmed missing earlier in this run
		default:
			r.cache[key] = &entry{state: StateResolving}
			if res, ok := r.find(ctx, key); ok {
				return res, nil
			}
		}
	}

	id, err := r.create(ctx, key, rec)
	if err != nil {
		if key.Value != "" {
			r.cache[key] = &entry{state: StateError, err: err}
		}
		return Resolution{Key: key, State: StateAbsent}, err
	}
	return Resolution{Key: key, State: StateResolved, ID: id, Created: true}, nil
}

// Remember seeds the cache with an id learned elsewhere (batch results).
func (r *Resolver) Remember(key internal.NaturalKey, id internal.TargetID) {
	key.Value = util.NormalizeKey(key.Value)
	if key.Value == "" || id <= 0 {
		return
	}
	r.cache[key] = &entry{state: StateResolved, id: id}
}

// Known returns the id cached for key without asking the CRM.
func (r *Resolver) Known(key internal.NaturalKey) (internal.TargetID, bool) {
	key.Value = util.NormalizeKey(key.Value)
	if e, ok := r.cache[key]; ok && e.state == StateResolved {
		return e.id, true
	}
	return 0, false
}

// Lookup reports what is known about key without creating anything. Unknown
// keys are looked up remotely; only matches are cached.
func (r *Resolver) Lookup(ctx context.Context, key internal.NaturalKey) internal.LookupResult {
	key.Value = util.NormalizeKey(key.Value)
	if key.Value == "" {
		return internal.NotFound()
	}
	if e, ok := r.cache[key]; ok {
		switch e.state {
		case StateResolved:
			r.stats.Hits++
			return internal.Found(e.id)
		case StateError:
			return internal.TransientError(e.err)
		case StateAbsent:
			return internal.NotFound()
		}
	}
	r.stats.Finds++
	res := r.platform.Find(ctx, key.Kind, key.Value)
	if res.Status == internal.LookupFound {
		r.cache[key] = &entry{state: StateResolved, id: res.ID}
	}
	return res
}

// Linked resolves the relation to target declared on the dataset record of
// key, e.g. the client of a card.
func (r *Resolver) Linked(ctx context.Context, key internal.NaturalKey, target internal.Kind) Resolution {
	e, err := r.Schema().Entity(key.Kind)
	if err != nil || r.hints == nil {
		return Resolution{State: StateAbsent}
	}
	rel, ok := e.Relation(target)
	if !ok {
		return Resolution{State: StateAbsent}
	}
	rec, ok := r.hints.Hint(key)
	if !ok {
		return Resolution{State: StateAbsent}
	}
	return r.Resolve(ctx, internal.NaturalKey{Kind: target, Value: rec.String(rel.Source)})
}

// FieldsFor maps rec and fills in its declared relations and images. Mapping
// warnings are audited. Unresolved relations and failed images leave their
// field empty and never fail the record.
func (r *Resolver) FieldsFor(ctx context.Context, kind internal.Kind, rec internal.SourceRecord) (internal.FieldSet, []mapper.Warning) {
	fields, warnings := r.mapper.Map(kind, rec)
	e, err := r.Schema().Entity(kind)
	if err != nil {
		return fields, warnings
	}
	entityID := util.NormalizeKey(rec.String(e.SourceKey))
	r.reportWarnings(ctx, kind, entityID, warnings)

	for _, rel := range e.Relations {
		value := util.NormalizeKey(rec.String(rel.Source))
		if value == "" {
			continue
		}
		res := r.Resolve(ctx, internal.NaturalKey{Kind: rel.Kind, Value: value})
		if res.OK() {
			fields[rel.Target] = res.ID
			continue
		}
		auditType := rel.MissingAudit
		if auditType == "" {
			auditType = internal.AuditMappingError
		}
		r.logger.Info("relation left empty",
			zap.String("kind", string(kind)), zap.String("key", entityID),
			zap.String("relation", string(rel.Kind)), zap.String("value", value))
		r.audit.Record(ctx, internal.AuditEvent{
			Type:       auditType,
			EntityType: kind,
			EntityID:   entityID,
			Message:    fmt.Sprintf("%s %q not resolved, %s left empty", rel.Kind, value, rel.Target),
			Context:    map[string]any{"relation": string(rel.Kind), "value": value},
		})
	}

	r.attachImages(ctx, e, entityID, rec, fields)
	return fields, warnings
}

// Map maps rec without resolving relations or recording anything.
func (r *Resolver) Map(kind internal.Kind, rec internal.SourceRecord) internal.FieldSet {
	fields, _ := r.mapper.Map(kind, rec)
	return fields
}

// Diagnose maps rec only to audit its warnings. It is used for records that
// already exist and so never pass through FieldsFor.
func (r *Resolver) Diagnose(ctx context.Context, kind internal.Kind, rec internal.SourceRecord) []mapper.Warning {
	warnings := r.mapper.Diagnose(kind, rec)
	entityID := ""
	if e, err := r.Schema().Entity(kind); err == nil {
		entityID = util.NormalizeKey(rec.String(e.SourceKey))
	}
	r.reportWarnings(ctx, kind, entityID, warnings)
	return warnings
}

func (r *Resolver) attachImages(ctx context.Context, e *schema.Entity, entityID string, rec internal.SourceRecord, fields internal.FieldSet) {
	if r.media == nil {
		return
	}
	for i, src := range e.Images.Sources {
		url := rec.String(src)
		if url == "" {
			continue
		}
		att, err := r.media.Fetch(ctx, url)
		if err != nil {
			r.logger.Warn("image fetch failed", zap.String("key", entityID), zap.String("url", url), zap.Error(err))
			r.audit.Record(ctx, internal.AuditEvent{
				Type:       internal.AuditPhotoError,
				EntityType: e.Kind,
				EntityID:   entityID,
				Message:    err.Error(),
				Context:    map[string]any{"url": url},
			})
			continue
		}
		fields[e.Images.Fields[i]] = att
	}
}

func (r *Resolver) reportWarnings(ctx context.Context, kind internal.Kind, entityID string, warnings []mapper.Warning) {
	for _, w := range warnings {
		r.audit.Record(ctx, internal.AuditEvent{
			Type:       w.AuditType(),
			EntityType: kind,
			EntityID:   entityID,
			Message:    w.Message,
			Context:    map[string]any{"field": w.Field, "warning": string(w.Kind)},
		})
	}
}

func (r *Resolver) cached(key internal.NaturalKey) (Resolution, bool) {
	e, ok := r.cache[key]
	if !ok {
		return Resolution{}, false
	}
	switch e.state {
	case StateResolved:
		r.stats.Hits++
		return Resolution{Key: key, State: StateResolved, ID: e.id}, true
	case StateAbsent, StateError:
		r.stats.Hits++
		return Resolution{Key: key, State: StateAbsent}, true
	case StateResolving:
		// re-entered through a relation cycle
		return Resolution{Key: key, State: StateAbsent}, true
	}
	return Resolution{}, false
}

// find asks the CRM once. A transient error is logged and reported as a miss.
func (r *Resolver) find(ctx context.Context, key internal.NaturalKey) (Resolution, bool) {
	r.stats.Finds++
	res := r.platform.Find(ctx, key.Kind, key.Value)
	switch res.Status {
	case internal.LookupFound:
		r.cache[key] = &entry{state: StateResolved, id: res.ID}
		return Resolution{Key: key, State: StateResolved, ID: res.ID}, true
	case internal.LookupTransientError:
		r.stats.Errors++
		r.cache[key] = &entry{state: StateError, err: res.Err}
		r.logger.Warn("find failed, treating as not found", zap.String("key", key.String()), zap.Error(res.Err))
	}
	return Resolution{}, false
}

func (r *Resolver) markAbsent(key internal.NaturalKey) {
	if e, ok := r.cache[key]; ok && e.state == StateError {
		return
	}
	r.cache[key] = &entry{state: StateAbsent}
}

func (r *Resolver) create(ctx context.Context, key internal.NaturalKey, rec internal.SourceRecord) (internal.TargetID, error) {
	fields, _ := r.FieldsFor(ctx, key.Kind, rec)
	id, err := r.platform.Create(ctx, key.Kind, fields)
	if err != nil {
		return 0, err
	}
	r.stats.Creates++
	if key.Value != "" {
		r.cache[key] = &entry{state: StateResolved, id: id}
	}
	r.logger.Debug("created", zap.String("key", key.String()), zap.String("target_id", id.String()))
	return id, nil
}
