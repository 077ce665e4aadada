// Package crmtest provides an in-memory CRM platform for tests.
package crmtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"crmsync/internal"
	"crmsync/internal/crm"
	"crmsync/internal/schema"
	"crmsync/internal/util"
)

// Operation names used by CallCount and Fail.
const (
	OpFind        = "find"
	OpFindMany    = "find_many"
	OpCreate      = "create"
	OpCreateBatch = "create_batch"
	OpFindDeal    = "find_deal"
	OpListDeals   = "list_deals"
	OpGetLines    = "get_lines"
	OpSetLines    = "set_lines"
	OpUpdateDeal  = "update_deal"
	OpDeleteDeal  = "delete_deal"
)

type Record struct {
	ID     internal.TargetID
	Fields internal.FieldSet
}

// Platform mimics the CRM operations used by the engine. It is safe for
// concurrent use.
type Platform struct {
	mu sync.Mutex

	schema  *schema.Schema
	nextID  internal.TargetID
	records map[internal.Kind][]Record
	lines   map[internal.TargetID][]internal.ProductLine

	calls      map[string]int
	batchSizes []int
	fail       map[string]error
	failIDs    map[string]map[internal.TargetID]error
	reject     func(kind internal.Kind, fields internal.FieldSet) error
}

func New(s *schema.Schema) *Platform {
	return &Platform{
		schema:  s,
		nextID:  1,
		records: map[internal.Kind][]Record{},
		lines:   map[internal.TargetID][]internal.ProductLine{},
		calls:   map[string]int{},
		fail:    map[string]error{},
		failIDs: map[string]map[internal.TargetID]error{},
	}
}

// Fail makes every later call of op return err. op may be narrowed to a kind
// as "create:card". A nil err clears the fault.
func (p *Platform) Fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, op)
		return
	}
	p.fail[op] = err
}

// FailFor makes op fail for one target id only (deal operations).
func (p *Platform) FailFor(op string, id internal.TargetID, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failIDs[op] == nil {
		p.failIDs[op] = map[internal.TargetID]error{}
	}
	p.failIDs[op][id] = err
}

// Reject installs a per-record validation hook for Create and CreateBatch.
func (p *Platform) Reject(fn func(kind internal.Kind, fields internal.FieldSet) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reject = fn
}

func (p *Platform) CallCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// BatchSizes returns the size of every CreateBatch call in order.
func (p *Platform) BatchSizes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.batchSizes...)
}

// Seed stores a record without counting a call.
func (p *Platform) Seed(kind internal.Kind, fields internal.FieldSet) internal.TargetID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insert(kind, fields)
}

// SeedDeal stores a deal with its lines under the given id.
func (p *Platform) SeedDeal(d internal.Deal, lines []internal.ProductLine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.mustEntity(internal.KindDeal)
	p.records[internal.KindDeal] = append(p.records[internal.KindDeal], Record{
		ID: d.ID,
		Fields: internal.FieldSet{
			e.KeyField:    d.ReceiptNumber,
			e.DateField:   d.SaleDate,
			e.AmountField: d.Amount,
		},
	})
	p.lines[d.ID] = append([]internal.ProductLine(nil), lines...)
	if d.ID >= p.nextID {
		p.nextID = d.ID + 1
	}
}

func (p *Platform) Records(kind internal.Kind) []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, len(p.records[kind]))
	for i, r := range p.records[kind] {
		out[i] = Record{ID: r.ID, Fields: r.Fields.Clone()}
	}
	return out
}

func (p *Platform) Fields(kind internal.Kind, id internal.TargetID) (internal.FieldSet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i := p.index(kind, id); i >= 0 {
		return p.records[kind][i].Fields.Clone(), true
	}
	return nil, false
}

func (p *Platform) Lines(dealID internal.TargetID) []internal.ProductLine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]internal.ProductLine(nil), p.lines[dealID]...)
}

func (p *Platform) Find(_ context.Context, kind internal.Kind, value string) internal.LookupResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hit(OpFind, kind); err != nil {
		return internal.TransientError(err)
	}
	e := p.mustEntity(kind)
	if id, ok := p.match(kind, e.KeyField, value); ok {
		return internal.Found(id)
	}
	return internal.NotFound()
}

func (p *Platform) FindMany(_ context.Context, kind internal.Kind, values []string) (map[string]internal.TargetID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hit(OpFindMany, kind); err != nil {
		return nil, err
	}
	e := p.mustEntity(kind)
	out := map[string]internal.TargetID{}
	for _, v := range values {
		key := util.NormalizeKey(v)
		if key == "" {
			continue
		}
		if id, ok := p.match(kind, e.KeyField, key); ok {
			out[key] = id
		}
	}
	return out, nil
}

func (p *Platform) Create(_ context.Context, kind internal.Kind, fields internal.FieldSet) (internal.TargetID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hit(OpCreate, kind); err != nil {
		return 0, err
	}
	if p.reject != nil {
		if err := p.reject(kind, fields); err != nil {
			return 0, err
		}
	}
	return p.insert(kind, fields), nil
}

func (p *Platform) CreateBatch(_ context.Context, kind internal.Kind, items []internal.FieldSet) ([]crm.BatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hit(OpCreateBatch, kind); err != nil {
		return nil, err
	}
	p.batchSizes = append(p.batchSizes, len(items))
	out := make([]crm.BatchResult, len(items))
	for i, fields := range items {
		if p.reject != nil {
			if err := p.reject(kind, fields); err != nil {
				out[i].Err = err
				continue
			}
		}
		out[i].ID = p.insert(kind, fields)
	}
	return out, nil
}

func (p *Platform) FindDeal(_ context.Context, key internal.DealKey) internal.LookupResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hit(OpFindDeal, internal.KindDeal); err != nil {
		return internal.TransientError(err)
	}
	for _, d := range p.deals() {
		if d.Key() == key {
			return internal.Found(d.ID)
		}
	}
	return internal.NotFound()
}

func (p *Platform) ListDeals(context.Context) ([]internal.Deal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hit(OpListDeals, internal.KindDeal); err != nil {
		return nil, err
	}
	return p.deals(), nil
}

func (p *Platform) GetProductLines(_ context.Context, dealID internal.TargetID) ([]internal.ProductLine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hitID(OpGetLines, dealID); err != nil {
		return nil, err
	}
	return append([]internal.ProductLine(nil), p.lines[dealID]...), nil
}

func (p *Platform) SetProductLines(_ context.Context, dealID internal.TargetID, lines []internal.ProductLine) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hitID(OpSetLines, dealID); err != nil {
		return err
	}
	if p.index(internal.KindDeal, dealID) < 0 {
		return fmt.Errorf("deal %d: %w", dealID, crm.ErrNotFound)
	}
	p.lines[dealID] = append([]internal.ProductLine(nil), lines...)
	return nil
}

func (p *Platform) UpdateDeal(_ context.Context, dealID internal.TargetID, fields internal.FieldSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hitID(OpUpdateDeal, dealID); err != nil {
		return err
	}
	i := p.index(internal.KindDeal, dealID)
	if i < 0 {
		return fmt.Errorf("deal %d: %w", dealID, crm.ErrNotFound)
	}
	for k, v := range fields {
		p.records[internal.KindDeal][i].Fields[k] = v
	}
	return nil
}

func (p *Platform) DeleteDeal(_ context.Context, dealID internal.TargetID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.hitID(OpDeleteDeal, dealID); err != nil {
		return err
	}
	i := p.index(internal.KindDeal, dealID)
	if i < 0 {
		return fmt.Errorf("deal %d: %w", dealID, crm.ErrNotFound)
	}
	deals := p.records[internal.KindDeal]
	p.records[internal.KindDeal] = append(deals[:i], deals[i+1:]...)
	delete(p.lines, dealID)
	return nil
}

// Deals returns the stored deals ordered by id.
func (p *Platform) Deals() []internal.Deal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deals()
}

func (p *Platform) deals() []internal.Deal {
	e := p.mustEntity(internal.KindDeal)
	out := make([]internal.Deal, 0, len(p.records[internal.KindDeal]))
	for _, r := range p.records[internal.KindDeal] {
		rec := internal.SourceRecord(r.Fields)
		amount, _ := util.ParseNumber(r.Fields[e.AmountField])
		out = append(out, internal.Deal{
			ID:            r.ID,
			ReceiptNumber: util.NormalizeKey(rec.String(e.KeyField)),
			SaleDate:      util.NormalizeKey(rec.String(e.DateField)),
			Amount:        amount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Platform) hit(op string, kind internal.Kind) error {
	p.calls[op]++
	if err, ok := p.fail[op+":"+string(kind)]; ok {
		return err
	}
	return p.fail[op]
}

func (p *Platform) hitID(op string, id internal.TargetID) error {
	if err := p.hit(op, internal.KindDeal); err != nil {
		return err
	}
	return p.failIDs[op][id]
}

func (p *Platform) insert(kind internal.Kind, fields internal.FieldSet) internal.TargetID {
	id := p.nextID
	p.nextID++
	p.records[kind] = append(p.records[kind], Record{ID: id, Fields: fields.Clone()})
	return id
}

func (p *Platform) match(kind internal.Kind, field, value string) (internal.TargetID, bool) {
	want := util.NormalizeKey(value)
	for _, r := range p.records[kind] {
		if util.NormalizeKey(internal.SourceRecord(r.Fields).String(field)) == want {
			return r.ID, true
		}
	}
	return 0, false
}

func (p *Platform) index(kind internal.Kind, id internal.TargetID) int {
	for i, r := range p.records[kind] {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (p *Platform) mustEntity(kind internal.Kind) *schema.Entity {
	e, err := p.schema.Entity(kind)
	if err != nil {
		panic(err)
	}
	return e
}
