package source

import (
	"context"
	"fmt"
	"time"

	"crmsync/internal"
	"crmsync/internal/schema"
	"crmsync/internal/util"
)

// TableFetcher is implemented by Client and by StaticFetcher in tests.
type TableFetcher interface {
	FetchTable(ctx context.Context, table string) ([]internal.SourceRecord, error)
}

// StaticFetcher serves tables from memory.
type StaticFetcher map[string][]internal.SourceRecord

func (f StaticFetcher) FetchTable(_ context.Context, table string) ([]internal.SourceRecord, error) {
	return f[table], nil
}

// Receipt is every purchase line sharing one (receipt_number, sale_date).
type Receipt struct {
	Key   internal.DealKey
	Lines []internal.SourceRecord
}

// Snapshot is the dataset of one run, fetched once and read-only afterwards.
type Snapshot struct {
	FetchedAt time.Time

	schema   *schema.Schema
	records  map[internal.Kind][]internal.SourceRecord
	byKey    map[internal.Kind]map[string]internal.SourceRecord
	receipts []Receipt
}

// Fetch downloads every table the schema names and indexes it.
func Fetch(ctx context.Context, f TableFetcher, s *schema.Schema) (*Snapshot, error) {
	tables := map[internal.Kind][]internal.SourceRecord{}
	for _, kind := range internal.Kinds {
		e, err := s.Entity(kind)
		if err != nil {
			return nil, err
		}
		if e.Table == "" {
			continue
		}
		records, err := f.FetchTable(ctx, e.Table)
		if err != nil {
			return nil, err
		}
		tables[kind] = records
	}
	return BuildSnapshot(s, tables, time.Now().UTC()), nil
}

func BuildSnapshot(s *schema.Schema, tables map[internal.Kind][]internal.SourceRecord, fetchedAt time.Time) *Snapshot {
	snap := &Snapshot{
		FetchedAt: fetchedAt,
		schema:    s,
		records:   map[internal.Kind][]internal.SourceRecord{},
		byKey:     map[internal.Kind]map[string]internal.SourceRecord{},
	}

	for _, kind := range internal.Kinds {
		if kind == internal.KindDeal {
			continue
		}
		e, err := s.Entity(kind)
		if err != nil {
			continue
		}
		idx := map[string]internal.SourceRecord{}
		for _, rec := range tables[kind] {
			key := util.NormalizeKey(rec.String(e.SourceKey))
			if key == "" {
				// created without lookup; the mapper reports the empty key
				snap.records[kind] = append(snap.records[kind], rec)
				continue
			}
			if _, dup := idx[key]; dup {
				continue
			}
			idx[key] = rec
			snap.records[kind] = append(snap.records[kind], rec)
		}
		snap.byKey[kind] = idx
	}

	snap.deriveSynthesized()
	snap.groupReceipts(tables[internal.KindDeal])
	return snap
}

// deriveSynthesized fills kinds without a table (brands) from the relation
// attributes that reference them.
func (s *Snapshot) deriveSynthesized() {
	for _, kind := range internal.Kinds {
		e, err := s.schema.Entity(kind)
		if err != nil || e.Table != "" || !e.Synthesize {
			continue
		}
		idx := map[string]internal.SourceRecord{}
		for _, owner := range internal.Kinds {
			oe, err := s.schema.Entity(owner)
			if err != nil {
				continue
			}
			rel, ok := oe.Relation(kind)
			if !ok {
				continue
			}
			for _, rec := range s.records[owner] {
				key := util.NormalizeKey(rec.String(rel.Source))
				if key == "" {
					continue
				}
				if _, dup := idx[key]; dup {
					continue
				}
				synth := internal.SourceRecord{e.SourceKey: key}
				idx[key] = synth
				s.records[kind] = append(s.records[kind], synth)
			}
		}
		s.byKey[kind] = idx
	}
}

func (s *Snapshot) groupReceipts(purchases []internal.SourceRecord) {
	deal, err := s.schema.Entity(internal.KindDeal)
	if err != nil {
		return
	}
	pos := map[internal.DealKey]int{}
	for _, rec := range purchases {
		key := internal.DealKey{
			ReceiptNumber: util.NormalizeKey(rec.String(deal.SourceKey)),
			SaleDate:      util.NormalizeKey(rec.String(deal.DateSource)),
		}
		if key.Empty() {
			// kept on its own so the deal upsert can report it
			s.receipts = append(s.receipts, Receipt{Key: key, Lines: []internal.SourceRecord{rec}})
			continue
		}
		i, ok := pos[key]
		if !ok {
			i = len(s.receipts)
			pos[key] = i
			s.receipts = append(s.receipts, Receipt{Key: key})
		}
		s.receipts[i].Lines = append(s.receipts[i].Lines, rec)
	}
}

// Hint returns the dataset record for a natural key. Kinds marked synthesize
// always yield a record built from the key.
func (s *Snapshot) Hint(key internal.NaturalKey) (internal.SourceRecord, bool) {
	if s == nil {
		return nil, false
	}
	value := util.NormalizeKey(key.Value)
	if rec, ok := s.byKey[key.Kind][value]; ok {
		return rec, true
	}
	e, err := s.schema.Entity(key.Kind)
	if err != nil || !e.Synthesize || value == "" {
		return nil, false
	}
	return internal.SourceRecord{e.SourceKey: value}, true
}

// Records returns the deduplicated records of kind in dataset order. Records
// without a natural key are all kept.
func (s *Snapshot) Records(kind internal.Kind) []internal.SourceRecord {
	return s.records[kind]
}

// Receipts returns purchase records grouped by receipt, in order of first
// appearance. A purchase missing its number or sale date is a receipt of its
// own with an incomplete key.
func (s *Snapshot) Receipts() []Receipt {
	return s.receipts
}

// RecentReceipts returns the receipts sold at or after since. Receipts whose
// date does not parse are left out.
func (s *Snapshot) RecentReceipts(since time.Time) ([]Receipt, error) {
	deal, err := s.schema.Entity(internal.KindDeal)
	if err != nil {
		return nil, err
	}
	layout := deal.DateLayout()
	out := make([]Receipt, 0)
	for _, r := range s.receipts {
		sold, err := time.ParseInLocation(layout, r.Key.SaleDate, since.Location())
		if err != nil {
			continue
		}
		if !sold.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Counts reports the number of records per kind plus receipts.
func (s *Snapshot) Counts() map[string]int {
	out := map[string]int{}
	for kind, records := range s.records {
		out[string(kind)] = len(records)
	}
	out["receipts"] = len(s.receipts)
	return out
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("snapshot(%s, %d receipts)", s.FetchedAt.Format(time.RFC3339), len(s.receipts))
}
