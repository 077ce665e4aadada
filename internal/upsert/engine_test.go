package upsert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crmsync/internal"
	"crmsync/internal/audit"
	"crmsync/internal/crm/crmtest"
	"crmsync/internal/mapper"
	"crmsync/internal/resolver"
	"crmsync/internal/schema"
	"crmsync/internal/source"
)

type fixture struct {
	schema   *schema.Schema
	platform *crmtest.Platform
	snapshot *source.Snapshot
	audit    *audit.Memory
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := schema.Default()
	require.NoError(t, err)

	f := &fixture{
		schema:   s,
		platform: crmtest.New(s),
		audit:    &audit.Memory{},
		snapshot: source.BuildSnapshot(s, map[internal.Kind][]internal.SourceRecord{
			internal.KindWarehouse: {{"code": "W12", "name": "Main street"}},
			internal.KindClient:    {{"code": "C1", "first_name": "Anna"}},
			internal.KindCard:      {{"number": "4000", "client_code": "C1"}},
			internal.KindProduct:   {{"code": "I1", "name": "Ring-45", "price": "990", "brand": "Sokolov"}},
		}, time.Now()),
	}
	f.engine = f.newEngine()
	return f
}

// newEngine starts a fresh run against the same platform.
func (f *fixture) newEngine() *Engine {
	r := resolver.New(mapper.New(f.schema), f.platform, f.snapshot, resolver.WithAudit(f.audit))
	return New(r, f.platform, f.audit, zap.NewNop())
}

func purchase(item string, qty, price, amount string) internal.SourceRecord {
	rec := internal.SourceRecord{
		"receipt_number": "R-100",
		"sale_date":      "2024-05-01 10:00:00",
		"item_name":      item,
		"quantity":       qty,
		"price":          price,
		"card_number":    "4000",
		"warehouse_code": "W12",
	}
	if amount != "" {
		rec["amount"] = amount
	}
	return rec
}

func TestUpsertDealIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.engine.UpsertDeal(ctx, []internal.SourceRecord{
		purchase("Ring-45", "2", "990", "1980"),
		purchase("Ring-45", "1", "990", ""),
	})
	require.NotNil(t, first)

	deals := f.platform.Deals()
	require.Len(t, deals, 1)
	assert.Equal(t, *first, deals[0].ID)
	assert.Equal(t, "R-100", deals[0].ReceiptNumber)
	assert.Equal(t, "2024-05-01T10:00:00", deals[0].SaleDate)
	assert.InDelta(t, 2970.0, deals[0].Amount, 0.001)
	assert.Len(t, f.platform.Lines(*first), 2)

	// the next run sees a corrected receipt
	second := f.newEngine().UpsertDeal(ctx, []internal.SourceRecord{
		purchase("Ring-45", "1", "990", "990"),
	})
	require.NotNil(t, second)
	assert.Equal(t, *first, *second)

	deals = f.platform.Deals()
	require.Len(t, deals, 1)
	assert.InDelta(t, 990.0, deals[0].Amount, 0.001)
	lines := f.platform.Lines(*first)
	require.Len(t, lines, 1)
	assert.Equal(t, 1.0, lines[0].Quantity)

	success := f.audit.ByType(internal.AuditSuccess)
	var actions []any
	for _, ev := range success {
		if ev.EntityType == internal.KindDeal {
			actions = append(actions, ev.Context["action"])
		}
	}
	assert.Equal(t, []any{"created", "updated"}, actions)
}

func TestUpsertDealLinksRelations(t *testing.T) {
	f := newFixture(t)

	id := f.engine.UpsertDeal(context.Background(), []internal.SourceRecord{purchase("Ring-45", "1", "990", "")})
	require.NotNil(t, id)

	fields, ok := f.platform.Fields(internal.KindDeal, *id)
	require.True(t, ok)

	clients := f.platform.Records(internal.KindClient)
	cards := f.platform.Records(internal.KindCard)
	warehouses := f.platform.Records(internal.KindWarehouse)
	require.Len(t, clients, 1)
	require.Len(t, cards, 1)
	require.Len(t, warehouses, 1)

	assert.Equal(t, clients[0].ID, fields["CONTACT_ID"])
	assert.Equal(t, cards[0].ID, fields["UF_CRM_CARD"])
	assert.Equal(t, warehouses[0].ID, fields["UF_CRM_WAREHOUSE"])
	assert.Equal(t, "WON", fields["STAGE_ID"])
	assert.Equal(t, "2024-05-01", fields["CLOSEDATE"])

	products := f.platform.Records(internal.KindProduct)
	require.Len(t, products, 1)
	assert.Equal(t, []internal.ProductLine{{ProductID: products[0].ID, Quantity: 1, Price: 990}}, f.platform.Lines(*id))
}

func TestUpsertDealDropsUnknownProductLine(t *testing.T) {
	f := newFixture(t)

	id := f.engine.UpsertDeal(context.Background(), []internal.SourceRecord{
		purchase("Ring-45", "1", "990", ""),
		purchase("Chain", "2", "250,50", ""),
	})
	require.NotNil(t, id)

	assert.Len(t, f.platform.Lines(*id), 1)
	deals := f.platform.Deals()
	require.Len(t, deals, 1)
	assert.InDelta(t, 1491.0, deals[0].Amount, 0.001)

	missing := f.audit.ByType(internal.AuditMappingError)
	require.Len(t, missing, 1)
	assert.Equal(t, internal.KindProduct, missing[0].EntityType)
	assert.Equal(t, "Chain", missing[0].EntityID)
}

func TestUpsertDealTransientFindFails(t *testing.T) {
	f := newFixture(t)
	f.platform.Fail(crmtest.OpFindDeal, errors.New("gateway timeout"))

	id := f.engine.UpsertDeal(context.Background(), []internal.SourceRecord{purchase("Ring-45", "1", "990", "")})
	assert.Nil(t, id)
	assert.Empty(t, f.platform.Deals())

	failed := f.audit.ByType(internal.AuditGeneralError)
	require.Len(t, failed, 1)
	assert.Equal(t, internal.KindDeal, failed[0].EntityType)
	assert.Contains(t, failed[0].Message, "gateway timeout")
}

func TestUpsertDealCreateFailure(t *testing.T) {
	f := newFixture(t)
	f.platform.Fail(crmtest.OpCreate+":deal", errors.New("rejected"))

	id := f.engine.UpsertDeal(context.Background(), []internal.SourceRecord{purchase("Ring-45", "1", "990", "")})
	assert.Nil(t, id)
	assert.Empty(t, f.platform.Deals())
	assert.Len(t, f.audit.ByType(internal.AuditGeneralError), 1)
	assert.Equal(t, 0, f.platform.CallCount(crmtest.OpSetLines))
}

func TestUpsertDealWithoutSaleDate(t *testing.T) {
	f := newFixture(t)
	rec := purchase("Ring-45", "1", "990", "")
	delete(rec, "sale_date")

	assert.Nil(t, f.engine.UpsertDeal(context.Background(), []internal.SourceRecord{rec}))
	assert.Equal(t, 0, f.platform.CallCount(crmtest.OpFindDeal))

	failed := f.audit.ByType(internal.AuditGeneralError)
	require.Len(t, failed, 1)
	assert.Equal(t, "R-100", failed[0].EntityID)
	assert.NotEmpty(t, f.audit.ByType(internal.AuditEmptyField))

	// relations are left alone for a receipt that cannot be written
	assert.Equal(t, 0, f.platform.CallCount(crmtest.OpCreate))
	assert.Equal(t, 0, f.platform.CallCount(crmtest.OpFind))
	assert.Empty(t, f.platform.Records(internal.KindProduct))
}

func TestUpsertDealBadSaleDateHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	rec := purchase("Ring-45", "1", "990", "")
	rec["sale_date"] = "01.05.2024"

	assert.Nil(t, f.engine.UpsertDeal(context.Background(), []internal.SourceRecord{rec}))
	assert.Equal(t, 0, f.platform.CallCount(crmtest.OpCreate))
	assert.Empty(t, f.platform.Records(internal.KindCard))
	assert.Empty(t, f.platform.Records(internal.KindWarehouse))
	assert.NotEmpty(t, f.audit.ByType(internal.AuditMappingError))
	assert.Len(t, f.audit.ByType(internal.AuditGeneralError), 1)
}

func TestUpsertDealAuditsEveryLine(t *testing.T) {
	f := newFixture(t)
	second := purchase("Ring-45", "1", "990", "")
	second["discount"] = ""

	id := f.engine.UpsertDeal(context.Background(), []internal.SourceRecord{purchase("Ring-45", "1", "990", ""), second})
	require.NotNil(t, id)

	empty := f.audit.ByType(internal.AuditEmptyField)
	require.Len(t, empty, 1)
	assert.Equal(t, internal.KindDeal, empty[0].EntityType)
	assert.Equal(t, "discount", empty[0].Context["field"])
}

func TestUpsertDealEmpty(t *testing.T) {
	f := newFixture(t)
	assert.Nil(t, f.engine.UpsertDeal(context.Background(), nil))
	assert.Empty(t, f.audit.Events())
}

func TestUpsertRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := internal.SourceRecord{"code": "C7", "first_name": "Ivan", "phone": "+7 900 000-00-00"}

	created := f.engine.Upsert(ctx, internal.KindClient, rec)
	require.NotNil(t, created)

	found := f.newEngine().Upsert(ctx, internal.KindClient, rec)
	require.NotNil(t, found)
	assert.Equal(t, *created, *found)
	assert.Len(t, f.platform.Records(internal.KindClient), 1)

	success := f.audit.ByType(internal.AuditSuccess)
	require.Len(t, success, 2)
	assert.Equal(t, "created", success[0].Context["action"])
	assert.Equal(t, "found", success[1].Context["action"])
}

func TestUpsertFoundRecordIsDiagnosed(t *testing.T) {
	f := newFixture(t)
	f.platform.Seed(internal.KindClient, internal.FieldSet{"UF_CRM_CLIENT_CODE": "C9"})

	id := f.engine.Upsert(context.Background(), internal.KindClient, internal.SourceRecord{"code": "C9", "first_name": ""})
	require.NotNil(t, id)
	assert.Equal(t, 0, f.platform.CallCount(crmtest.OpCreate))
	assert.NotEmpty(t, f.audit.ByType(internal.AuditEmptyField))
}

func TestUpsertCreateFailure(t *testing.T) {
	f := newFixture(t)
	f.platform.Fail(crmtest.OpCreate, errors.New("rejected"))

	id := f.engine.Upsert(context.Background(), internal.KindWarehouse, internal.SourceRecord{"code": "W2", "name": "Mall"})
	assert.Nil(t, id)

	failed := f.audit.ByType(internal.AuditGeneralError)
	require.Len(t, failed, 1)
	assert.Equal(t, "W2", failed[0].EntityID)
}

func TestUpsertDealThroughUpsert(t *testing.T) {
	f := newFixture(t)
	id := f.engine.Upsert(context.Background(), internal.KindDeal, purchase("Ring-45", "3", "100", ""))
	require.NotNil(t, id)

	deals := f.platform.Deals()
	require.Len(t, deals, 1)
	assert.InDelta(t, 300.0, deals[0].Amount, 0.001)
}
