package batch

import (
	"context"
	"errors"
	"fmt"
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
	platform  *crmtest.Platform
	audit     *audit.Memory
	resolver  *resolver.Resolver
	scheduler *Scheduler
}

func newFixture(t *testing.T, tables map[internal.Kind][]internal.SourceRecord) *fixture {
	t.Helper()
	s, err := schema.Default()
	require.NoError(t, err)

	f := &fixture{platform: crmtest.New(s), audit: &audit.Memory{}}
	snap := source.BuildSnapshot(s, tables, time.Now())
	f.resolver = resolver.New(mapper.New(s), f.platform, snap, resolver.WithAudit(f.audit))
	f.scheduler = NewScheduler(f.resolver, f.platform, f.audit, 0, zap.NewNop())
	return f
}

func warehouses(n int) []internal.SourceRecord {
	out := make([]internal.SourceRecord, n)
	for i := range out {
		out[i] = internal.SourceRecord{"code": fmt.Sprintf("W%03d", i), "name": fmt.Sprintf("Store %d", i)}
	}
	return out
}

func TestImportBatchChunks(t *testing.T) {
	f := newFixture(t, nil)
	records := warehouses(120)

	ids := f.scheduler.ImportBatch(context.Background(), internal.KindWarehouse, records, 50)
	require.Len(t, ids, 120)
	assert.Equal(t, []int{50, 50, 20}, f.platform.BatchSizes())
	assert.Equal(t, 3, f.platform.CallCount(crmtest.OpFindMany))

	stored := f.platform.Records(internal.KindWarehouse)
	require.Len(t, stored, 120)
	for i, id := range ids {
		require.NotNil(t, id, "record %d", i)
		fields, ok := f.platform.Fields(internal.KindWarehouse, *id)
		require.True(t, ok)
		assert.Equal(t, records[i]["code"], fields["ufCrm5Code"])
	}
	assert.Len(t, f.audit.ByType(internal.AuditSuccess), 120)

	// created ids are cached for later relation lookups
	id, ok := f.resolver.Known(internal.NaturalKey{Kind: internal.KindWarehouse, Value: "W119"})
	assert.True(t, ok)
	assert.Equal(t, *ids[119], id)
}

func TestImportBatchClampsChunkSize(t *testing.T) {
	f := newFixture(t, nil)
	f.scheduler.ImportBatch(context.Background(), internal.KindWarehouse, warehouses(60), 0)
	assert.Equal(t, []int{50, 10}, f.platform.BatchSizes())
}

func TestImportBatchKeepsExisting(t *testing.T) {
	f := newFixture(t, nil)
	seeded := f.platform.Seed(internal.KindWarehouse, internal.FieldSet{"ufCrm5Code": "W001"})

	ids := f.scheduler.ImportBatch(context.Background(), internal.KindWarehouse, warehouses(3), 50)
	require.Len(t, ids, 3)
	require.NotNil(t, ids[1])
	assert.Equal(t, seeded, *ids[1])
	assert.Equal(t, []int{2}, f.platform.BatchSizes())
	assert.Len(t, f.platform.Records(internal.KindWarehouse), 3)

	// a second import creates nothing
	again := f.scheduler.ImportBatch(context.Background(), internal.KindWarehouse, warehouses(3), 50)
	assert.Equal(t, ids, again)
	assert.Equal(t, []int{2}, f.platform.BatchSizes())
}

func TestImportBatchChunkFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.platform.Fail(crmtest.OpCreateBatch, errors.New("502 bad gateway"))

	ids := f.scheduler.ImportBatch(context.Background(), internal.KindWarehouse, warehouses(5), 2)
	require.Len(t, ids, 5)
	for _, id := range ids {
		assert.Nil(t, id)
	}
	assert.Len(t, f.audit.ByType(internal.AuditGeneralError), 5)
	assert.Empty(t, f.platform.Records(internal.KindWarehouse))

	f.platform.Fail(crmtest.OpCreateBatch, nil)
	ids = f.scheduler.ImportBatch(context.Background(), internal.KindWarehouse, warehouses(5), 2)
	for _, id := range ids {
		assert.NotNil(t, id)
	}
}

func TestImportBatchLookupFailureFailsChunk(t *testing.T) {
	f := newFixture(t, nil)
	f.platform.Fail(crmtest.OpFindMany, errors.New("timeout"))

	ids := f.scheduler.ImportBatch(context.Background(), internal.KindWarehouse, warehouses(3), 50)
	assert.Equal(t, []*internal.TargetID{nil, nil, nil}, ids)
	assert.Equal(t, 0, f.platform.CallCount(crmtest.OpCreateBatch))
	assert.Len(t, f.audit.ByType(internal.AuditGeneralError), 3)
}

func TestImportBatchItemRejection(t *testing.T) {
	f := newFixture(t, nil)
	f.platform.Reject(func(_ internal.Kind, fields internal.FieldSet) error {
		if fields["ufCrm5Code"] == "W001" {
			return errors.New("duplicate title")
		}
		return nil
	})

	ids := f.scheduler.ImportBatch(context.Background(), internal.KindWarehouse, warehouses(3), 50)
	assert.NotNil(t, ids[0])
	assert.Nil(t, ids[1])
	assert.NotNil(t, ids[2])

	failed := f.audit.ByType(internal.AuditGeneralError)
	require.Len(t, failed, 1)
	assert.Equal(t, "W001", failed[0].EntityID)
	assert.Equal(t, "duplicate title", failed[0].Message)
}

func TestImportBatchRepeatedKeyCreatesOnce(t *testing.T) {
	f := newFixture(t, nil)
	records := []internal.SourceRecord{
		{"code": "W1", "name": "A"},
		{"code": "W1 ", "name": "A again"},
		{"code": "W2", "name": "B"},
	}

	ids := f.scheduler.ImportBatch(context.Background(), internal.KindWarehouse, records, 50)
	require.NotNil(t, ids[0])
	require.NotNil(t, ids[1])
	assert.Equal(t, *ids[0], *ids[1])
	assert.Equal(t, []int{2}, f.platform.BatchSizes())
}

func TestImportBatchPreResolvesBrands(t *testing.T) {
	items := []internal.SourceRecord{
		{"code": "I1", "name": "Ring-45", "price": "990", "brand": "Sokolov"},
		{"code": "I2", "name": "Ring-46", "price": "1 090", "brand": "Sokolov"},
		{"code": "I3", "name": "Chain", "price": "500", "brand": "Adamas"},
	}
	f := newFixture(t, map[internal.Kind][]internal.SourceRecord{internal.KindProduct: items})

	ids := f.scheduler.ImportBatch(context.Background(), internal.KindProduct, items, 50)
	brands := f.platform.Records(internal.KindBrand)
	require.Len(t, brands, 2)
	assert.Equal(t, 2, f.platform.CallCount(crmtest.OpFind))
	assert.Equal(t, []int{3}, f.platform.BatchSizes())

	first, _ := f.platform.Fields(internal.KindProduct, *ids[0])
	second, _ := f.platform.Fields(internal.KindProduct, *ids[1])
	assert.Equal(t, brands[0].ID, first["PROPERTY_BRAND"])
	assert.Equal(t, brands[0].ID, second["PROPERTY_BRAND"])
	assert.Equal(t, 1090.0, second["PRICE"])
}

func TestImportBatchCardWithUnknownClient(t *testing.T) {
	cards := []internal.SourceRecord{
		{"number": "4000", "client_code": "C1"},
		{"number": "4001", "client_code": "C404"},
	}
	f := newFixture(t, map[internal.Kind][]internal.SourceRecord{
		internal.KindClient: {{"code": "C1", "first_name": "Anna"}},
		internal.KindCard:   cards,
	})

	ids := f.scheduler.ImportBatch(context.Background(), internal.KindCard, cards, 50)
	require.NotNil(t, ids[0])
	require.NotNil(t, ids[1])

	clients := f.platform.Records(internal.KindClient)
	require.Len(t, clients, 1)
	linked, _ := f.platform.Fields(internal.KindCard, *ids[0])
	orphan, _ := f.platform.Fields(internal.KindCard, *ids[1])
	assert.Equal(t, clients[0].ID, linked["contactId"])
	assert.NotContains(t, orphan, "contactId")
	assert.Len(t, f.audit.ByType(internal.AuditUserNotFound), 1)
}

func TestImportBatchStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.scheduler.delay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ids := f.scheduler.ImportBatch(ctx, internal.KindWarehouse, warehouses(4), 2)
	assert.NotNil(t, ids[0])
	assert.Nil(t, ids[2])
	assert.Equal(t, []int{2}, f.platform.BatchSizes())
}
