package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal"
)

func TestDefaultSchema(t *testing.T) {
	s, err := Default()
	require.NoError(t, err)

	for _, kind := range internal.Kinds {
		e, err := s.Entity(kind)
		require.NoError(t, err, kind)
		assert.Equal(t, kind, e.Kind)
	}

	card, _ := s.Entity(internal.KindCard)
	rel, ok := card.Relation(internal.KindClient)
	require.True(t, ok)
	assert.Equal(t, "client_code", rel.Source)
	assert.Equal(t, internal.AuditUserNotFound, rel.MissingAudit)

	product, _ := s.Entity(internal.KindProduct)
	_, ok = product.Relation(internal.KindBrand)
	assert.True(t, ok)
	assert.Len(t, product.Images.Sources, 2)

	deal, _ := s.Entity(internal.KindDeal)
	assert.Equal(t, "sale_date", deal.DateSource)
	assert.Equal(t, "OPPORTUNITY", deal.AmountField)
	assert.Equal(t, "item_name", deal.Line.ProductSource)
}

func TestLoadOverride(t *testing.T) {
	blob, err := os.ReadFile("default.yaml")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, blob, 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, s.Entities, len(internal.Kinds))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := Parse([]byte(`
entities:
  warehouse:
    api: smart
    source_key: code
    key_field: ufCode
    fields:
      - {target: ufDate, source: date, transform: date}
      - {target: ufX, source: x, transform: upper}
`))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "entity_type_id")
	assert.Contains(t, msg, "date needs layout")
	assert.Contains(t, msg, `unknown transform "upper"`)
	assert.Contains(t, msg, "kind deal: missing")
}
