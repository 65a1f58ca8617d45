package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCatalog = []Model{
	{ID: "a/free-1:free", Name: "free-1", Tier: TierFree},
	{ID: "b/free-2:free", Name: "free-2", Tier: TierFree},
	{ID: "c/paid-1", Name: "paid-1", Tier: TierPaid, InputCostPer1M: 1.00, OutputCostPer1M: 5.00},
}

func TestModelCost(t *testing.T) {
	paid := testCatalog[2]
	// 1000 input at $1/1M plus 500 output at $5/1M.
	assert.InDelta(t, 0.001+0.0025, paid.Cost(Usage{InputTokens: 1000, OutputTokens: 500}), 1e-9)

	free := testCatalog[0]
	assert.Equal(t, 0.0, free.Cost(Usage{InputTokens: 100000, OutputTokens: 100000}))
}

func TestNewRotatorStartSelection(t *testing.T) {
	r := NewRotator(testCatalog, "")
	assert.Equal(t, "free-1", r.Current().Name)

	r = NewRotator(testCatalog, "paid-1")
	assert.Equal(t, "paid-1", r.Current().Name)

	r = NewRotator(testCatalog, "b/free-2:free")
	assert.Equal(t, "free-2", r.Current().Name)

	r = NewRotator(testCatalog, "nonexistent")
	assert.Equal(t, "free-1", r.Current().Name)
}

func TestSwitch(t *testing.T) {
	r := NewRotator(testCatalog, "")

	m, err := r.Switch("paid-1")
	require.NoError(t, err)
	assert.Equal(t, TierPaid, m.Tier)
	assert.Equal(t, "paid-1", r.Current().Name)

	_, err = r.Switch("no-such-model")
	assert.Error(t, err)
	assert.Equal(t, "paid-1", r.Current().Name)
}

func TestRotatePrefersSameTier(t *testing.T) {
	r := NewRotator(testCatalog, "free-1")
	for i := 0; i < 10; i++ {
		m := r.Rotate()
		assert.Equal(t, TierFree, m.Tier, "rotation from a free model should stay free while one exists")
		assert.NotEqual(t, r.Current().Name, "", "rotation must land somewhere")
	}
}

func TestRotateCrossesTierWhenAlone(t *testing.T) {
	r := NewRotator(testCatalog, "paid-1")
	m := r.Rotate()
	assert.Equal(t, TierFree, m.Tier)
}

func TestRotateSingleModelCatalog(t *testing.T) {
	r := NewRotator(testCatalog[:1], "")
	assert.Equal(t, "free-1", r.Rotate().Name)
}

func TestCatalogReturnsCopy(t *testing.T) {
	r := NewRotator(testCatalog, "")
	got := r.Catalog()
	require.Len(t, got, 3)
	got[0].Name = "mutated"
	assert.Equal(t, "free-1", r.Catalog()[0].Name)
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, IsRateLimited(&APIError{StatusCode: 429}))
	assert.False(t, IsRateLimited(&APIError{StatusCode: 500}))
	assert.False(t, IsRateLimited(assert.AnError))
	assert.False(t, IsRateLimited(nil))
}

func TestNilClientDisabled(t *testing.T) {
	c := NewClient("", "https://example.invalid", nil)
	assert.Nil(t, c)
	assert.False(t, c.Enabled())
}
