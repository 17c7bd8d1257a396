package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashWithDomainSeparation(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t, hashWithDomain(DomainPayload, data), hashWithDomain(DomainIdempotency, data))
	assert.Len(t, hashWithDomain(DomainPayload, data), 64)
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	k1, err := IdempotencyKey("order", "L1", "create", []byte(`{"total_cents":1000,"number":"A-1"}`))
	require.NoError(t, err)
	k2, err := IdempotencyKey("order", "L1", "create", []byte(`{"number":"A-1","total_cents":1000}`))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestIdempotencyKeyDistinguishesInputs(t *testing.T) {
	base := MustIdempotencyKey("order", "L1", "create", []byte(`{"total_cents":1000}`))

	variants := map[string]string{
		"entity type": MustIdempotencyKey("payment", "L1", "create", []byte(`{"total_cents":1000}`)),
		"local id":    MustIdempotencyKey("order", "L2", "create", []byte(`{"total_cents":1000}`)),
		"action":      MustIdempotencyKey("order", "L1", "update", []byte(`{"total_cents":1000}`)),
		"payload":     MustIdempotencyKey("order", "L1", "create", []byte(`{"total_cents":1001}`)),
	}
	for name, k := range variants {
		assert.NotEqual(t, base, k, name)
	}
}

func TestIdempotencyKeyRejectsFloatPayload(t *testing.T) {
	_, err := IdempotencyKey("product", "L1", "create", []byte(`{"price":4.5}`))
	assert.Error(t, err)
	assert.Panics(t, func() {
		MustIdempotencyKey("product", "L1", "create", []byte(`not json`))
	})
}
