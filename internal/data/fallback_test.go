package data

import (
	"testing"
	"time"

	"CreditLane/pkg/crypto"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncMarkerEncoding(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
	}{
		{"zero", 0},
		{"default", 0.5},
		{"full", 1},
		{"fractional", 0.73},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored := encodePending(tt.confidence)
			assert.Less(t, stored, 0.0, "pending records store a negative value")

			confidence, synced := decodeConfidence(stored)
			assert.False(t, synced)
			assert.InDelta(t, tt.confidence, confidence, 1e-9)

			// MarkSynced applies -confidence - 1 in SQL; the same
			// arithmetic here must recover the plain value.
			flipped := -stored - 1
			confidence, synced = decodeConfidence(flipped)
			assert.True(t, synced)
			assert.InDelta(t, tt.confidence, confidence, 1e-9)
		})
	}
}

func TestDecodeConfidence_SyncedPassthrough(t *testing.T) {
	confidence, synced := decodeConfidence(0.8)
	assert.True(t, synced)
	assert.Equal(t, 0.8, confidence)
}

func TestMatchesAnyToken(t *testing.T) {
	assert.True(t, matchesAnyToken("Planning my Tokyo trip", []string{"tokyo"}))
	assert.True(t, matchesAnyToken("groceries: milk, eggs", []string{"tokyo", "milk"}))
	assert.False(t, matchesAnyToken("nothing relevant here", []string{"tokyo", "milk"}))
	assert.False(t, matchesAnyToken("", []string{"tokyo"}))
}

func TestToModel_DecryptsAndDecodes(t *testing.T) {
	aes, err := crypto.NewAESCrypto([]byte("0123456789abcdef"))
	require.NoError(t, err)
	repo := &FallbackRepo{crypto: aes}

	encrypted, err := aes.Encrypt("secret memory")
	require.NoError(t, err)

	rec, err := repo.toModel(&MemoryRecord{
		ID:         3,
		UserID:     "u1",
		Content:    encrypted,
		Sector:     "episodic",
		Confidence: encodePending(0.9),
		Tags:       `["travel","2026"]`,
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)

	assert.Equal(t, "secret memory", rec.Content)
	assert.False(t, rec.Synced)
	assert.InDelta(t, 0.9, rec.Confidence, 1e-9)
	assert.Equal(t, []string{"travel", "2026"}, rec.Tags)
}

func TestToModel_UndecryptableContent(t *testing.T) {
	aes, err := crypto.NewAESCrypto([]byte("0123456789abcdef"))
	require.NoError(t, err)
	repo := &FallbackRepo{crypto: aes}

	_, err = repo.toModel(&MemoryRecord{ID: 1, Content: "not ciphertext"})
	assert.Error(t, err)
}

func TestToModel_PlaintextWhenCryptoDisabled(t *testing.T) {
	repo := &FallbackRepo{}

	rec, err := repo.toModel(&MemoryRecord{ID: 1, Content: "plain", Confidence: 0.4})
	require.NoError(t, err)
	assert.Equal(t, "plain", rec.Content)
	assert.True(t, rec.Synced)
}
