package redis

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type codecStruct struct {
	ItemID uuid.UUID `msgpack:"itemId"`
	Price  int64     `msgpack:"price"`
	At     time.Time `msgpack:"at"`
}

func TestEncodeToMessage(t *testing.T) {
	t.Run("normal struct", func(t *testing.T) {
		input := codecStruct{
			ItemID: uuid.New(),
			Price:  160,
			At:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		}

		result, err := EncodeToMessage(input)
		require.NoError(t, err)
		assert.Contains(t, result, "data")
		assert.NotEmpty(t, result["data"])
	})

	t.Run("empty struct", func(t *testing.T) {
		result, err := EncodeToMessage(struct{}{})
		require.NoError(t, err)
		assert.Contains(t, result, "data")
	})

	t.Run("pointer type rejected", func(t *testing.T) {
		input := &codecStruct{}
		_, err := EncodeToMessage(input)
		assert.ErrorIs(t, err, ErrPointerType)
	})
}

func TestDecodeFromMessage(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		input := codecStruct{
			ItemID: uuid.New(),
			Price:  160,
			At:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		}

		encoded, err := EncodeToMessage(input)
		require.NoError(t, err)

		decoded, err := DecodeFromMessage[codecStruct](encoded)
		require.NoError(t, err)
		assert.Equal(t, input.ItemID, decoded.ItemID)
		assert.Equal(t, input.Price, decoded.Price)
		assert.True(t, input.At.Equal(decoded.At))
	})

	t.Run("empty message", func(t *testing.T) {
		decoded, err := DecodeFromMessage[codecStruct](map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, codecStruct{}, decoded)
	})

	t.Run("missing data field", func(t *testing.T) {
		_, err := DecodeFromMessage[codecStruct](map[string]any{"other": "value"})
		assert.Error(t, err)
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := DecodeFromMessage[codecStruct](map[string]any{"data": "&&not-base64&&"})
		assert.Error(t, err)
	})

	t.Run("pointer type rejected", func(t *testing.T) {
		_, err := DecodeFromMessage[*codecStruct](map[string]any{"data": "AA=="})
		assert.ErrorIs(t, err, ErrPointerType)
	})
}
