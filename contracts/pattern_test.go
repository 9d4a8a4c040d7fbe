package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"inventory.stock.changed", "inventory.stock.changed", true},
		{"inventory.stock.changed", "inventory.stock.moved", false},
		{"inventory.*", "inventory.created", true},
		{"inventory.*", "inventory.stock.changed", false},
		{"inventory.#", "inventory", true},
		{"inventory.#", "inventory.stock.changed", true},
		{"#", "anything.at.all", true},
		{"*.alert.#", "inventory.alert.low_stock", true},
		{"*.alert.#", "inventory.alert", true},
		{"*.alert.#", "alert.low_stock", false},
		{"#.changed", "inventory.stock.changed", true},
		{"#.changed", "inventory.stock.moved", false},
		{"location.#", "inventory.location.updated", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.key), "%s vs %s", tt.pattern, tt.key)
	}
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("inventory.#"))
	assert.NoError(t, ValidatePattern("*.alert.*"))
	assert.Error(t, ValidatePattern(""))
	assert.Error(t, ValidatePattern("inventory..x"))
	assert.Error(t, ValidatePattern("inv*.x"))

	assert.True(t, IsWildcard("inventory.#"))
	assert.False(t, IsWildcard("inventory.stock.changed"))
}
