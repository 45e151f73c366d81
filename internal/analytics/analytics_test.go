package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectReturnsNilWhenNothingConfigured(t *testing.T) {
	sink, err := Select(ClickHouseConfig{}, PostgresConfig{})
	assert.NoError(t, err)
	assert.Nil(t, sink)
}
