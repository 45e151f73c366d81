package appctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketfeed/internal/config"
)

func TestNewWiresEveryComponentWithoutNetworkAccess(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	app, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, app)

	assert.NotNil(t, app.sink)
	assert.NotNil(t, app.manager)
	assert.NotNil(t, app.broker)
	assert.NotNil(t, app.supervisor)
	assert.NotNil(t, app.policy)
	assert.NotNil(t, app.httpServer)
	assert.NotNil(t, app.metrics)
}
