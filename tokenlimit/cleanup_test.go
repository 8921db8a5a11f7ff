/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package tokenlimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-tokenlimit/log/logtest"
	"github.com/acronis/go-tokenlimit/service"
	"github.com/acronis/go-tokenlimit/testutil"
)

func TestNewCleanupUnit(t *testing.T) {
	_, ok := NewCleanupUnit(MustNewRegistry(RegistryOpts{IdleTimeout: time.Minute}), 0, nil)
	require.False(t, ok)

	registry := MustNewRegistry(RegistryOpts{Limit: 2, IdleTimeout: 50 * time.Millisecond})
	registry.GetOrCreate("token tok-A")
	registry.GetOrCreate("token tok-B")
	require.Equal(t, 2, registry.Len())

	logger := logtest.NewRecorder()
	unit, ok := NewCleanupUnit(registry, 20*time.Millisecond, logger)
	require.True(t, ok)
	var _ service.Unit = unit
	fatalErr := make(chan error, 1)
	go unit.Start(fatalErr)
	defer func() { require.NoError(t, unit.Stop(true)) }()

	require.Eventually(t, func() bool { return registry.Len() == 0 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, found := logger.FindEntry("idle credential pools are dropped")
		return found
	}, time.Second, 10*time.Millisecond)
	testutil.RequireNoErrorInChannel(t, fatalErr)
}
