package client

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatMonitor_BeatsWhileConnected(t *testing.T) {
	var beats, stale atomic.Int32
	var connected atomic.Bool
	connected.Store(true)

	hb := NewHeartbeatMonitor(5*time.Millisecond,
		connected.Load,
		func() bool { beats.Add(1); return true },
		func() { stale.Add(1) },
		logs.GetLoggerFromLevel(slog.LevelError))

	hb.Start()
	hb.Start()
	require.Eventually(t, func() bool { return beats.Load() >= 3 }, time.Second, time.Millisecond)
	require.Zero(t, stale.Load())

	// When the transport goes down the monitor reports it instead of beating
	connected.Store(false)
	require.Eventually(t, func() bool { return stale.Load() >= 2 }, time.Second, time.Millisecond)

	hb.Stop()
	afterStop := beats.Load() + stale.Load()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, afterStop, beats.Load()+stale.Load())

	hb.Stop()
}

func TestHeartbeatMonitor_FailedBeatIsStale(t *testing.T) {
	var stale atomic.Int32
	hb := NewHeartbeatMonitor(5*time.Millisecond,
		func() bool { return true },
		func() bool { return false },
		func() { stale.Add(1) },
		logs.GetLoggerFromLevel(slog.LevelError))

	hb.Start()
	defer hb.Stop()
	require.Eventually(t, func() bool { return stale.Load() >= 1 }, time.Second, time.Millisecond)
}
