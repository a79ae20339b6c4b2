package cq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/pkg/transport"
	"github.com/latticedb/lattice/pkg/types"
	"github.com/latticedb/lattice/pkg/wire"
)

// wireManager connects a Manager's inbound message types to an
// InMemory fabric node, mimicking how pkg/grid wires a real Listener.
func wireManager(fabric *transport.InMemory, nodeID string, m *Manager) {
	fabric.RegisterNode(nodeID, func(from string, typeID uint16, msg interface{}) (uint16, interface{}) {
		switch typeID {
		case wire.TypeContinuousQueryRegister:
			m.RegisterRemote(msg.(wire.ContinuousQueryRegister))
			return wire.TypeContinuousQueryAck, wire.Ack{OK: true}
		case wire.TypeContinuousQueryEvent:
			return wire.TypeContinuousQueryAck, m.HandleContinuousQueryEvent(msg.(wire.ContinuousQueryEvent))
		case wire.TypeContinuousQueryCancel:
			return wire.TypeContinuousQueryAck, m.HandleCancel(msg.(wire.ContinuousQueryCancel))
		default:
			return wire.TypeContinuousQueryAck, wire.Ack{OK: false, Err: "unhandled"}
		}
	})
}

func defaultOpts() QueryOptions {
	return QueryOptions{BufferSize: 16, AutoUnsubscribe: true}
}

func TestExecuteQueryLocalOnlyInvokesListenerSynchronously(t *testing.T) {
	fabric := transport.NewInMemory()
	m := New("n1", fabric.Sender("n1"), nil)
	wireManager(fabric, "n1", m)

	var got types.CacheEvent
	_, err := m.ExecuteQuery(context.Background(), "orders", AlwaysTrue(), func(ev types.CacheEvent) {
		got = ev
	}, defaultOpts(), nil)
	require.NoError(t, err)

	m.OnEntryEvent(types.CacheEvent{Type: types.EventCreated, CacheName: "orders", Key: types.Key("k1"), NewValue: types.Value("v1")})

	require.Equal(t, types.Key("k1"), got.Key)
}

func TestFilterRejectsNonMatchingEvent(t *testing.T) {
	fabric := transport.NewInMemory()
	m := New("n1", fabric.Sender("n1"), nil)
	wireManager(fabric, "n1", m)

	var calls int
	_, err := m.ExecuteQuery(context.Background(), "orders", KeyPrefix([]byte("order-")), func(types.CacheEvent) {
		calls++
	}, defaultOpts(), nil)
	require.NoError(t, err)

	m.OnEntryEvent(types.CacheEvent{CacheName: "orders", Key: types.Key("other-1")})
	m.OnEntryEvent(types.CacheEvent{CacheName: "orders", Key: types.Key("order-1")})

	require.Equal(t, 1, calls)
}

func TestRemoteRoutineDeliversAcrossNodes(t *testing.T) {
	fabric := transport.NewInMemory()
	home := New("home", fabric.Sender("home"), nil)
	remote := New("remote", fabric.Sender("remote"), nil)
	wireManager(fabric, "home", home)
	wireManager(fabric, "remote", remote)

	var mu sync.Mutex
	var received []types.Key
	routineID, err := home.ExecuteQuery(context.Background(), "orders", AlwaysTrue(), func(ev types.CacheEvent) {
		mu.Lock()
		received = append(received, ev.Key)
		mu.Unlock()
	}, defaultOpts(), []string{"remote"})
	require.NoError(t, err)
	require.NotEmpty(t, routineID)

	remote.OnEntryEvent(types.CacheEvent{CacheName: "orders", Key: types.Key("k1")})
	remote.OnEntryEvent(types.CacheEvent{CacheName: "orders", Key: types.Key("k2")})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []types.Key{types.Key("k1"), types.Key("k2")}, received)
}

func TestExecuteQueryWithTimeIntervalBatchesDelivery(t *testing.T) {
	fabric := transport.NewInMemory()
	m := New("n1", fabric.Sender("n1"), nil)
	wireManager(fabric, "n1", m)

	var mu sync.Mutex
	var received []types.Key
	opts := defaultOpts()
	opts.TimeInterval = 20 * time.Millisecond
	_, err := m.ExecuteQuery(context.Background(), "orders", AlwaysTrue(), func(ev types.CacheEvent) {
		mu.Lock()
		received = append(received, ev.Key)
		mu.Unlock()
	}, opts, nil)
	require.NoError(t, err)

	m.OnEntryEvent(types.CacheEvent{CacheName: "orders", Key: types.Key("k1")})
	m.OnEntryEvent(types.CacheEvent{CacheName: "orders", Key: types.Key("k2")})

	mu.Lock()
	before := len(received)
	mu.Unlock()
	require.Equal(t, 0, before, "events must not be delivered before the first tick")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestOnEntryEventNullsOldValueUnlessRequired(t *testing.T) {
	fabric := transport.NewInMemory()
	m := New("n1", fabric.Sender("n1"), nil)
	wireManager(fabric, "n1", m)

	var got types.CacheEvent
	_, err := m.ExecuteQuery(context.Background(), "orders", AlwaysTrue(), func(ev types.CacheEvent) {
		got = ev
	}, defaultOpts(), nil)
	require.NoError(t, err)

	m.OnEntryEvent(types.CacheEvent{CacheName: "orders", Key: types.Key("k1"), NewValue: types.Value("v2"), OldValue: types.Value("v1")})
	require.Nil(t, got.OldValue, "oldValRequired defaults to false: old value must be nulled")

	opts := defaultOpts()
	opts.Flags.OldValRequired = true
	_, err = m.ExecuteQuery(context.Background(), "orders", AlwaysTrue(), func(ev types.CacheEvent) {
		got = ev
	}, opts, nil)
	require.NoError(t, err)

	m.OnEntryEvent(types.CacheEvent{CacheName: "orders", Key: types.Key("k2"), NewValue: types.Value("v2"), OldValue: types.Value("v1")})
	require.Equal(t, types.Value("v1"), got.OldValue)
}

func TestOnEntryEventSkipsReplicatedNonPrimaryUnlessSkipCheck(t *testing.T) {
	fabric := transport.NewInMemory()
	m := New("n1", fabric.Sender("n1"), nil)
	wireManager(fabric, "n1", m)

	var gated, ungated int
	_, err := m.ExecuteQuery(context.Background(), "sys", AlwaysTrue(), func(types.CacheEvent) {
		gated++
	}, defaultOpts(), nil)
	require.NoError(t, err)

	opts := defaultOpts()
	opts.Flags.SkipPrimaryCheck = true
	_, err = m.ExecuteQuery(context.Background(), "sys", AlwaysTrue(), func(types.CacheEvent) {
		ungated++
	}, opts, nil)
	require.NoError(t, err)

	m.OnEntryEvent(types.CacheEvent{CacheName: "sys", Key: types.Key("k1"), Mode: types.ModeReplicated, Primary: false})

	require.Equal(t, 0, gated, "non-skipPrimaryCheck handlers must not see REPLICATED events on a non-primary node")
	require.Equal(t, 1, ungated, "skipPrimaryCheck handlers must see every REPLICATED event")
}

func TestOnEntryEventPartitionsInternalFromUserHandlers(t *testing.T) {
	fabric := transport.NewInMemory()
	m := New("n1", fabric.Sender("n1"), nil)
	wireManager(fabric, "n1", m)

	var userCalls, internalCalls int
	_, err := m.ExecuteQuery(context.Background(), "sys", AlwaysTrue(), func(types.CacheEvent) {
		userCalls++
	}, defaultOpts(), nil)
	require.NoError(t, err)

	_, err = m.ExecuteInternalQuery(context.Background(), "sys", AlwaysTrue(), func(types.CacheEvent) {
		internalCalls++
	}, true)
	require.NoError(t, err)

	m.OnEntryEvent(types.CacheEvent{CacheName: "sys", Key: types.Key("deployments/web"), Flags: types.FlagInternal})

	require.Equal(t, 0, userCalls, "internal-keyspace events must not reach user handlers")
	require.Equal(t, 1, internalCalls)
}

func TestRegisterEntryListenerSyncBlocksUntilRemoteAck(t *testing.T) {
	fabric := transport.NewInMemory()
	home := New("home", fabric.Sender("home"), nil)
	remote := New("remote", fabric.Sender("remote"), nil)
	wireManager(fabric, "home", home)
	wireManager(fabric, "remote", remote)

	var mu sync.Mutex
	var received []types.Key
	routineID, err := home.RegisterEntryListener(context.Background(), "orders", AlwaysTrue(), func(ev types.CacheEvent) {
		mu.Lock()
		received = append(received, ev.Key)
		mu.Unlock()
	}, true, []string{"remote"})
	require.NoError(t, err)
	require.NotEmpty(t, routineID)

	// Sync delivery is a direct blocking send, not the async topic:
	// by the time OnEntryEvent returns, the remote listener has
	// already observed the event.
	remote.OnEntryEvent(types.CacheEvent{CacheName: "orders", Key: types.Key("k1")})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []types.Key{types.Key("k1")}, received)
}

func TestDedupeTrackerDropsReplayedSequence(t *testing.T) {
	d := newDedupeTracker()
	require.True(t, d.accept("origin", "r1", 1))
	require.True(t, d.accept("origin", "r1", 2))
	require.False(t, d.accept("origin", "r1", 2)) // replay
	require.False(t, d.accept("origin", "r1", 1)) // stale
	require.True(t, d.accept("origin", "r1", 3))
}

func TestCancelStopsFurtherDispatch(t *testing.T) {
	fabric := transport.NewInMemory()
	m := New("n1", fabric.Sender("n1"), nil)
	wireManager(fabric, "n1", m)

	var calls int
	routineID, err := m.ExecuteQuery(context.Background(), "orders", AlwaysTrue(), func(types.CacheEvent) {
		calls++
	}, defaultOpts(), nil)
	require.NoError(t, err)

	m.OnEntryEvent(types.CacheEvent{CacheName: "orders", Key: types.Key("k1")})
	m.Cancel(routineID)
	m.OnEntryEvent(types.CacheEvent{CacheName: "orders", Key: types.Key("k2")})

	require.Equal(t, 1, calls)
}
