package relay

import (
	"reflect"
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry(id, key string) *ExtensionEntry {
	return &ExtensionEntry{
		ID:               id,
		StableKey:        key,
		ConnectedTargets: map[string]*ConnectedTarget{},
		PendingRequests:  map[int64]*PendingRequest{},
	}
}

func newTarget(sessionID, targetID, url string) *ConnectedTarget {
	return &ConnectedTarget{
		SessionID: sessionID,
		TargetID:  target.ID(targetID),
		TargetInfo: &target.Info{
			TargetID: target.ID(targetID),
			Type:     "page",
			URL:      url,
		},
		FrameIDs: map[cdp.FrameID]struct{}{},
	}
}

// sameMap asserts two maps are the same underlying object.
func sameMap(t *testing.T, a, b any) {
	t.Helper()
	require.Equal(t, reflect.ValueOf(a).Pointer(), reflect.ValueOf(b).Pointer())
}

func TestTransitionsAreNoOpsOnMissingEntities(t *testing.T) {
	s := NewRelayState()

	for _, tr := range []Transition{
		RemoveExtension("nope"),
		RemovePlaywrightClient("nope"),
		RemoveTarget("nope", "s1"),
		RemoveTargetByCrash("nope", "t1"),
		AddTarget("nope", newTarget("s1", "t1", "https://a")),
		IncrementExtensionMessageID("nope"),
		RemoveExtensionPendingRequest("nope", 1),
		ClearExtensionPendingRequests("nope"),
		AddFrameID("nope", "s1", "F1"),
		RemoveFrameID("nope", "F1"),
		UpdateTargetURL("nope", "s1", "https://b", ""),
		RebindClientsToExtension("a", "b"),
		RemoveClientsForExtension("nope"),
		UpdateExtensionIO("nope", nil),
	} {
		next := tr(s)
		sameMap(t, s.Extensions, next.Extensions)
		sameMap(t, s.PlaywrightClients, next.PlaywrightClients)
	}
}

func TestStructuralSharing(t *testing.T) {
	s := NewRelayState()
	s = AddExtension(newEntry("e1", "profile:p1"))(s)
	s = AddExtension(newEntry("e2", "profile:p2"))(s)
	s = AddPlaywrightClient(&PlaywrightClient{ID: "d1", ExtensionID: "e1"})(s)

	next := AddTarget("e1", newTarget("s1", "t1", "https://a"))(s)

	// Untouched submaps keep their identity.
	sameMap(t, s.PlaywrightClients, next.PlaywrightClients)
	require.Same(t, s.Extensions["e2"], next.Extensions["e2"])
	// The modified path is new.
	require.NotEqual(t, reflect.ValueOf(s.Extensions).Pointer(), reflect.ValueOf(next.Extensions).Pointer())
	require.NotSame(t, s.Extensions["e1"], next.Extensions["e1"])
	// The prior snapshot is unchanged.
	require.Empty(t, s.Extensions["e1"].ConnectedTargets)
	require.Len(t, next.Extensions["e1"].ConnectedTargets, 1)
}

func TestAddRemoveExtensionRoundTrip(t *testing.T) {
	start := NewRelayState()
	s := AddExtension(newEntry("e1", "profile:p1"))(start)
	s = RemoveExtension("e1")(s)

	require.Empty(t, s.Extensions)
	require.Empty(t, s.ExtensionOrder)
	require.Empty(t, s.PlaywrightClients)
}

func TestAddTargetPreservesFrameIDs(t *testing.T) {
	s := NewRelayState()
	s = AddExtension(newEntry("e1", "profile:p1"))(s)
	s = AddTarget("e1", newTarget("s1", "t1", "https://a"))(s)
	s = AddFrameID("e1", "s1", "F1")(s)
	s = AddFrameID("e1", "s1", "F2")(s)

	// Re-attach with fresh info and no frame ids keeps the accumulated set.
	s = AddTarget("e1", newTarget("s1", "t1", "https://b"))(s)

	got := s.Extensions["e1"].ConnectedTargets["s1"]
	require.Equal(t, "https://b", got.TargetInfo.URL)
	assert.Contains(t, got.FrameIDs, cdp.FrameID("F1"))
	assert.Contains(t, got.FrameIDs, cdp.FrameID("F2"))
}

func TestFrameIDsDisjointAcrossTargets(t *testing.T) {
	s := NewRelayState()
	s = AddExtension(newEntry("e1", "profile:p1"))(s)
	s = AddTarget("e1", newTarget("s1", "t1", "https://a"))(s)
	s = AddTarget("e1", newTarget("s2", "t2", "https://b"))(s)

	s = AddFrameID("e1", "s1", "F1")(s)
	s = AddFrameID("e1", "s2", "F1")(s)

	e := s.Extensions["e1"]
	assert.NotContains(t, e.ConnectedTargets["s1"].FrameIDs, cdp.FrameID("F1"))
	assert.Contains(t, e.ConnectedTargets["s2"].FrameIDs, cdp.FrameID("F1"))
}

func TestUpdateTargetInfoIdempotent(t *testing.T) {
	s := NewRelayState()
	s = AddExtension(newEntry("e1", "profile:p1"))(s)
	s = AddTarget("e1", newTarget("s1", "t1", "https://a"))(s)

	info := &target.Info{TargetID: "t1", Type: "page", URL: "https://b", Title: "B"}
	once := UpdateTargetInfo("e1", info)(s)
	twice := UpdateTargetInfo("e1", info)(once)

	require.Equal(t, "https://b", once.Extensions["e1"].ConnectedTargets["s1"].TargetInfo.URL)
	// Fixed after the first application: same references all the way down.
	sameMap(t, once.Extensions, twice.Extensions)
}

func TestRemoveTargetByCrash(t *testing.T) {
	s := NewRelayState()
	s = AddExtension(newEntry("e1", "profile:p1"))(s)
	s = AddTarget("e1", newTarget("s1", "t1", "https://a"))(s)
	s = AddTarget("e1", newTarget("s2", "t2", "https://b"))(s)

	s = RemoveTargetByCrash("e1", "t1")(s)
	e := s.Extensions["e1"]
	require.NotContains(t, e.ConnectedTargets, "s1")
	require.Contains(t, e.ConnectedTargets, "s2")
}

func TestRebindClientsToExtension(t *testing.T) {
	s := NewRelayState()
	s = AddExtension(newEntry("e1", "profile:p1"))(s)
	s = AddExtension(newEntry("e2", "profile:p1"))(s)
	s = AddPlaywrightClient(&PlaywrightClient{ID: "d1", ExtensionID: "e1"})(s)
	s = AddPlaywrightClient(&PlaywrightClient{ID: "d2", ExtensionID: "e2"})(s)

	s = RebindClientsToExtension("e1", "e2")(s)
	require.Equal(t, "e2", s.PlaywrightClients["d1"].ExtensionID)
	require.Equal(t, "e2", s.PlaywrightClients["d2"].ExtensionID)

	// Rebinding to a missing extension is a no-op.
	next := RebindClientsToExtension("e2", "gone")(s)
	sameMap(t, s.PlaywrightClients, next.PlaywrightClients)
}

func TestUpdateTargetURL(t *testing.T) {
	s := NewRelayState()
	s = AddExtension(newEntry("e1", "profile:p1"))(s)
	s = AddTarget("e1", newTarget("s1", "t1", "https://a"))(s)

	s = UpdateTargetURL("e1", "s1", "https://a/page", "Page A")(s)
	info := s.Extensions["e1"].ConnectedTargets["s1"].TargetInfo
	require.Equal(t, "https://a/page", info.URL)
	require.Equal(t, "Page A", info.Title)

	// Empty title leaves the old one in place.
	s = UpdateTargetURL("e1", "s1", "https://a/other", "")(s)
	info = s.Extensions["e1"].ConnectedTargets["s1"].TargetInfo
	require.Equal(t, "https://a/other", info.URL)
	require.Equal(t, "Page A", info.Title)
}

func TestStoreListeners(t *testing.T) {
	store := NewStore()

	var calls int
	var lastPrev, lastNext RelayState
	unsub := store.Subscribe(func(next, prev RelayState) {
		calls++
		lastNext, lastPrev = next, prev
	})

	store.SetState(AddExtension(newEntry("e1", "profile:p1")))
	require.Equal(t, 1, calls)
	require.Empty(t, lastPrev.Extensions)
	require.Len(t, lastNext.Extensions, 1)

	// Chained transitions notify once.
	store.SetState(
		AddExtension(newEntry("e2", "profile:p2")),
		AddPlaywrightClient(&PlaywrightClient{ID: "d1", ExtensionID: "e2"}),
	)
	require.Equal(t, 2, calls)

	unsub()
	store.SetState(RemoveExtension("e1"))
	require.Equal(t, 2, calls)
}

func TestStoreSnapshotStableAcrossReads(t *testing.T) {
	store := NewStore()
	store.SetState(AddExtension(newEntry("e1", "profile:p1")))

	a := store.GetState()
	b := store.GetState()
	sameMap(t, a.Extensions, b.Extensions)
}
