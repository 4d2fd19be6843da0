package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func liveEntry(id, key string) *ExtensionEntry {
	e := newEntry(id, key)
	e.Conn = &Conn{}
	return e
}

func TestFindExtensionByStableKeyNewestWins(t *testing.T) {
	s := NewRelayState()
	s = AddExtension(liveEntry("e1", "profile:p1"))(s)
	s = AddExtension(liveEntry("e2", "profile:p1"))(s)

	got := s.FindExtensionByStableKey("profile:p1")
	require.NotNil(t, got)
	require.Equal(t, "e2", got.ID)

	require.Nil(t, s.FindExtensionByStableKey("profile:p2"))
}

func TestFindExtensionIDByCDPSession(t *testing.T) {
	s := NewRelayState()
	s = AddExtension(liveEntry("e1", "profile:p1"))(s)
	s = AddExtension(liveEntry("e2", "profile:p2"))(s)
	s = AddTarget("e2", newTarget("pw-tab-1", "t1", "https://a"))(s)

	id, ok := s.FindExtensionIDByCDPSession("pw-tab-1")
	require.True(t, ok)
	require.Equal(t, "e2", id)

	_, ok = s.FindExtensionIDByCDPSession("pw-tab-9")
	require.False(t, ok)
}

func TestGetExtensionConnectionDirectAndStableKey(t *testing.T) {
	s := NewRelayState()
	s = AddExtension(liveEntry("e1", "profile:p1"))(s)

	require.Equal(t, "e1", s.GetExtensionConnection("e1", false).ID)
	// Unknown ids are interpreted as stable keys.
	require.Equal(t, "e1", s.GetExtensionConnection("profile:p1", false).ID)
	require.Nil(t, s.GetExtensionConnection("profile:p2", false))
}

func TestGetExtensionConnectionGraceRedirect(t *testing.T) {
	s := NewRelayState()
	dead := newEntry("e1", "profile:p1")
	s = AddExtension(dead)(s)
	s = AddExtension(liveEntry("e2", "profile:p1"))(s)

	// A direct hit on a detached entry routes to its live successor.
	require.Equal(t, "e2", s.GetExtensionConnection("e1", false).ID)
}

func TestGetExtensionConnectionFallback(t *testing.T) {
	s := NewRelayState()
	require.Nil(t, s.GetExtensionConnection("", true))
	require.Nil(t, s.GetExtensionConnection("", false))

	s = AddExtension(liveEntry("e1", "profile:p1"))(s)
	require.Equal(t, "e1", s.GetExtensionConnection("", true).ID)

	// Two live extensions: ambiguous, unless exactly one holds targets.
	s = AddExtension(liveEntry("e2", "profile:p2"))(s)
	require.Nil(t, s.GetExtensionConnection("", true))

	s = AddTarget("e2", newTarget("pw-tab-1", "t1", "https://a"))(s)
	require.Equal(t, "e2", s.GetExtensionConnection("", true).ID)

	// Both holding targets: ambiguous again.
	s = AddTarget("e1", newTarget("pw-tab-2", "t2", "https://b"))(s)
	require.Nil(t, s.GetExtensionConnection("", true))
}
