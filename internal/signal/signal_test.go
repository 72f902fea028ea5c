package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaiseAndSenseExact(t *testing.T) {
	s := New(DefaultConfig())
	s.Raise("hydration.complete", "sess-1")
	s.RaiseValue("request.method", "sess-1", "GET")

	events, err := s.Sense("request.method")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "GET", events[0].Value)
}

func TestSenseIsCaseInsensitive(t *testing.T) {
	s := New(DefaultConfig())
	s.Raise("UA.Is_CLI_Tool", "sess-1")

	events, err := s.Sense("ua.is_cli_tool")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestSenseWildcardPrefixSuffix(t *testing.T) {
	s := New(DefaultConfig())
	s.Raise("header.user_agent.present", "sess-1")
	s.Raise("header.accept.present", "sess-1")
	s.Raise("ua.browser:chrome", "sess-1")

	events, err := s.Sense("header.*.present")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSenseRejectsMultiWildcard(t *testing.T) {
	s := New(DefaultConfig())
	_, err := s.Sense("a*b*c")
	assert.ErrorIs(t, err, ErrMultiWildcard)
}

func TestRaiseValueExactRoundTrip(t *testing.T) {
	s := New(DefaultConfig())
	s.RaiseValue("ua.length", "sess-1", 42)

	events, err := s.Sense("ua.length")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.EqualValues(t, 42, events[0].Int())
}

func TestCapacityDropsOldestSilently(t *testing.T) {
	s := New(Config{MaxCapacity: 3})
	for i := 0; i < 5; i++ {
		s.Raise("evt", "sess-1")
	}
	assert.Equal(t, 3, s.Len())
}

func TestMaxAgeSweepsOnNextWrite(t *testing.T) {
	s := New(Config{MaxCapacity: 100, MaxAge: 10 * time.Millisecond})
	s.Raise("old", "sess-1")
	time.Sleep(20 * time.Millisecond)
	s.Raise("new", "sess-1")

	all := s.All()
	require.Len(t, all, 1)
	assert.Equal(t, "new", all[0].Name)
}

func TestClearPatternWildcard(t *testing.T) {
	s := New(DefaultConfig())
	s.Raise("header.ua.present", "sess-1")
	s.Raise("header.accept.present", "sess-1")
	s.Raise("ip.present", "sess-1")

	require.NoError(t, s.ClearPattern("header.*.present"))
	assert.Equal(t, 1, s.Len())
}

func TestEventsNeverMutatedAfterInsert(t *testing.T) {
	s := New(DefaultConfig())
	s.Raise("a", "sess-1")
	first := s.All()
	s.Raise("b", "sess-1")
	second := s.All()

	require.Len(t, first, 1)
	require.Len(t, second, 2)
	assert.Equal(t, first[0], second[0])
}
