package subject

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRoundTrips(t *testing.T) {
	s, err := New("arvo.orc.test", "0.0.1", "com.test.service", map[string]string{"redirectto": "com.test.sink"})
	require.NoError(t, err)
	c, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, "arvo.orc.test", c.Orchestrator.Name)
	require.Equal(t, "0.0.1", c.Orchestrator.Version)
	require.Equal(t, "com.test.service", c.Execution.Initiator)
	require.Equal(t, "com.test.sink", c.Meta["redirectto"])
	require.Empty(t, c.Execution.Chain)

	// Re-encoding parsed content yields the same bytes.
	again, err := Encode(c)
	require.NoError(t, err)
	require.Equal(t, s, again)
}

func TestNewMintsDistinctSubjects(t *testing.T) {
	a, err := New("arvo.orc.test", "0.0.1", "com.test.service", nil)
	require.NoError(t, err)
	b, err := New("arvo.orc.test", "0.0.1", "com.test.service", nil)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestFromPreservesInitiatorAndExtendsChain(t *testing.T) {
	root, err := New("arvo.orc.parent", "1.2.3", "com.test.service", nil)
	require.NoError(t, err)
	child, err := From(root, "arvo.orc.child", "0.1.0", map[string]string{"redirectto": "arvo.orc.parent"})
	require.NoError(t, err)

	cc, err := Parse(child)
	require.NoError(t, err)
	require.Equal(t, "com.test.service", cc.Execution.Initiator)
	require.Equal(t, []string{"arvo.orc.parent"}, cc.Execution.Chain)
	require.Equal(t, "arvo.orc.child", cc.Orchestrator.Name)

	grandchild, err := From(child, "arvo.orc.leaf", "0.0.1", nil)
	require.NoError(t, err)
	gc, err := Parse(grandchild)
	require.NoError(t, err)
	require.Equal(t, "com.test.service", gc.Execution.Initiator)
	require.Equal(t, []string{"arvo.orc.parent", "arvo.orc.child"}, gc.Execution.Chain)
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "not base64!!", "bm90LWpzb24", "e30"} {
		_, err := Parse(s)
		require.ErrorIs(t, err, ErrInvalid, "subject %q", s)
		require.False(t, IsValid(s))
	}
}

func TestValidationRules(t *testing.T) {
	_, err := New("Not.Valid.Name", "0.0.1", "com.test.service", nil)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = New("arvo.orc.test", "1.0", "com.test.service", nil)
	require.ErrorIs(t, err, ErrInvalid, "partial semver rejected")

	_, err = New("arvo.orc.test", "0.0.1", "", nil)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestRedirectToFallsBackToInitiator(t *testing.T) {
	s, err := New("arvo.orc.test", "0.0.1", "com.test.service", nil)
	require.NoError(t, err)
	c, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, "com.test.service", c.RedirectTo())

	c.Meta["redirectto"] = "com.other"
	require.Equal(t, "com.other", c.RedirectTo())
}
