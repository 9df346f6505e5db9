package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_WriteStdinRoundTrips(t *testing.T) {
	st := NewStore(testConfig())
	sess, err := st.Create("echo-back", catOpts())
	require.NoError(t, err)

	sub := sess.Subscribe()
	require.NotNil(t, sub)
	defer sess.Unsubscribe(sub)

	require.NoError(t, sess.WriteStdin([]byte("ping\n")))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := sub.Recv(ctx)
	require.True(t, ok)
	assert.Contains(t, string(msg.Data), "ping")

	sess.Stop()
}

func TestSession_WriteStdinAfterStopFails(t *testing.T) {
	st := NewStore(testConfig())
	sess, err := st.Create("dead", catOpts())
	require.NoError(t, err)
	sess.Stop()

	require.Eventually(t, func() bool { return sess.Status() == StatusStopped }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, sess.WriteStdin([]byte("x")), ErrNotRunning)
}

func TestSession_ResizeAfterStopFails(t *testing.T) {
	st := NewStore(testConfig())
	sess, err := st.Create("dead2", catOpts())
	require.NoError(t, err)
	sess.Stop()

	require.Eventually(t, func() bool { return sess.Status() == StatusStopped }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, sess.Resize(10, 10), ErrNotRunning)
}

func TestSession_SubscribeAfterStopReturnsNil(t *testing.T) {
	st := NewStore(testConfig())
	sess, err := st.Create("dead3", catOpts())
	require.NoError(t, err)
	sess.Stop()

	require.Eventually(t, func() bool { return sess.Status() == StatusStopped }, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, sess.Subscribe())
}

func TestSession_IdleFalseUntilThresholdElapses(t *testing.T) {
	st := NewStore(testConfig())
	sess, err := st.Create("quiet", catOpts())
	require.NoError(t, err)
	defer sess.Stop()

	assert.False(t, sess.Idle())
}

func TestSession_IdleFalseWhenStopped(t *testing.T) {
	st := NewStore(testConfig())
	sess, err := st.Create("quiet2", catOpts())
	require.NoError(t, err)
	sess.Stop()

	require.Eventually(t, func() bool { return sess.Status() == StatusStopped }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, sess.Idle())
}

func TestSession_ScrollbackSurvivesStop(t *testing.T) {
	st := NewStore(testConfig())
	sess, err := st.Create("survivor", echoOpts("persisted"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sess.Status() == StatusStopped }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, string(sess.Scrollback()), "persisted")
}
