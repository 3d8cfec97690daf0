package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermitWhitelistOrder(t *testing.T) {
	c := newTrigger("raffle", noop, Options{Whitelist: []Role{RoleBroadcaster, RoleModerator}})

	assert.ErrorIs(t, c.Permit(Invoker{Login: "viewer"}, "", "bot"), ErrNotPermitted)
	assert.NoError(t, c.Permit(Invoker{Login: "mod", Moderator: true}, "", "bot"))
	assert.NoError(t, c.Permit(Invoker{Login: "streamer", Broadcaster: true}, "", "bot"))
	assert.ErrorIs(t, c.Permit(Invoker{Login: "vip", VIP: true}, "", "bot"), ErrNotPermitted)
}

func TestPermitRejectsBot(t *testing.T) {
	c := newTrigger("hi", noop, Options{})
	assert.ErrorIs(t, c.Permit(Invoker{Login: "CopilotBot"}, "", "copilotbot"), ErrNotPermitted)
	assert.NoError(t, c.Permit(Invoker{Login: "someone"}, "", "copilotbot"))
}

func TestPermitCategory(t *testing.T) {
	c := newTrigger("request", noop, Options{Categories: []string{"Spin Rhythm XD"}})
	assert.ErrorIs(t, c.Permit(Invoker{Login: "a"}, "", ""), ErrNotPermitted)
	assert.ErrorIs(t, c.Permit(Invoker{Login: "a"}, "Just Chatting", ""), ErrNotPermitted)
	assert.NoError(t, c.Permit(Invoker{Login: "a"}, "Spin Rhythm XD", ""))
}

func TestRemaining(t *testing.T) {
	c := newTrigger("x", noop, Options{Cooldown: 30 * time.Second})
	now := time.Now()
	assert.Zero(t, c.Remaining(now))
	c.MarkTriggered(now)
	assert.Equal(t, 20*time.Second, c.Remaining(now.Add(10*time.Second)))
	assert.Zero(t, c.Remaining(now.Add(30*time.Second)))
}

func TestRunRecoversPanic(t *testing.T) {
	c := newTrigger("boom", func(context.Context, Invocation) error { panic("kaboom") }, Options{})
	err := c.Run(context.Background(), Invocation{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestFallthroughDefaults(t *testing.T) {
	trig := newTrigger("t", noop, Options{})
	assert.False(t, trig.Fallthrough())

	re, err := newRegex(`x`, noop, Options{})
	require.NoError(t, err)
	assert.True(t, re.Fallthrough())

	re, err = newRegex(`y`, noop, Options{NoFallthrough: true})
	require.NoError(t, err)
	assert.False(t, re.Fallthrough())
}
