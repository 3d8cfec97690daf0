package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, Invocation) error { return nil }

func TestRegisterTriggerRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	first := func(context.Context, Invocation) error { return errors.New("first") }
	require.NoError(t, r.RegisterTrigger("hello", first, Options{Cooldown: time.Minute}))

	err := r.RegisterTrigger("hello", noop, Options{})
	require.ErrorIs(t, err, ErrDuplicateName)

	c, ok := r.ByName("hello")
	require.True(t, ok)
	assert.Equal(t, time.Minute, c.Cooldown())
	assert.EqualError(t, c.Run(context.Background(), Invocation{}), "first")
}

func TestAliasesShareInstance(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTrigger("credits", noop, Options{Aliases: []string{"balance", "Bal"}}))

	canon, _ := r.ByName("credits")
	alias, ok := r.ByName("bal")
	require.True(t, ok)
	assert.Same(t, canon, alias)

	now := time.Now()
	alias.MarkTriggered(now)
	assert.Equal(t, now, canon.LastTriggered())
	assert.Equal(t, "credits", alias.Identity())
}

func TestAliasDoesNotOverwriteExistingName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTrigger("odds", noop, Options{}))
	require.NoError(t, r.RegisterTrigger("coin", noop, Options{Aliases: []string{"odds"}}))

	odds, _ := r.ByName("odds")
	assert.Equal(t, "odds", odds.Name())
}

func TestRegisterRegexRejectsDuplicateRoot(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterRegex(`overlay`, noop, Options{Aliases: []string{`widget`}}))
	assert.ErrorIs(t, r.RegisterRegex(`overlay`, noop, Options{}), ErrDuplicatePattern)
	assert.ErrorIs(t, r.RegisterRegex(`widget`, noop, Options{}), ErrDuplicatePattern)
	assert.Error(t, r.RegisterRegex(`(unclosed`, noop, Options{}))
}

func TestMatchTextOrderAndCase(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterRegex(`what.*overlay`, noop, Options{}))
	require.NoError(t, r.RegisterRegex(`overlay`, noop, Options{}))
	require.NoError(t, r.RegisterRegex(`Exact`, noop, Options{CaseSensitive: true, Aliases: []string{`loose`}}))

	c, ok := r.MatchText("WHAT is that OVERLAY")
	require.True(t, ok)
	assert.Equal(t, `what.*overlay`, c.Identity())

	c, ok = r.MatchText("nice overlay")
	require.True(t, ok)
	assert.Equal(t, `overlay`, c.Identity())

	_, ok = r.MatchText("exact")
	assert.False(t, ok)
	c, ok = r.MatchText("LOOSE")
	require.True(t, ok)
	assert.Equal(t, `Exact`, c.Identity())

	_, ok = r.MatchText("nothing here")
	assert.False(t, ok)
}

func TestCounts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterTrigger("a", noop, Options{Aliases: []string{"b", "c"}}))
	require.NoError(t, r.RegisterTrigger("d", noop, Options{}))
	require.NoError(t, r.RegisterRegex(`x`, noop, Options{Aliases: []string{`y`}}))
	require.NoError(t, r.RegisterRegex(`z`, noop, Options{}))

	assert.Equal(t, Counts{Triggers: 4, UniqueTriggers: 2, Patterns: 3, UniqueRegexes: 2}, r.Counts())
}
