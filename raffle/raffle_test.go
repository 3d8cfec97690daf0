package raffle

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCounters struct {
	mu sync.Mutex
	m  map[string]int
}

func (c *memCounters) Get(_ context.Context, key string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[key], nil
}

func (c *memCounters) Set(_ context.Context, key string, v int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = v
	return nil
}

func (c *memCounters) Increment(_ context.Context, key string, d int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] += d
	return c.m[key], nil
}

type memScores struct {
	mu   sync.Mutex
	paid map[string]int
}

func (s *memScores) Add(_ context.Context, user, _ string, delta, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paid[user] += delta
	return nil
}

type nopChat struct{}

func (nopChat) Say(string, string) {}

type cueLog struct {
	mu    sync.Mutex
	names []string
}

func (c *cueLog) Play(name string, _ float64) {
	c.mu.Lock()
	c.names = append(c.names, name)
	c.mu.Unlock()
}

type zeroRand struct{}

func (zeroRand) Float64() float64 { return 0 }
func (zeroRand) IntN(int) int     { return 0 }

type fixture struct {
	r        *Raffle
	clock    *clockwork.FakeClock
	counters *memCounters
	scores   *memScores
	cues     *cueLog
}

func newFixture(rng Rand) *fixture {
	f := &fixture{
		clock:    clockwork.NewFakeClock(),
		counters: &memCounters{m: map[string]int{}},
		scores:   &memScores{paid: map[string]int{}},
		cues:     &cueLog{},
	}
	f.r = New(DefaultConfig(), f.clock, rng, f.counters, f.scores, nopChat{}, f.cues)
	return f
}

func TestIncrementRange(t *testing.T) {
	assert.Equal(t, 150, Increment(zeroRand{}))
	rng := rand.New(rand.NewPCG(7, 7))
	for i := 0; i < 1000; i++ {
		v := Increment(rng)
		assert.GreaterOrEqual(t, v, 150)
		assert.LessOrEqual(t, v, 150+935)
	}
}

func TestStartTopsUpPoolOnce(t *testing.T) {
	f := newFixture(zeroRand{})
	ctx := context.Background()
	assert.True(t, f.r.Start(ctx))
	assert.False(t, f.r.Start(ctx))
	pool, _ := f.r.Pool(ctx)
	assert.Equal(t, 150, pool)
	assert.True(t, f.r.Open())
}

func TestJoin(t *testing.T) {
	f := newFixture(zeroRand{})
	assert.False(t, f.r.Join(Entrant{ID: "1", DisplayName: "Alice"}), "closed raffle")

	f.r.Start(context.Background())
	assert.True(t, f.r.Join(Entrant{ID: "1", DisplayName: "Alice"}))
	assert.False(t, f.r.Join(Entrant{ID: "1", DisplayName: "Alice"}))
	assert.Equal(t, 1, f.r.Entrants())
}

func TestEndNoEntrantsKeepsPool(t *testing.T) {
	f := newFixture(zeroRand{})
	ctx := context.Background()
	f.r.Start(ctx)
	res, err := f.r.End(ctx)
	require.NoError(t, err)
	assert.Nil(t, res.Winner)
	pool, _ := f.r.Pool(ctx)
	assert.Equal(t, 150, pool)
	assert.False(t, f.r.Open())
}

func TestSingleEntrantGetsDouble(t *testing.T) {
	f := newFixture(zeroRand{})
	ctx := context.Background()
	require.True(t, f.r.Start(ctx))
	_, err := f.r.SetCredits(ctx, 100.9)
	require.NoError(t, err)
	total, err := f.r.AddCredits(ctx, 200)
	require.NoError(t, err)
	require.Equal(t, 300, total)

	f.r.Join(Entrant{ID: "7", DisplayName: "Solo"})
	res, err := f.r.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, 600, res.Paid)
	assert.Equal(t, 600, f.scores.paid["7"])
	pool, _ := f.r.Pool(ctx)
	assert.Equal(t, 0, pool)
	assert.Equal(t, []string{"applause"}, f.cues.names)
}

func TestMultipleEntrantsWaitsThenPays(t *testing.T) {
	f := newFixture(zeroRand{})
	ctx := context.Background()
	f.r.Start(ctx)
	f.r.Join(Entrant{ID: "1", DisplayName: "A"})
	f.r.Join(Entrant{ID: "2", DisplayName: "B"})

	done := make(chan Result, 1)
	go func() {
		res, err := f.r.End(ctx)
		assert.NoError(t, err)
		done <- res
	}()

	bctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(bctx, 1))
	assert.False(t, f.r.Join(Entrant{ID: "3"}), "joins close when end begins")
	assert.Empty(t, f.scores.paid)
	f.clock.Advance(6 * time.Second)
	require.NoError(t, f.clock.BlockUntilContext(bctx, 1))
	f.clock.Advance(3500 * time.Millisecond)

	select {
	case res := <-done:
		require.NotNil(t, res.Winner)
		assert.Equal(t, "1", res.Winner.ID)
		assert.Equal(t, 150, res.Paid)
	case <-time.After(time.Second):
		t.Fatal("end did not finish")
	}
	assert.Equal(t, map[string]int{"1": 150}, f.scores.paid)
}

func TestCancelLeavesPool(t *testing.T) {
	f := newFixture(zeroRand{})
	ctx := context.Background()
	assert.False(t, f.r.Cancel(ctx))
	f.r.Start(ctx)
	f.r.Join(Entrant{ID: "1"})
	assert.True(t, f.r.Cancel(ctx))
	assert.False(t, f.r.Open())
	pool, _ := f.r.Pool(ctx)
	assert.Equal(t, 150, pool)
	assert.Empty(t, f.scores.paid)

	// a cancelled raffle cannot be ended
	res, err := f.r.End(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Entrants)
}

func TestWinnerIsUniform(t *testing.T) {
	f := newFixture(rand.New(rand.NewPCG(1, 2)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // skip the drama pauses

	wins := map[string]int{}
	const runs = 3000
	for i := 0; i < runs; i++ {
		f.r.Start(ctx)
		for _, id := range []string{"a", "b", "c"} {
			f.r.Join(Entrant{ID: id})
		}
		res, err := f.r.End(ctx)
		require.NoError(t, err)
		require.NotNil(t, res.Winner)
		wins[res.Winner.ID]++
	}
	for _, id := range []string{"a", "b", "c"} {
		assert.InDelta(t, runs/3, wins[id], 150, "entrant %s", id)
	}
}
