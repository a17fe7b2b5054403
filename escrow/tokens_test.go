package escrow

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_tokens_takeIsSingleUse(t *testing.T) {
	tk := newTokens(clock.NewMock(), time.Hour)

	value, ok := tk.generate("_site")
	require.True(t, ok)

	_, ok = tk.take("_site", "wrong")
	assert.False(t, ok)

	token, ok := tk.take("_site", value)
	require.True(t, ok)

	_, ok = tk.take("_site", value)
	assert.False(t, ok, "already taken")

	tk.release("_site", token)
	_, ok = tk.take("_site", value)
	assert.True(t, ok, "released tokens can be taken again")
}

func Test_tokens_releaseKeepsNewerToken(t *testing.T) {
	clk := clock.NewMock()
	tk := newTokens(clk, time.Hour)

	first, ok := tk.generate("_site")
	require.True(t, ok)
	token, ok := tk.take("_site", first)
	require.True(t, ok)

	second, ok := tk.generate("_site")
	require.True(t, ok)

	tk.release("_site", token)
	_, ok = tk.take("_site", first)
	assert.False(t, ok)
	_, ok = tk.take("_site", second)
	assert.True(t, ok)
}

func Test_tokens_takeRejectsExpired(t *testing.T) {
	clk := clock.NewMock()
	tk := newTokens(clk, time.Hour)

	value, ok := tk.generate("_site")
	require.True(t, ok)

	clk.Add(time.Hour)
	_, ok = tk.take("_site", value)
	assert.False(t, ok)
}
