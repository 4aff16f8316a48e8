package account

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/warden/pkg/fserr"
)

func TestStaticGatewayHoldLifecycle(t *testing.T) {
	g := NewStaticGateway("acct", 10)
	ctx := context.Background()

	holdID, err := g.ReserveCredits(ctx, 4)
	require.NoError(t, err)

	bal, err := g.Credits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6.0, bal.Available)
	assert.Equal(t, 4.0, bal.Reserved)

	// Settling for less than the hold returns the surplus.
	require.NoError(t, g.ReconcileCredits(ctx, holdID, 1.5))
	bal, _ = g.Credits(ctx)
	assert.Equal(t, 8.5, bal.Available)
	assert.Equal(t, 0.0, bal.Reserved)

	// The hold is gone.
	err = g.ReconcileCredits(ctx, holdID, 1)
	assert.True(t, fserr.IsCode(err, fserr.CodeNotFound))
}

func TestStaticGatewayReleaseRestores(t *testing.T) {
	g := NewStaticGateway("acct", 5)
	ctx := context.Background()

	holdID, err := g.ReserveCredits(ctx, 5)
	require.NoError(t, err)

	_, err = g.ReserveCredits(ctx, 0.01)
	assert.True(t, fserr.IsCode(err, fserr.CodeAccountFailure))

	require.NoError(t, g.ReleaseCredits(ctx, holdID))
	bal, _ := g.Credits(ctx)
	assert.Equal(t, 5.0, bal.Available)
}

func TestStaticGatewayInsufficientCredits(t *testing.T) {
	g := NewStaticGateway("acct", 1)
	_, err := g.ReserveCredits(context.Background(), 2)
	assert.True(t, fserr.IsCode(err, fserr.CodeAccountFailure))
}

func TestStaticGatewayAuthentication(t *testing.T) {
	g := NewStaticGateway("acct", 0)
	ctx := context.Background()

	st, err := g.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Authenticated)

	require.Error(t, g.SetToken(""))
	require.NoError(t, g.SetToken("tok-123"))

	st, _ = g.Status(ctx)
	assert.True(t, st.Authenticated)
	assert.Equal(t, "acct", st.Account)
}

func TestStaticGatewayChallenge(t *testing.T) {
	g := NewStaticGateway("acct", 0)
	ctx := context.Background()

	ch, err := g.PendingChallenge(ctx)
	require.NoError(t, err)
	assert.Nil(t, ch)

	err = g.SubmitChallenge(ctx, "answer")
	assert.True(t, fserr.IsCode(err, fserr.CodeNotFound))

	g.SetChallenge(&Challenge{ID: "c1", Kind: "otp", Prompt: "enter code"})
	ch, err = g.PendingChallenge(ctx)
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, "c1", ch.ID)

	require.NoError(t, g.SubmitChallenge(ctx, "123456"))
	ch, _ = g.PendingChallenge(ctx)
	assert.Nil(t, ch)
}
