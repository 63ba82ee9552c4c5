package requestctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AmitNaikRepository/AI-Access-Guard/internal/auth"
)

func TestIdentityRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, ok := Identity(ctx)
	assert.False(t, ok)

	id := auth.Identity{Username: "amit", Role: auth.RoleEmployee}
	ctx2 := SetIdentity(ctx, id)

	got, ok := Identity(ctx2)
	assert.True(t, ok)
	assert.Equal(t, id, got)

	// The parent context stays untouched.
	_, ok = Identity(ctx)
	assert.False(t, ok)
}
