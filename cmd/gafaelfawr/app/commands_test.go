package app

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/service"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlite"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

func TestDebugFlagBindsToViper(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--debug", "generate-token"})

	require.NoError(t, cmd.Execute())
	assert.True(t, viper.GetBool("debug"))
}

func TestSeedAdminsActor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := service.New(
		sqlite.NewTokenStore(db),
		sqlite.NewHistoryStore(db),
		sqlite.NewAdminStore(db),
		nil,
		service.Options{SessionLifetime: time.Hour, MintLifetime: mintLifetime},
	)

	require.NoError(t, seedAdmins(ctx, svc, []string{"alice", "bob"}))
	// Re-seeding on restart must be a no-op.
	require.NoError(t, seedAdmins(ctx, svc, []string{"alice", "bob"}))

	admins, err := svc.Admins(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, admins)

	var actor string
	err = db.DB().QueryRowContext(ctx,
		`SELECT actor FROM admin_history WHERE username = ?`, "alice").Scan(&actor)
	require.NoError(t, err)
	assert.Equal(t, token.BootstrapUsername, actor)
}
