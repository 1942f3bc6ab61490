package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecloner/internal/config"
)

type fakeRunner struct {
	ran bool
}

func (f *fakeRunner) Run(context.Context) error {
	f.ran = true
	return nil
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	return root.ExecuteContext(context.Background())
}

// These tests swap package-level seams, so they do not run in parallel.

func TestServeBuildsAndRunsApp(t *testing.T) {
	fake := &fakeRunner{}
	var got config.Config
	orig := buildApp
	buildApp = func(_ context.Context, cfg config.Config) (runner, error) {
		got = cfg
		return fake, nil
	}
	t.Cleanup(func() { buildApp = orig })

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0o600))

	require.NoError(t, execute(t, "serve", "--config", path))
	require.True(t, fake.ran)
	require.Equal(t, 9191, got.Server.Port)
}

func TestServeReportsBuildFailure(t *testing.T) {
	orig := buildApp
	buildApp = func(context.Context, config.Config) (runner, error) {
		return nil, errors.New("no bucket")
	}
	t.Cleanup(func() { buildApp = orig })

	err := execute(t, "serve")
	require.ErrorContains(t, err, "failed to initialize application services")
}

func TestServeRejectsMissingConfig(t *testing.T) {
	err := execute(t, "serve", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestMigrateUsesConfiguredDSN(t *testing.T) {
	var dsn string
	orig := migrateDB
	migrateDB = func(_ context.Context, cfg config.Config, _ *zap.Logger) error {
		dsn = cfg.DB.DSN
		return nil
	}
	t.Cleanup(func() { migrateDB = orig })
	t.Setenv("SITECLONER_DB_DSN", "postgres://localhost/sitecloner")

	require.NoError(t, execute(t, "migrate"))
	require.Equal(t, "postgres://localhost/sitecloner", dsn)
}
