package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildApp_DefaultActionRunsServer(t *testing.T) {
	called := 0
	gotDir := ""
	app := BuildApp(Deps{
		RunServer: func(_ context.Context, configDir string) error {
			called++
			gotDir = configDir
			return nil
		},
	})

	err := app.RunContext(context.Background(), []string{"maestro"})
	require.NoError(t, err)
	assert.Equal(t, 1, called)
	assert.Equal(t, "./config", gotDir)
}

func TestBuildApp_ServerCommand(t *testing.T) {
	called := 0
	app := BuildApp(Deps{
		RunServer: func(context.Context, string) error {
			called++
			return nil
		},
	})

	err := app.RunContext(context.Background(), []string{"maestro", "server"})
	require.NoError(t, err)
	assert.Equal(t, 1, called)
}

func TestBuildApp_ServerStartCommand(t *testing.T) {
	called := 0
	app := BuildApp(Deps{
		RunServer: func(context.Context, string) error {
			called++
			return nil
		},
	})

	err := app.RunContext(context.Background(), []string{"maestro", "server", "start"})
	require.NoError(t, err)
	assert.Equal(t, 1, called)
}

func TestBuildApp_ConfigDirFlag(t *testing.T) {
	gotDir := ""
	app := BuildApp(Deps{
		RunServer: func(_ context.Context, configDir string) error {
			gotDir = configDir
			return nil
		},
	})

	err := app.RunContext(context.Background(),
		[]string{"maestro", "--config-dir", "/etc/maestro", "server", "start"})
	require.NoError(t, err)
	assert.Equal(t, "/etc/maestro", gotDir)
}

func TestBuildApp_RunnerErrorPropagates(t *testing.T) {
	boom := errors.New("listen failed")
	app := BuildApp(Deps{
		RunServer: func(context.Context, string) error {
			return boom
		},
	})

	err := app.RunContext(context.Background(), []string{"maestro"})
	require.ErrorIs(t, err, boom)
}

func TestBuildApp_MissingRunner(t *testing.T) {
	app := BuildApp(Deps{})

	err := app.RunContext(context.Background(), []string{"maestro"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}
