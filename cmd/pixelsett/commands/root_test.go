package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/pixelsett/internal/canvas"
	"github.com/dyluth/pixelsett/internal/config"
	"github.com/dyluth/pixelsett/internal/repository"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRootCommand_ShowsHelpWhenNoSubcommand tests that the root command
// shows help instead of silently succeeding when invoked without a subcommand
func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	output := buf.String()
	assert.Contains(t, output, "Usage:")
	assert.Contains(t, output, "pixelsett")
	for _, sub := range []string{"serve", "migrate", "locks", "watch"} {
		assert.Contains(t, output, sub, "help should list %s", sub)
	}
}

// TestRootCommand_RejectsUnknownFlags tests that unknown flags
// passed to the root command cause an error instead of being silently ignored
func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	testRoot := &cobra.Command{
		Use: "pixelsett",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
	}
	testRoot.SetArgs([]string{"--unknown-flag", "value"})
	buf := new(bytes.Buffer)
	testRoot.SetOut(buf)
	testRoot.SetErr(buf)

	err := testRoot.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestSetVersionInfo(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123", "2025-06-01")
	assert.Equal(t, "1.2.3 (commit: abc123, built: 2025-06-01)", rootCmd.Version)
}

func writeConfig(t *testing.T, redisURL string) string {
	t.Helper()
	t.Setenv(config.EnvInstanceName, "")
	t.Setenv(config.EnvRedisURL, "")
	t.Setenv(config.EnvDatabase, "")

	dir := t.TempDir()
	path := filepath.Join(dir, "pixelsett.yml")
	content := `version: "1.0"
instance: test
redis_url: ` + redisURL + `
database_path: ` + filepath.Join(dir, "pixelsett.db") + `
canvas:
  mint_countdown: 10s
chain:
  rpc_url: http://localhost:8899
  program_id: PixeLsett1111111111111111111111111111111111
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// seedCanvas stores a draft canvas in the configured database.
func seedCanvas(t *testing.T, name string) *canvas.Canvas {
	t.Helper()
	cfg, err := loadConfig()
	require.NoError(t, err)
	repo, err := repository.OpenSQLite(cfg.DatabasePath)
	require.NoError(t, err)
	defer repo.Close()

	now := time.Now().UTC().Truncate(time.Second)
	cv := &canvas.Canvas{
		ID:            uuid.New().String(),
		Name:          name,
		State:         canvas.StateDraft,
		Owner:         "owner",
		InviteCode:    uuid.New().String()[:8],
		Collaborators: []string{"owner"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, repo.CreateCanvas(context.Background(), cv, canvas.DefaultColor))
	return cv
}

func withConfigPath(t *testing.T, path string) {
	t.Helper()
	old := configPath
	configPath = path
	t.Cleanup(func() { configPath = old })
}

func TestLoadConfig(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		withConfigPath(t, writeConfig(t, "redis://localhost:6379"))

		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "test", cfg.Instance)

		sc := settlementConfig(cfg)
		assert.Equal(t, 10*time.Second, sc.MintCountdown)
		assert.Equal(t, time.Minute, sc.MintInitiateWindow)
		assert.Equal(t, 2*time.Minute, sc.PublishTimeout)
		assert.Equal(t, 2*time.Minute, sc.MintTimeout)
	})

	t.Run("missing file", func(t *testing.T) {
		withConfigPath(t, filepath.Join(t.TempDir(), "absent.yml"))

		_, err := loadConfig()
		require.Error(t, err)
		assert.Equal(t, "configuration not loaded", err.Error())
	})
}

func TestConnectStore(t *testing.T) {
	mr := miniredis.RunT(t)
	withConfigPath(t, writeConfig(t, "redis://"+mr.Addr()))
	cfg, err := loadConfig()
	require.NoError(t, err)

	t.Run("reachable", func(t *testing.T) {
		store, err := connectStore(context.Background(), cfg)
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, "test", store.InstanceName())
	})

	t.Run("bad url", func(t *testing.T) {
		bad := *cfg
		bad.RedisURL = "://nope"
		_, err := connectStore(context.Background(), &bad)
		require.Error(t, err)
		assert.Equal(t, "invalid redis_url", err.Error())
	})

	t.Run("unreachable", func(t *testing.T) {
		down := *cfg
		down.RedisURL = "redis://127.0.0.1:1"
		_, err := connectStore(context.Background(), &down)
		require.Error(t, err)
		assert.Equal(t, "Redis connection failed", err.Error())
	})
}

func TestRunLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	withConfigPath(t, writeConfig(t, "redis://"+mr.Addr()))

	t.Run("invalid output", func(t *testing.T) {
		locksOutputFormat = "yaml"
		t.Cleanup(func() { locksOutputFormat = "default" })

		err := runLocks(locksCmd, []string{"0b0e4f5c-94f6-4a4c-9a43-3f6f0f2d4b7e"})
		require.Error(t, err)
		assert.Equal(t, "invalid output format", err.Error())
	})

	t.Run("unknown canvas", func(t *testing.T) {
		err := runLocks(locksCmd, []string{"0b0e4f5c-94f6-4a4c-9a43-3f6f0f2d4b7e"})
		require.Error(t, err)
		assert.Equal(t, "canvas not found", err.Error())
	})

	t.Run("short id", func(t *testing.T) {
		cv := seedCanvas(t, "dawn")
		assert.NoError(t, runLocks(locksCmd, []string{cv.ID[:8]}))
	})

	t.Run("prefix too short", func(t *testing.T) {
		err := runLocks(locksCmd, []string{"0b0e"})
		require.Error(t, err)
		assert.Equal(t, "invalid canvas id", err.Error())
	})
}

func TestRunWatch_Validation(t *testing.T) {
	reset := func() {
		watchCanvasID, watchOutputFormat, watchUntilState = "", "default", ""
	}
	t.Cleanup(reset)

	t.Run("invalid output", func(t *testing.T) {
		reset()
		watchOutputFormat = "xml"
		err := runWatch(watchCmd, nil)
		require.Error(t, err)
		assert.Equal(t, "invalid output format", err.Error())
	})

	t.Run("deleted is not observable", func(t *testing.T) {
		reset()
		watchUntilState = "deleted"
		watchCanvasID = "0b0e4f5c-94f6-4a4c-9a43-3f6f0f2d4b7e"
		err := runWatch(watchCmd, nil)
		require.Error(t, err)
		assert.Equal(t, "invalid state", err.Error())
	})

	t.Run("invalid state", func(t *testing.T) {
		reset()
		watchUntilState = "sold"
		watchCanvasID = "0b0e4f5c-94f6-4a4c-9a43-3f6f0f2d4b7e"
		err := runWatch(watchCmd, nil)
		require.Error(t, err)
		assert.Equal(t, "invalid state", err.Error())
	})

	t.Run("until-state needs a canvas", func(t *testing.T) {
		reset()
		watchUntilState = "minted"
		err := runWatch(watchCmd, nil)
		require.Error(t, err)
		assert.Equal(t, "--until-state requires --canvas", err.Error())
	})
}

func TestMigrateCommands(t *testing.T) {
	withConfigPath(t, writeConfig(t, "redis://localhost:6379"))

	require.NoError(t, migrateUpCmd.RunE(migrateUpCmd, nil))
	require.NoError(t, migrateVersionCmd.RunE(migrateVersionCmd, nil))
	require.NoError(t, migrateDownCmd.RunE(migrateDownCmd, nil))
	assert.Equal(t, "7", fmtUint(7))
}

func TestParseStates(t *testing.T) {
	states, err := parseStates(nil)
	require.NoError(t, err)
	assert.Equal(t, allStates, states)

	states, err = parseStates([]string{"minted", "draft"})
	require.NoError(t, err)
	assert.Equal(t, []canvas.State{canvas.StateMinted, canvas.StateDraft}, states)

	_, err = parseStates([]string{"sold"})
	assert.Error(t, err)
	_, err = parseStates([]string{"deleted"})
	assert.Error(t, err)
}

func TestRunCanvases(t *testing.T) {
	withConfigPath(t, writeConfig(t, "redis://localhost:6379"))
	reset := func() {
		canvasesStates, canvasesOwner, canvasesName = nil, "", ""
		canvasesSince, canvasesUntil, canvasesOutputFormat = "", "", "default"
	}
	t.Cleanup(reset)

	seedCanvas(t, "sunset")

	t.Run("lists", func(t *testing.T) {
		reset()
		canvasesName = "sun*"
		canvasesSince = "1h"
		assert.NoError(t, runCanvases(canvasesCmd, nil))
	})

	t.Run("json", func(t *testing.T) {
		reset()
		canvasesOutputFormat = "json"
		assert.NoError(t, runCanvases(canvasesCmd, nil))
	})

	t.Run("invalid range", func(t *testing.T) {
		reset()
		canvasesSince, canvasesUntil = "1h", "2h"
		err := runCanvases(canvasesCmd, nil)
		require.Error(t, err)
		assert.Equal(t, "invalid time range", err.Error())
	})

	t.Run("invalid state", func(t *testing.T) {
		reset()
		canvasesStates = []string{"sold"}
		err := runCanvases(canvasesCmd, nil)
		require.Error(t, err)
		assert.Equal(t, "invalid state", err.Error())
	})
}
