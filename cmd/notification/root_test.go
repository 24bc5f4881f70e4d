package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/tabelist/internal/config"
	"github.com/nao1215/tabelist/internal/notification"
	"github.com/nao1215/tabelist/internal/notification/broker"
	"github.com/nao1215/tabelist/internal/notification/db"
	"github.com/nao1215/tabelist/pkg/logging"
)

const testSecret = "cli-test-secret"

// writeTestConfig は一時ディレクトリのデータベースを使う設定ファイルを作成する。
func writeTestConfig(t *testing.T) (configPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "notification.db")
	configPath = filepath.Join(dir, "notification.yaml")
	body := "database_path: " + dbPath + "\njwt_secret: " + testSecret + "\nlog_level: error\n"
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0o600))
	return configPath, dbPath
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	names := make([]string, 0, len(cmd.Commands()))
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "sweep", "announce", "token"})
	assert.True(t, cmd.SilenceUsage)
}

func TestTokenCmd(t *testing.T) {
	t.Parallel()

	configPath, _ := writeTestConfig(t)
	out, err := execute(t, "--config", configPath, "token", "user-1", "--email", "u1@example.com")
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (any, error) {
		return []byte(testSecret), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["user_id"])
	assert.Equal(t, "u1@example.com", claims["email"])
}

func TestTokenCmd_RequiresUserID(t *testing.T) {
	t.Parallel()

	configPath, _ := writeTestConfig(t)
	_, err := execute(t, "--config", configPath, "token")
	assert.Error(t, err)
}

func TestAnnounceCmd(t *testing.T) {
	t.Parallel()

	configPath, dbPath := writeTestConfig(t)
	out, err := execute(t, "--config", configPath, "announce",
		"--title", "メンテナンスのお知らせ",
		"--message", "今夜2時から停止します",
		"--recipient", "u1",
		"--recipient", "u2",
		"--recipient", "u1",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "作成: 2件")

	ctx := context.Background()
	store, err := db.Open(ctx, dbPath, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, id := range []string{"u1", "u2"} {
		list, err := store.ListByUser(ctx, id, notification.ListOptions{})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, notification.TypeSystemAnnouncement, list[0].Type)
		assert.Equal(t, "メンテナンスのお知らせ", list[0].Title)
	}
}

func TestAnnounceCmd_RequiresTitle(t *testing.T) {
	t.Parallel()

	configPath, _ := writeTestConfig(t)
	_, err := execute(t, "--config", configPath, "announce", "--message", "本文のみ")
	assert.Error(t, err)
}

func TestSweepCmd(t *testing.T) {
	t.Parallel()

	configPath, dbPath := writeTestConfig(t)
	ctx := context.Background()

	store, err := db.Open(ctx, dbPath, logging.Discard())
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	for _, exp := range []*time.Time{&past, &future, nil} {
		_, err := store.InsertNotification(ctx, notification.CreateParams{
			RecipientID: "u1",
			Type:        notification.TypeSystemAnnouncement,
			Title:       "お知らせ",
			Message:     "本文",
			ExpiresAt:   exp,
		})
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	out, err := execute(t, "--config", configPath, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "1件削除しました")
}

func TestNewSenders(t *testing.T) {
	t.Parallel()

	logger := logging.Discard()

	t.Run("発行先が未設定なら空", func(t *testing.T) {
		t.Parallel()
		senders := newSenders(context.Background(), config.Default(), "token", logger)
		assert.Empty(t, senders)
	})

	t.Run("Event StoreのURLがあればEventStoreSender", func(t *testing.T) {
		t.Parallel()
		cfg := config.Default()
		cfg.EventStoreURL = "http://eventstore:8084"
		senders := newSenders(context.Background(), cfg, "token", logger)
		require.Len(t, senders, 1)
		assert.IsType(t, &broker.EventStoreSender{}, senders[0])
	})
}
