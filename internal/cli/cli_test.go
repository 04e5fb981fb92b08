package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/reconcile"
	"github.com/victornm/livequiz/internal/server"
)

func TestLoadConfig(t *testing.T) {
	tests := map[string]struct {
		file   string
		env    map[string]string
		assert func(t *testing.T, c server.Config)
	}{
		"defaults without a file": {
			assert: func(t *testing.T, c server.Config) {
				assert.EqualValues(t, 8080, c.HTTP.Port)
				assert.Equal(t, []string{"imgur.com"}, c.Session.AllowedImageHosts)
				assert.Equal(t, 200*time.Millisecond, c.Leaderboard.PublishInterval)
				assert.Empty(t, c.PostgresDSN(), "no database means the in-memory store")
			},
		},
		"file and environment": {
			file: "postgres:\n  addr: db:5432\n  user: quiz\n  pass: secret\n  name: livequiz\nauth:\n  tokenttl: 1h\n",
			env:  map[string]string{"AUTH_SECRET": "from-env"},
			assert: func(t *testing.T, c server.Config) {
				assert.Equal(t, "postgres://quiz:secret@db:5432/livequiz?sslmode=disable", c.PostgresDSN())
				assert.Equal(t, time.Hour, c.Auth.TokenTTL)
				assert.Equal(t, "from-env", c.Auth.Secret)
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			file := ""
			if tc.file != "" {
				file = filepath.Join(t.TempDir(), "config.yaml")
				require.NoError(t, os.WriteFile(file, []byte(tc.file), 0o600))
			}

			c, err := loadConfig(file)
			require.NoError(t, err)
			tc.assert(t, c)
		})
	}
}

func TestScreen_Render(t *testing.T) {
	active := &domain.Session{Status: domain.StatusActive}
	question := &domain.Question{Points: 20, ImageURL: "https://i.imgur.com/q.png"}
	players := []domain.RankedPlayer{
		{Player: domain.Player{Name: "Ann", TotalScore: 30}, Rank: 1},
		{Player: domain.Player{Name: "Bo", TotalScore: 10}, Rank: 2},
	}

	tests := map[string]struct {
		snap reconcile.Snapshot
		want []string
	}{
		"waiting room": {
			snap: reconcile.Snapshot{Code: "ABCDEF", View: reconcile.ViewWaitingRoom, Players: players},
			want: []string{"ABCDEF", "2 player(s)"},
		},
		"answering": {
			snap: reconcile.Snapshot{View: reconcile.ViewAnswering, Session: active, Question: question},
			want: []string{"20 points", "i.imgur.com/q.png", "Type your answer"},
		},
		"already answered": {
			snap: reconcile.Snapshot{View: reconcile.ViewAlreadyAnswered, Session: active, Question: question},
			want: []string{"Answer submitted"},
		},
		"final results": {
			snap: reconcile.Snapshot{View: reconcile.ViewFinalResults, Players: players},
			want: []string{"Final results", "1. Ann", "2. Bo"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var (
				sc  screen
				out bytes.Buffer
			)

			sc.render(&out, tc.snap)
			for _, w := range tc.want {
				assert.Contains(t, out.String(), w)
			}

			out.Reset()
			sc.render(&out, tc.snap)
			assert.Empty(t, out.String(), "an unchanged screen is not printed again")
		})
	}
}

func TestRunWatch_RequiresCode(t *testing.T) {
	f := watchFlags{prefs: filepath.Join(t.TempDir(), "prefs.yaml")}

	err := runWatch(context.Background(), f, strings.NewReader(""), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session code")
}
