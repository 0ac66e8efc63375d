package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterflow/meterflow/features/store/memory"
)

const validSeed = `
users:
  - id: user-1
    token: token-1
  - id: user-2
    token: token-2
workspaces:
  - id: ws-1
    name: Research
    members: [user-1, user-2]
    settings:
      autoPayEnabled: true
      autoPayMaxPerStepAtomic: "500"
      toolAllowlist: [tool.example.com]
tools:
  - id: tool-1
    workspaceId: ws-1
    name: search
    description: web search
    baseUrl: https://tool.example.com
    endpoints:
      - path: /v1/search
        method: POST
    pricingHints:
      /v1/search: "250"
`

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSeed(t *testing.T) {
	t.Parallel()

	seed, err := loadSeed(writeSeed(t, validSeed))
	require.NoError(t, err)
	require.Len(t, seed.Users, 2)
	require.Len(t, seed.Workspaces, 1)
	require.Len(t, seed.Tools, 1)
	assert.Equal(t, "ws-1", seed.Tools[0].WorkspaceID)
	assert.Equal(t, "250", seed.Tools[0].PricingHints["/v1/search"])
}

func TestLoadSeedRejectsInvalid(t *testing.T) {
	t.Parallel()

	type testCase struct {
		name    string
		content string
		want    string
	}
	cases := []testCase{
		{name: "not_yaml", content: "users: [", want: "parse seed"},
		{name: "no_users", content: "workspaces: []", want: "no users"},
		{
			name:    "user_missing_token",
			content: "users:\n  - id: user-1",
			want:    "id and token are required",
		},
		{
			name:    "duplicate_user",
			content: "users:\n  - {id: user-1, token: a}\n  - {id: user-1, token: b}",
			want:    `duplicate user "user-1"`,
		},
		{
			name:    "workspace_missing_name",
			content: "users:\n  - {id: user-1, token: a}\nworkspaces:\n  - id: ws-1",
			want:    "id and name are required",
		},
		{
			name: "member_not_seeded",
			content: `
users:
  - {id: user-1, token: a}
workspaces:
  - {id: ws-1, name: W, members: [ghost]}
`,
			want: `member "ghost" is not a seeded user`,
		},
		{
			name: "tool_unknown_workspace",
			content: `
users:
  - {id: user-1, token: a}
workspaces:
  - {id: ws-1, name: W}
tools:
  - {id: tool-1, workspaceId: ws-9, name: t, baseUrl: "https://t.example.com"}
`,
			want: `unknown workspace "ws-9"`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := loadSeed(writeSeed(t, tc.content))
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestSeedApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	seed, err := loadSeed(writeSeed(t, validSeed))
	require.NoError(t, err)

	workspaces := memory.NewWorkspaceStore()
	tools := memory.NewToolStore()
	require.NoError(t, seed.apply(ctx, workspaces, tools))

	ws, err := workspaces.Get(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "Research", ws.Name)
	assert.True(t, ws.Settings.AutoPayEnabled)
	assert.Equal(t, "500", ws.Settings.AutoPayMaxPerStepAtomic)

	seeded, err := tools.Get(ctx, "tool-1")
	require.NoError(t, err)
	assert.Equal(t, "https://tool.example.com", seeded.BaseURL)
	require.Len(t, seeded.Endpoints, 1)
	assert.Equal(t, "/v1/search", seeded.Endpoints[0].Path)

	// Re-applying against a populated store is a no-op, not an error.
	require.NoError(t, seed.apply(ctx, workspaces, tools))
}

func TestSeedAuthenticatorAndMembership(t *testing.T) {
	t.Parallel()

	seed, err := loadSeed(writeSeed(t, validSeed))
	require.NoError(t, err)

	auth := seed.authenticator()
	req, err := http.NewRequest(http.MethodGet, "/v1/runs", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer token-2")
	userID, err := auth.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "user-2", userID)

	req.Header.Set("Authorization", "Bearer bogus")
	_, err = auth.Authenticate(req)
	require.Error(t, err)

	members := seed.membership()
	ok, err := members.IsMember(context.Background(), "user-1", "ws-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = members.IsMember(context.Background(), "ghost", "ws-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
