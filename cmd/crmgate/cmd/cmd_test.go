package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/crmgate/internal/util"
	"github.com/jmcleod/crmgate/session"
)

type cliEnv struct {
	config   string
	data     string
	sessions atomic.Int32
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	env := &cliEnv{data: t.TempDir()}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/api/config/update-date":
			env.sessions.Add(1)
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/api/users/anna":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id":7,"cognito_user_name":"anna","name":"Anna","full_name":"Anna Nowak","branch":"KRK","longitude":19.94,"latitude":50.06}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(backend.Close)

	hash, err := util.HashPassword("Haslo123", util.Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, KeyLen: 32})
	require.NoError(t, err)
	env.config = filepath.Join(t.TempDir(), "crmgate.yaml")
	cfg := `
session:
  origin: "http://crm.local:3000"
backend:
  url: "` + backend.URL + `"
identity:
  provider: local
  local:
    secret: "0123456789abcdef0123456789abcdef"
    users:
      - username: anna
        password_hash: "` + hash + `"
        groups: [BRANCH]
        attributes:
          locale: pl_PL
log:
  level: error
`
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o600))
	return env
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	loginUser, loginPassword, whoamiOffline = "", "", false
	confirmCode, confirmNewPassword, serveAddr = "", "", ""

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(""))
	base := []string{"--config", e.config, "--data-dir", e.data, "--env-file", filepath.Join(e.data, "none.env")}
	rootCmd.SetArgs(append(args, base...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestSessionLifecycle(t *testing.T) {
	env := newCLIEnv(t)

	out, _, err := env.run(t, "login", "-u", "anna", "-p", "Haslo123")
	require.NoError(t, err)
	var res session.SignInResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, session.SignInResult{Success: true, Role: session.RoleBranch, Landing: session.PathCosts}, res)
	assert.Equal(t, int32(1), env.sessions.Load())

	out, _, err = env.run(t, "whoami")
	require.NoError(t, err)
	var v session.View
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.True(t, v.IsAuthenticated)
	assert.Equal(t, session.RoleBranch, v.Role)
	assert.Equal(t, "Anna Nowak", v.FullName)
	assert.Equal(t, "pl-PL", v.Locale)

	out, _, err = env.run(t, "whoami", "--offline")
	require.NoError(t, err)
	assert.Contains(t, out, `"BRANCH"`)
	assert.Contains(t, out, `"KRK"`)

	out, _, err = env.run(t, "navigate", "/dashboard")
	require.NoError(t, err)
	assert.Equal(t, "-> /costs\n", out)

	out, _, err = env.run(t, "navigate", "/costs")
	require.NoError(t, err)
	assert.Equal(t, "render /costs\n", out)

	out, _, err = env.run(t, "logout")
	require.NoError(t, err)
	assert.Contains(t, out, "-> /login")

	out, _, err = env.run(t, "whoami")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.False(t, v.IsAuthenticated)
}

func TestLoginFailureShowsLocalizedMessage(t *testing.T) {
	env := newCLIEnv(t)
	_, stderr, err := env.run(t, "login", "-u", "anna", "-p", "wrong")
	require.Error(t, err)
	assert.Contains(t, stderr, "Nieprawidłowy login lub hasło")
	assert.Zero(t, env.sessions.Load())
}

func TestPasswordReset(t *testing.T) {
	env := newCLIEnv(t)

	out, _, err := env.run(t, "reset-password", "anna")
	require.NoError(t, err)
	m := regexp.MustCompile(`code for anna: (\d{6})`).FindStringSubmatch(out)
	require.Len(t, m, 2, out)

	_, stderr, err := env.run(t, "confirm-reset-password", "anna", "--code", "000000x", "--new-password", "Nowe1234")
	require.Error(t, err)
	assert.NotEmpty(t, stderr)

	out, _, err = env.run(t, "confirm-reset-password", "anna", "--code", m[1], "--new-password", "Nowe1234")
	require.NoError(t, err)
	assert.Contains(t, out, "Password changed.")

	_, _, err = env.run(t, "login", "-u", "anna", "-p", "Nowe1234")
	require.NoError(t, err)
}

func TestLoginReadsPasswordFromStdin(t *testing.T) {
	env := newCLIEnv(t)
	loginUser, loginPassword = "", ""
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetIn(strings.NewReader("Haslo123\n"))
	rootCmd.SetArgs([]string{"login", "-u", "anna", "--config", env.config, "--data-dir", env.data,
		"--env-file", filepath.Join(env.data, "none.env")})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), `"Success": true`)
}

func TestVersion(t *testing.T) {
	env := newCLIEnv(t)
	out, _, err := env.run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "crmgate dev\n", out)
}

func TestClientGuardFor(t *testing.T) {
	assert.False(t, clientGuardFor("/login").RequireAuth)
	assert.False(t, clientGuardFor("/reset-password/confirm").RequireAuth)
	assert.Equal(t, []session.Role{session.RoleAdmin, session.RoleBoard}, clientGuardFor("/dashboard/kpi").AllowedRoles)
	assert.Empty(t, clientGuardFor("/costs").AllowedRoles)
}
