package main

import (
	"bytes"
	"context"
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/Mutter0815/CampaignMailer/internal/auth"
	"github.com/Mutter0815/CampaignMailer/internal/campaign"
	"github.com/Mutter0815/CampaignMailer/internal/settings"
)

type fakeCtlStore struct {
	users    []auth.User
	settings map[string]string
}

func (f *fakeCtlStore) UpsertUser(_ context.Context, u auth.User) (int64, error) {
	f.users = append(f.users, u)
	return int64(len(f.users)), nil
}

func (f *fakeCtlStore) PutSetting(_ context.Context, key, value string) error {
	if f.settings == nil {
		f.settings = map[string]string{}
	}
	f.settings[key] = value
	return nil
}

func (f *fakeCtlStore) LoadSettings(context.Context) (map[string]string, error) {
	return f.settings, nil
}

func cliContext(t *testing.T, cmd *cli.Command, args ...string) (*cli.Context, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	app := &cli.App{Writer: &out}

	set := flag.NewFlagSet(cmd.Name, flag.ContinueOnError)
	for _, f := range cmd.Flags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse(args))

	c := cli.NewContext(app, set, nil)
	c.Context = context.Background()
	c.Command = cmd
	return c, &out
}

var createAdminCmd = &cli.Command{
	Name:      "create-admin",
	ArgsUsage: "<username> <email> <password>",
	Flags:     []cli.Flag{&cli.StringFlag{Name: "role", Value: "admin"}},
}

func TestCreateUser(t *testing.T) {
	st := &fakeCtlStore{}
	c, out := cliContext(t, createAdminCmd, "root", "root@acme.com", "s3cret")

	require.NoError(t, createUser(c, st))
	require.Len(t, st.users, 1)
	u := st.users[0]
	assert.Equal(t, "root", u.Username)
	assert.Equal(t, auth.RoleAdmin, u.Role)
	assert.True(t, u.Active)
	assert.True(t, auth.CheckPassword(u.PasswordHash, "s3cret"))
	assert.Contains(t, out.String(), "role admin")
}

func TestCreateUser_Invalid(t *testing.T) {
	cases := map[string][]string{
		"missing args": {"root"},
		"bad role":     {"--role", "owner", "root", "root@acme.com", "pw"},
		"bad email":    {"root", "root", "pw"},
		"empty pass":   {"root", "root@acme.com", ""},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			st := &fakeCtlStore{}
			c, _ := cliContext(t, createAdminCmd, args...)
			assert.Error(t, createUser(c, st))
			assert.Empty(t, st.users)
		})
	}
}

func TestSetSetting(t *testing.T) {
	cmd := &cli.Command{Name: "set-setting", ArgsUsage: "<KEY> <value>"}
	st := &fakeCtlStore{}

	c, _ := cliContext(t, cmd, "smtp_server", "smtp.acme.com")
	require.NoError(t, setSetting(c, st))
	assert.Equal(t, "smtp.acme.com", st.settings[settings.KeySMTPServer])

	c, _ = cliContext(t, cmd, "NOPE", "x")
	assert.ErrorContains(t, setSetting(c, st), "unknown setting")
}

func TestShowSettings_MasksSecrets(t *testing.T) {
	st := &fakeCtlStore{settings: map[string]string{
		settings.KeySMTPPass:   "hunter2",
		settings.KeySMTPServer: "smtp.acme.com",
	}}
	c, out := cliContext(t, &cli.Command{Name: "settings"})

	require.NoError(t, showSettings(c, st))
	assert.NotContains(t, out.String(), "hunter2")
	assert.Contains(t, out.String(), "SMTP_SERVER=smtp.acme.com")
	assert.Contains(t, out.String(), "sending disabled")
}

func TestFormatEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	line, err := formatEvent([]byte(`{"type":"campaign.status_changed","campaign_id":4,"status":"completed","sent":2,"failed":1,"at":"` + at.Format(time.RFC3339) + `"}`))
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T10:00:00Z campaign=4 status=completed sent=2 failed=1", line)

	line, err = formatEvent([]byte(`{"campaign_id":5,"status":"failed","reason":"worker lease expired"}`))
	require.NoError(t, err)
	assert.Contains(t, line, `reason="worker lease expired"`)
	assert.Contains(t, line, "status="+string(campaign.StatusFailed))

	_, err = formatEvent([]byte("{"))
	assert.Error(t, err)
}
