package main

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Mutter0815/CampaignMailer/internal/auth"
	"github.com/Mutter0815/CampaignMailer/internal/campaign"
	"github.com/Mutter0815/CampaignMailer/internal/settings"
)

type ctlStore interface {
	UpsertUser(ctx context.Context, u auth.User) (int64, error)
	PutSetting(ctx context.Context, key, value string) error
	LoadSettings(ctx context.Context) (map[string]string, error)
}

func createUser(c *cli.Context, st ctlStore) error {
	if c.NArg() != 3 {
		return fmt.Errorf("usage: %s %s", c.Command.Name, c.Command.ArgsUsage)
	}
	username, email, password := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)

	role := auth.Role(c.String("role"))
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email %q", email)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	id, err := st.UpsertUser(c.Context, auth.User{
		Username: username, Email: email, PasswordHash: hash, Role: role, Active: true,
	})
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	_, _ = fmt.Fprintf(c.App.Writer, "user %s (id %d, role %s) saved\n", username, id, role)
	return nil
}

func setSetting(c *cli.Context, st ctlStore) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: %s %s", c.Command.Name, c.Command.ArgsUsage)
	}
	key, value := strings.ToUpper(c.Args().Get(0)), c.Args().Get(1)
	if !slices.Contains(settings.Keys, key) {
		return fmt.Errorf("unknown setting %q, known: %s", key, strings.Join(settings.Keys, ", "))
	}
	if err := st.PutSetting(c.Context, key, value); err != nil {
		return fmt.Errorf("save setting: %w", err)
	}
	_, _ = fmt.Fprintf(c.App.Writer, "%s updated\n", key)
	return nil
}

func showSettings(c *cli.Context, st ctlStore) error {
	kv, err := st.LoadSettings(c.Context)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := kv[k]
		if settings.Secret(k) && v != "" {
			v = "********"
		}
		_, _ = fmt.Fprintf(c.App.Writer, "%s=%s\n", k, v)
	}

	s := settings.FromMap(kv)
	if err := s.SMTP.Validate(); err != nil {
		_, _ = fmt.Fprintf(c.App.Writer, "warning: sending disabled, %v\n", err)
	}
	if err := s.ValidateGeneration(); err != nil {
		_, _ = fmt.Fprintf(c.App.Writer, "warning: previews disabled, %v\n", err)
	}
	return nil
}

func formatEvent(body []byte) (string, error) {
	var ev campaign.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return "", err
	}
	line := fmt.Sprintf("%s campaign=%d status=%s", ev.At.Format(time.RFC3339), ev.CampaignID, ev.Status)
	if ev.Status == campaign.StatusCompleted {
		line += fmt.Sprintf(" sent=%d failed=%d", ev.Sent, ev.Failed)
	}
	if ev.Reason != "" {
		line += fmt.Sprintf(" reason=%q", ev.Reason)
	}
	return line, nil
}
