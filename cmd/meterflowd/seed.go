package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"goa.design/clue/log"
	"gopkg.in/yaml.v3"

	"github.com/meterflow/meterflow/api"
	"github.com/meterflow/meterflow/engine/store"
	"github.com/meterflow/meterflow/engine/tool"
	"github.com/meterflow/meterflow/engine/workspace"
)

type (
	// seedFile is the YAML shape of the -seed flag: users with their bearer
	// tokens, workspaces with their members and settings, and tools.
	seedFile struct {
		Users      []seedUser      `yaml:"users"`
		Workspaces []seedWorkspace `yaml:"workspaces"`
		Tools      []seedTool      `yaml:"tools"`
	}

	seedUser struct {
		ID    string `yaml:"id"`
		Token string `yaml:"token"`
	}

	seedWorkspace struct {
		ID       string       `yaml:"id"`
		Name     string       `yaml:"name"`
		Members  []string     `yaml:"members"`
		Settings seedSettings `yaml:"settings"`
	}

	seedSettings struct {
		AutoPayEnabled          bool     `yaml:"autoPayEnabled"`
		AutoPayMaxPerStepAtomic string   `yaml:"autoPayMaxPerStepAtomic"`
		AutoPayMaxPerRunAtomic  string   `yaml:"autoPayMaxPerRunAtomic"`
		ToolAllowlist           []string `yaml:"toolAllowlist"`
	}

	seedTool struct {
		ID           string            `yaml:"id"`
		WorkspaceID  string            `yaml:"workspaceId"`
		Name         string            `yaml:"name"`
		Description  string            `yaml:"description"`
		BaseURL      string            `yaml:"baseUrl"`
		Endpoints    []seedEndpoint    `yaml:"endpoints"`
		PricingHints map[string]string `yaml:"pricingHints"`
	}

	seedEndpoint struct {
		Path   string `yaml:"path"`
		Method string `yaml:"method"`
	}
)

// loadSeed parses and validates the seed file.
func loadSeed(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if err := seed.validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

func (s *seedFile) validate() error {
	if len(s.Users) == 0 {
		return errors.New("seed defines no users")
	}
	workspaceIDs := make(map[string]bool, len(s.Workspaces))
	userIDs := make(map[string]bool, len(s.Users))
	for i, u := range s.Users {
		if u.ID == "" || u.Token == "" {
			return fmt.Errorf("user %d: id and token are required", i)
		}
		if userIDs[u.ID] {
			return fmt.Errorf("duplicate user %q", u.ID)
		}
		userIDs[u.ID] = true
	}
	for i, w := range s.Workspaces {
		if w.ID == "" || w.Name == "" {
			return fmt.Errorf("workspace %d: id and name are required", i)
		}
		if workspaceIDs[w.ID] {
			return fmt.Errorf("duplicate workspace %q", w.ID)
		}
		workspaceIDs[w.ID] = true
		for _, member := range w.Members {
			if !userIDs[member] {
				return fmt.Errorf("workspace %q member %q is not a seeded user", w.ID, member)
			}
		}
	}
	for i, t := range s.Tools {
		if t.ID == "" || t.WorkspaceID == "" || t.Name == "" || t.BaseURL == "" {
			return fmt.Errorf("tool %d: id, workspaceId, name and baseUrl are required", i)
		}
		if !workspaceIDs[t.WorkspaceID] {
			return fmt.Errorf("tool %q references unknown workspace %q", t.ID, t.WorkspaceID)
		}
	}
	return nil
}

// apply creates the seeded workspaces and tools. Entries that already exist
// are left untouched so re-running against a durable store is safe.
func (s *seedFile) apply(ctx context.Context, workspaces workspace.Store, tools tool.Store) error {
	now := time.Now().UTC()
	for _, w := range s.Workspaces {
		err := workspaces.Create(ctx, &workspace.Workspace{
			ID:   w.ID,
			Name: w.Name,
			Settings: workspace.Settings{
				AutoPayEnabled:          w.Settings.AutoPayEnabled,
				AutoPayMaxPerStepAtomic: w.Settings.AutoPayMaxPerStepAtomic,
				AutoPayMaxPerRunAtomic:  w.Settings.AutoPayMaxPerRunAtomic,
				ToolAllowlist:           w.Settings.ToolAllowlist,
			},
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			if store.IsConflict(err) {
				log.Debugf(ctx, "workspace %s already exists", w.ID)
				continue
			}
			return fmt.Errorf("create workspace %s: %w", w.ID, err)
		}
	}
	for _, t := range s.Tools {
		endpoints := make([]tool.Endpoint, len(t.Endpoints))
		for i, e := range t.Endpoints {
			endpoints[i] = tool.Endpoint{Path: e.Path, Method: e.Method}
		}
		err := tools.Create(ctx, &tool.Tool{
			ID:           t.ID,
			WorkspaceID:  t.WorkspaceID,
			Name:         t.Name,
			Description:  t.Description,
			BaseURL:      t.BaseURL,
			Endpoints:    endpoints,
			Source:       tool.SourceManual,
			PricingHints: t.PricingHints,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if err != nil {
			if store.IsConflict(err) {
				log.Debugf(ctx, "tool %s already exists", t.ID)
				continue
			}
			return fmt.Errorf("create tool %s: %w", t.ID, err)
		}
	}
	return nil
}

// authenticator maps the seeded tokens to user IDs.
func (s *seedFile) authenticator() api.Authenticator {
	tokens := make(api.StaticAuthenticator, len(s.Users))
	for _, u := range s.Users {
		tokens[u.Token] = u.ID
	}
	return tokens
}

// membership answers from the seeded workspace member lists.
func (s *seedFile) membership() workspace.Membership {
	members := make(map[string]map[string]bool, len(s.Workspaces))
	for _, w := range s.Workspaces {
		set := make(map[string]bool, len(w.Members))
		for _, m := range w.Members {
			set[m] = true
		}
		members[w.ID] = set
	}
	return workspace.MembershipFunc(func(_ context.Context, userID, workspaceID string) (bool, error) {
		return members[workspaceID][userID], nil
	})
}
