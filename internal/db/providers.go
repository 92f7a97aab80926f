package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provider is an external AI coding CLI (Claude, Codex, Gemini). Name
// is case-insensitive and keys into the MCP adapter table.
type Provider struct {
	ID                   string
	Name                 string
	BinPath              *string
	McpConfigured        bool
	McpEndpoint          *string
	McpRegisteredAt      *time.Time
	AutoCompactThreshold *int
}

// AgentProfile binds an agent to a provider plus launch options.
type AgentProfile struct {
	ID         string
	Name       string
	ProviderID string
	Options    string
}

func scanProvider(scan func(dest ...any) error) (*Provider, error) {
	var p Provider
	var configured int
	var registeredAt *string
	if err := scan(&p.ID, &p.Name, &p.BinPath, &configured, &p.McpEndpoint, &registeredAt, &p.AutoCompactThreshold); err != nil {
		return nil, err
	}
	p.McpConfigured = configured != 0
	if registeredAt != nil {
		if t, err := ParseTime(*registeredAt); err == nil {
			p.McpRegisteredAt = &t
		}
	}
	return &p, nil
}

// GetProvider loads a provider by id. Returns nil, nil when absent.
func (d *DB) GetProvider(id string) (*Provider, error) {
	row := d.QueryRow(`
		SELECT id, name, bin_path, mcp_configured, mcp_endpoint, mcp_registered_at, auto_compact_threshold
		FROM providers WHERE id = ?
	`, id)
	p, err := scanProvider(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider: %w", err)
	}
	return p, nil
}

// GetProviderByName loads a provider by case-insensitive name.
func (d *DB) GetProviderByName(name string) (*Provider, error) {
	row := d.QueryRow(`
		SELECT id, name, bin_path, mcp_configured, mcp_endpoint, mcp_registered_at, auto_compact_threshold
		FROM providers WHERE LOWER(name) = LOWER(?)
	`, name)
	p, err := scanProvider(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider by name: %w", err)
	}
	return p, nil
}

// ListProviders returns all providers.
func (d *DB) ListProviders() ([]*Provider, error) {
	rows, err := d.Query(`
		SELECT id, name, bin_path, mcp_configured, mcp_endpoint, mcp_registered_at, auto_compact_threshold
		FROM providers ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateProvider inserts a provider row.
func (d *DB) CreateProvider(p *Provider) (*Provider, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	var registeredAt *string
	if p.McpRegisteredAt != nil {
		s := FormatTime(*p.McpRegisteredAt)
		registeredAt = &s
	}
	_, err := d.Exec(`
		INSERT INTO providers (id, name, bin_path, mcp_configured, mcp_endpoint, mcp_registered_at, auto_compact_threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.BinPath, boolToInt(p.McpConfigured), p.McpEndpoint, registeredAt, p.AutoCompactThreshold)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}
	return p, nil
}

// UpdateProviderMcp records a successful MCP registration.
func (d *DB) UpdateProviderMcp(id, endpoint string, registeredAt time.Time) error {
	_, err := d.Exec(`
		UPDATE providers SET mcp_configured = 1, mcp_endpoint = ?, mcp_registered_at = ?
		WHERE id = ?
	`, endpoint, FormatTime(registeredAt), id)
	if err != nil {
		return fmt.Errorf("update provider mcp: %w", err)
	}
	return nil
}

// GetProfile loads an agent profile by id. Returns nil, nil when absent.
func (d *DB) GetProfile(id string) (*AgentProfile, error) {
	row := d.QueryRow(`SELECT id, name, provider_id, options FROM agent_profiles WHERE id = ?`, id)
	var p AgentProfile
	err := row.Scan(&p.ID, &p.Name, &p.ProviderID, &p.Options)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

// ListProfilesByProvider returns the profiles bound to one provider.
func (d *DB) ListProfilesByProvider(providerID string) ([]*AgentProfile, error) {
	rows, err := d.Query(`SELECT id, name, provider_id, options FROM agent_profiles WHERE provider_id = ?`, providerID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AgentProfile
	for rows.Next() {
		var p AgentProfile
		if err := rows.Scan(&p.ID, &p.Name, &p.ProviderID, &p.Options); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// CreateProfile inserts an agent profile.
func (d *DB) CreateProfile(p *AgentProfile) (*AgentProfile, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := d.Exec(`INSERT INTO agent_profiles (id, name, provider_id, options) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.ProviderID, p.Options)
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
