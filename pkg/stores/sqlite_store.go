package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration. Zero pool values fall back to
// defaults.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg: cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if s.cfg.Path == ":memory:" {
		// Every pooled connection to :memory: is a distinct database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// isUniqueViolation reports whether the error is a SQLite uniqueness error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// encodeDNS marshals a resolver list to its column representation.
func encodeDNS(dns []string) (string, error) {
	if dns == nil {
		dns = []string{}
	}
	raw, err := json.Marshal(dns)
	if err != nil {
		return "", fmt.Errorf("failed to encode dns list: %w", err)
	}
	return string(raw), nil
}

// decodeDNS unmarshals the dns column.
func decodeDNS(raw string) ([]string, error) {
	var dns []string
	if err := json.Unmarshal([]byte(raw), &dns); err != nil {
		return nil, fmt.Errorf("failed to decode dns list: %w", err)
	}
	return dns, nil
}

// CreateGroup creates a new group row.
func (s *SQLiteStore) CreateGroup(ctx context.Context, group *Group) error {
	query := `
		INSERT INTO groups (id, owner, name, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		group.ID,
		group.Owner,
		group.Name,
		group.Description,
		group.Status,
		group.CreatedAt,
		group.UpdatedAt,
	)

	if isUniqueViolation(err) {
		return fmt.Errorf("group %q for owner %q: %w", group.Name, group.Owner, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}

	return nil
}

// GetGroup retrieves a non-deleted group by ID.
func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	query := `
		SELECT id, owner, name, description, status, created_at, updated_at
		FROM groups
		WHERE id = ? AND deleted = 0
	`

	group := &Group{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&group.ID,
		&group.Owner,
		&group.Name,
		&group.Description,
		&group.Status,
		&group.CreatedAt,
		&group.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}

	return group, nil
}

// ListGroups lists non-deleted groups for an owner.
func (s *SQLiteStore) ListGroups(ctx context.Context, owner string) ([]*Group, error) {
	query := `
		SELECT id, owner, name, description, status, created_at, updated_at
		FROM groups
		WHERE owner = ? AND deleted = 0
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	groups := []*Group{}
	for rows.Next() {
		group := &Group{}
		err := rows.Scan(
			&group.ID,
			&group.Owner,
			&group.Name,
			&group.Description,
			&group.Status,
			&group.CreatedAt,
			&group.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, group)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}

	return groups, nil
}

// UpdateGroupStatus updates the status of a group.
func (s *SQLiteStore) UpdateGroupStatus(ctx context.Context, id string, status GroupStatus) error {
	query := `UPDATE groups SET status = ?, updated_at = ? WHERE id = ? AND deleted = 0`

	result, err := s.db.ExecContext(ctx, query, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update group status: %w", err)
	}

	return s.requireAffected(result, "group", id)
}

// CountGroupResources counts non-deleted owned resources per collection.
func (s *SQLiteStore) CountGroupResources(ctx context.Context, groupID string) (GroupResourceCounts, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM networks WHERE group_id = ? AND deleted = 0),
			(SELECT COUNT(*) FROM keypairs WHERE group_id = ? AND deleted = 0),
			(SELECT COUNT(*) FROM security_groups WHERE group_id = ? AND deleted = 0),
			(SELECT COUNT(*) FROM processes WHERE group_id = ? AND deleted = 0)
	`

	var counts GroupResourceCounts
	err := s.db.QueryRowContext(ctx, query, groupID, groupID, groupID, groupID).Scan(
		&counts.Networks,
		&counts.Keypairs,
		&counts.SecurityGroups,
		&counts.Processes,
	)
	if err != nil {
		return GroupResourceCounts{}, fmt.Errorf("failed to count group resources: %w", err)
	}

	return counts, nil
}

// SoftDeleteGroup marks a group deleted.
func (s *SQLiteStore) SoftDeleteGroup(ctx context.Context, id string) error {
	query := `UPDATE groups SET deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ? AND deleted = 0`

	now := time.Now()
	result, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}

	return s.requireAffected(result, "group", id)
}

// CreateNetwork creates a new network row.
func (s *SQLiteStore) CreateNetwork(ctx context.Context, network *Network) error {
	dns, err := encodeDNS(network.DNS)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO networks (id, group_id, name, is_admin, cidr, gateway, dns, router_id, backend_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		network.ID,
		network.GroupID,
		network.Name,
		network.IsAdmin,
		network.CIDR,
		network.Gateway,
		dns,
		network.RouterID,
		network.BackendID,
		network.Status,
		network.CreatedAt,
		network.UpdatedAt,
	)

	if isUniqueViolation(err) {
		return fmt.Errorf("network %q in group %s: %w", network.Name, network.GroupID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create network: %w", err)
	}

	return nil
}

// scanNetwork scans one network row.
func scanNetwork(row interface{ Scan(dest ...any) error }) (*Network, error) {
	network := &Network{}
	var dns string
	err := row.Scan(
		&network.ID,
		&network.GroupID,
		&network.Name,
		&network.IsAdmin,
		&network.CIDR,
		&network.Gateway,
		&dns,
		&network.RouterID,
		&network.BackendID,
		&network.Status,
		&network.CreatedAt,
		&network.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	network.DNS, err = decodeDNS(dns)
	if err != nil {
		return nil, err
	}
	return network, nil
}

const networkColumns = `id, group_id, name, is_admin, cidr, gateway, dns, router_id, backend_id, status, created_at, updated_at`

// GetNetwork retrieves a non-deleted network scoped by group.
func (s *SQLiteStore) GetNetwork(ctx context.Context, groupID, id string) (*Network, error) {
	query := `SELECT ` + networkColumns + ` FROM networks WHERE id = ? AND group_id = ? AND deleted = 0`

	network, err := scanNetwork(s.db.QueryRowContext(ctx, query, id, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("network %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get network: %w", err)
	}

	return network, nil
}

// ListNetworks lists non-deleted networks in a group.
func (s *SQLiteStore) ListNetworks(ctx context.Context, groupID string) ([]*Network, error) {
	query := `SELECT ` + networkColumns + ` FROM networks WHERE group_id = ? AND deleted = 0 ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list networks: %w", err)
	}
	defer rows.Close()

	networks := []*Network{}
	for rows.Next() {
		network, err := scanNetwork(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan network: %w", err)
		}
		networks = append(networks, network)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating networks: %w", err)
	}

	return networks, nil
}

// UpdateNetworkStatus updates the status of a network.
func (s *SQLiteStore) UpdateNetworkStatus(ctx context.Context, id string, status ResourceStatus) error {
	query := `UPDATE networks SET status = ?, updated_at = ? WHERE id = ? AND deleted = 0`

	result, err := s.db.ExecContext(ctx, query, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update network status: %w", err)
	}

	return s.requireAffected(result, "network", id)
}

// SetNetworkBackendID records the provider identifier of a network.
func (s *SQLiteStore) SetNetworkBackendID(ctx context.Context, id, backendID string) error {
	query := `UPDATE networks SET backend_id = ?, updated_at = ? WHERE id = ? AND deleted = 0`

	result, err := s.db.ExecContext(ctx, query, backendID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set network backend id: %w", err)
	}

	return s.requireAffected(result, "network", id)
}

// CountProcessesByNetwork counts non-deleted processes attached to a network.
func (s *SQLiteStore) CountProcessesByNetwork(ctx context.Context, networkID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM process_networks pn
		JOIN processes p ON p.pid = pn.process_id
		WHERE pn.network_id = ? AND p.deleted = 0
	`

	var count int
	if err := s.db.QueryRowContext(ctx, query, networkID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count processes by network: %w", err)
	}
	return count, nil
}

// SoftDeleteNetwork marks a network deleted.
func (s *SQLiteStore) SoftDeleteNetwork(ctx context.Context, id string) error {
	query := `UPDATE networks SET deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ? AND deleted = 0`

	now := time.Now()
	result, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to delete network: %w", err)
	}

	return s.requireAffected(result, "network", id)
}

// CreateKeypair creates a new keypair row.
func (s *SQLiteStore) CreateKeypair(ctx context.Context, keypair *Keypair) error {
	query := `
		INSERT INTO keypairs (id, group_id, name, is_default, public_key, private_key, fingerprint, backend_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		keypair.ID,
		keypair.GroupID,
		keypair.Name,
		keypair.IsDefault,
		keypair.PublicKey,
		keypair.PrivateKey,
		keypair.Fingerprint,
		keypair.BackendID,
		keypair.Status,
		keypair.CreatedAt,
		keypair.UpdatedAt,
	)

	if isUniqueViolation(err) {
		return fmt.Errorf("keypair %q in group %s: %w", keypair.Name, keypair.GroupID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create keypair: %w", err)
	}

	return nil
}

const keypairColumns = `id, group_id, name, is_default, public_key, private_key, fingerprint, backend_id, status, created_at, updated_at`

// scanKeypair scans one keypair row.
func scanKeypair(row interface{ Scan(dest ...any) error }) (*Keypair, error) {
	keypair := &Keypair{}
	err := row.Scan(
		&keypair.ID,
		&keypair.GroupID,
		&keypair.Name,
		&keypair.IsDefault,
		&keypair.PublicKey,
		&keypair.PrivateKey,
		&keypair.Fingerprint,
		&keypair.BackendID,
		&keypair.Status,
		&keypair.CreatedAt,
		&keypair.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return keypair, nil
}

// GetKeypair retrieves a non-deleted keypair scoped by group.
func (s *SQLiteStore) GetKeypair(ctx context.Context, groupID, id string) (*Keypair, error) {
	query := `SELECT ` + keypairColumns + ` FROM keypairs WHERE id = ? AND group_id = ? AND deleted = 0`

	keypair, err := scanKeypair(s.db.QueryRowContext(ctx, query, id, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("keypair %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get keypair: %w", err)
	}

	return keypair, nil
}

// ListKeypairs lists non-deleted keypairs in a group.
func (s *SQLiteStore) ListKeypairs(ctx context.Context, groupID string) ([]*Keypair, error) {
	query := `SELECT ` + keypairColumns + ` FROM keypairs WHERE group_id = ? AND deleted = 0 ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list keypairs: %w", err)
	}
	defer rows.Close()

	keypairs := []*Keypair{}
	for rows.Next() {
		keypair, err := scanKeypair(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan keypair: %w", err)
		}
		keypairs = append(keypairs, keypair)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keypairs: %w", err)
	}

	return keypairs, nil
}

// GetDefaultKeypair retrieves the group's default keypair, if any.
func (s *SQLiteStore) GetDefaultKeypair(ctx context.Context, groupID string) (*Keypair, error) {
	query := `SELECT ` + keypairColumns + ` FROM keypairs WHERE group_id = ? AND is_default = 1 AND deleted = 0 LIMIT 1`

	keypair, err := scanKeypair(s.db.QueryRowContext(ctx, query, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("default keypair for group %s: %w", groupID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default keypair: %w", err)
	}

	return keypair, nil
}

// UpdateKeypairStatus updates the status of a keypair.
func (s *SQLiteStore) UpdateKeypairStatus(ctx context.Context, id string, status ResourceStatus) error {
	query := `UPDATE keypairs SET status = ?, updated_at = ? WHERE id = ? AND deleted = 0`

	result, err := s.db.ExecContext(ctx, query, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update keypair status: %w", err)
	}

	return s.requireAffected(result, "keypair", id)
}

// SetKeypairBackendID records the provider identifier of a keypair.
func (s *SQLiteStore) SetKeypairBackendID(ctx context.Context, id, backendID string) error {
	query := `UPDATE keypairs SET backend_id = ?, updated_at = ? WHERE id = ? AND deleted = 0`

	result, err := s.db.ExecContext(ctx, query, backendID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set keypair backend id: %w", err)
	}

	return s.requireAffected(result, "keypair", id)
}

// SetDefaultKeypair moves the default flag to the given keypair within its
// group. The move is a single statement so no second default can appear.
func (s *SQLiteStore) SetDefaultKeypair(ctx context.Context, groupID, id string) error {
	if _, err := s.GetKeypair(ctx, groupID, id); err != nil {
		return err
	}

	query := `
		UPDATE keypairs
		SET is_default = CASE WHEN id = ? THEN 1 ELSE 0 END, updated_at = ?
		WHERE group_id = ? AND deleted = 0
	`

	if _, err := s.db.ExecContext(ctx, query, id, time.Now(), groupID); err != nil {
		return fmt.Errorf("failed to set default keypair: %w", err)
	}
	return nil
}

// CountProcessesByKeypair counts non-deleted processes using a keypair.
func (s *SQLiteStore) CountProcessesByKeypair(ctx context.Context, keypairID string) (int, error) {
	query := `SELECT COUNT(*) FROM processes WHERE keypair_id = ? AND deleted = 0`

	var count int
	if err := s.db.QueryRowContext(ctx, query, keypairID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count processes by keypair: %w", err)
	}
	return count, nil
}

// SoftDeleteKeypair marks a keypair deleted.
func (s *SQLiteStore) SoftDeleteKeypair(ctx context.Context, id string) error {
	query := `UPDATE keypairs SET deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ? AND deleted = 0`

	now := time.Now()
	result, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to delete keypair: %w", err)
	}

	return s.requireAffected(result, "keypair", id)
}

// CreateSecurityGroup creates a security group row and its ordered rules in
// one transaction.
func (s *SQLiteStore) CreateSecurityGroup(ctx context.Context, sg *SecurityGroup, rules []*SecurityGroupRule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO security_groups (id, group_id, name, is_default, backend_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		sg.ID,
		sg.GroupID,
		sg.Name,
		sg.IsDefault,
		sg.BackendID,
		sg.Status,
		sg.CreatedAt,
		sg.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("security group %q in group %s: %w", sg.Name, sg.GroupID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create security group: %w", err)
	}

	ruleQuery := `
		INSERT INTO security_group_rules (id, security_group_id, position, protocol, port_min, port_max, remote_cidr, remote_group_id, remote_backend_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, rule := range rules {
		_, err := tx.ExecContext(ctx, ruleQuery,
			rule.ID,
			rule.SecurityGroupID,
			rule.Position,
			rule.Protocol,
			rule.PortMin,
			rule.PortMax,
			rule.RemoteCIDR,
			rule.RemoteGroupID,
			rule.RemoteBackendID,
			rule.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create security group rule: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit security group: %w", err)
	}
	return nil
}

const securityGroupColumns = `id, group_id, name, is_default, backend_id, status, created_at, updated_at`

// scanSecurityGroup scans one security group row.
func scanSecurityGroup(row interface{ Scan(dest ...any) error }) (*SecurityGroup, error) {
	sg := &SecurityGroup{}
	err := row.Scan(
		&sg.ID,
		&sg.GroupID,
		&sg.Name,
		&sg.IsDefault,
		&sg.BackendID,
		&sg.Status,
		&sg.CreatedAt,
		&sg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sg, nil
}

// GetSecurityGroup retrieves a non-deleted security group scoped by group.
func (s *SQLiteStore) GetSecurityGroup(ctx context.Context, groupID, id string) (*SecurityGroup, error) {
	query := `SELECT ` + securityGroupColumns + ` FROM security_groups WHERE id = ? AND group_id = ? AND deleted = 0`

	sg, err := scanSecurityGroup(s.db.QueryRowContext(ctx, query, id, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("security group %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get security group: %w", err)
	}

	return sg, nil
}

// listSecurityGroups runs a security group list query.
func (s *SQLiteStore) listSecurityGroups(ctx context.Context, query string, args ...any) ([]*SecurityGroup, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list security groups: %w", err)
	}
	defer rows.Close()

	sgs := []*SecurityGroup{}
	for rows.Next() {
		sg, err := scanSecurityGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security group: %w", err)
		}
		sgs = append(sgs, sg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security groups: %w", err)
	}

	return sgs, nil
}

// ListSecurityGroups lists non-deleted security groups in a group.
func (s *SQLiteStore) ListSecurityGroups(ctx context.Context, groupID string) ([]*SecurityGroup, error) {
	query := `SELECT ` + securityGroupColumns + ` FROM security_groups WHERE group_id = ? AND deleted = 0 ORDER BY created_at ASC`
	return s.listSecurityGroups(ctx, query, groupID)
}

// ListDefaultSecurityGroups lists the group's default security groups.
func (s *SQLiteStore) ListDefaultSecurityGroups(ctx context.Context, groupID string) ([]*SecurityGroup, error) {
	query := `SELECT ` + securityGroupColumns + ` FROM security_groups WHERE group_id = ? AND is_default = 1 AND deleted = 0 ORDER BY created_at ASC`
	return s.listSecurityGroups(ctx, query, groupID)
}

// ListSecurityGroupRules lists a security group's rules in position order.
func (s *SQLiteStore) ListSecurityGroupRules(ctx context.Context, securityGroupID string) ([]*SecurityGroupRule, error) {
	query := `
		SELECT id, security_group_id, position, protocol, port_min, port_max, remote_cidr, remote_group_id, remote_backend_id, created_at
		FROM security_group_rules
		WHERE security_group_id = ?
		ORDER BY position ASC
	`

	rows, err := s.db.QueryContext(ctx, query, securityGroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list security group rules: %w", err)
	}
	defer rows.Close()

	rules := []*SecurityGroupRule{}
	for rows.Next() {
		rule := &SecurityGroupRule{}
		err := rows.Scan(
			&rule.ID,
			&rule.SecurityGroupID,
			&rule.Position,
			&rule.Protocol,
			&rule.PortMin,
			&rule.PortMax,
			&rule.RemoteCIDR,
			&rule.RemoteGroupID,
			&rule.RemoteBackendID,
			&rule.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security group rule: %w", err)
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security group rules: %w", err)
	}

	return rules, nil
}

// UpdateSecurityGroupStatus updates the status of a security group.
func (s *SQLiteStore) UpdateSecurityGroupStatus(ctx context.Context, id string, status ResourceStatus) error {
	query := `UPDATE security_groups SET status = ?, updated_at = ? WHERE id = ? AND deleted = 0`

	result, err := s.db.ExecContext(ctx, query, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update security group status: %w", err)
	}

	return s.requireAffected(result, "security group", id)
}

// SetSecurityGroupBackendID records the provider identifier of a security group.
func (s *SQLiteStore) SetSecurityGroupBackendID(ctx context.Context, id, backendID string) error {
	query := `UPDATE security_groups SET backend_id = ?, updated_at = ? WHERE id = ? AND deleted = 0`

	result, err := s.db.ExecContext(ctx, query, backendID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set security group backend id: %w", err)
	}

	return s.requireAffected(result, "security group", id)
}

// SetDefaultSecurityGroup moves the default flag to the given security group
// within its group.
func (s *SQLiteStore) SetDefaultSecurityGroup(ctx context.Context, groupID, id string) error {
	if _, err := s.GetSecurityGroup(ctx, groupID, id); err != nil {
		return err
	}

	query := `
		UPDATE security_groups
		SET is_default = CASE WHEN id = ? THEN 1 ELSE 0 END, updated_at = ?
		WHERE group_id = ? AND deleted = 0
	`

	if _, err := s.db.ExecContext(ctx, query, id, time.Now(), groupID); err != nil {
		return fmt.Errorf("failed to set default security group: %w", err)
	}
	return nil
}

// CountProcessesBySecurityGroup counts non-deleted processes attached to a
// security group.
func (s *SQLiteStore) CountProcessesBySecurityGroup(ctx context.Context, securityGroupID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM process_security_groups psg
		JOIN processes p ON p.pid = psg.process_id
		WHERE psg.security_group_id = ? AND p.deleted = 0
	`

	var count int
	if err := s.db.QueryRowContext(ctx, query, securityGroupID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count processes by security group: %w", err)
	}
	return count, nil
}

// SoftDeleteSecurityGroup marks a security group deleted.
func (s *SQLiteStore) SoftDeleteSecurityGroup(ctx context.Context, id string) error {
	query := `UPDATE security_groups SET deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ? AND deleted = 0`

	now := time.Now()
	result, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to delete security group: %w", err)
	}

	return s.requireAffected(result, "security group", id)
}

// CreateProcess creates a process row and its association rows in one
// transaction. A duplicate id in either association set is an input error.
func (s *SQLiteStore) CreateProcess(ctx context.Context, proc *Process, networks []ProcessNetwork, securityGroupIDs []string) error {
	seenNetworks := make(map[string]bool, len(networks))
	for _, pn := range networks {
		if seenNetworks[pn.NetworkID] {
			return fmt.Errorf("network %s: %w", pn.NetworkID, ErrDuplicateAssociation)
		}
		seenNetworks[pn.NetworkID] = true
	}
	seenSGs := make(map[string]bool, len(securityGroupIDs))
	for _, id := range securityGroupIDs {
		if seenSGs[id] {
			return fmt.Errorf("security group %s: %w", id, ErrDuplicateAssociation)
		}
		seenSGs[id] = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO processes (pid, group_id, ppid, name, is_proxy, backend_id, image, flavor, keypair_id, metadata, user_data, status, app_status, proxy_api_endpoint, proxy_bus_endpoint, proxy_tunnel_endpoint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		proc.PID,
		proc.GroupID,
		proc.PPID,
		proc.Name,
		proc.IsProxy,
		proc.BackendID,
		proc.Image,
		proc.Flavor,
		proc.KeypairID,
		proc.Metadata,
		proc.UserData,
		proc.Status,
		proc.AppStatus,
		proc.ProxyAPIEndpoint,
		proc.ProxyBusEndpoint,
		proc.ProxyTunnelEndpoint,
		proc.CreatedAt,
		proc.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("process %s: %w", proc.PID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create process: %w", err)
	}

	for _, pn := range networks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO process_networks (process_id, network_id, floating) VALUES (?, ?, ?)`,
			proc.PID, pn.NetworkID, pn.Floating,
		)
		if err != nil {
			return fmt.Errorf("failed to attach network: %w", err)
		}
	}

	for _, id := range securityGroupIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO process_security_groups (process_id, security_group_id) VALUES (?, ?)`,
			proc.PID, id,
		)
		if err != nil {
			return fmt.Errorf("failed to attach security group: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit process: %w", err)
	}
	return nil
}

const processColumns = `pid, group_id, ppid, name, is_proxy, backend_id, image, flavor, keypair_id, metadata, user_data, status, app_status, proxy_api_endpoint, proxy_bus_endpoint, proxy_tunnel_endpoint, created_at, updated_at`

// scanProcess scans one process row.
func scanProcess(row interface{ Scan(dest ...any) error }) (*Process, error) {
	proc := &Process{}
	err := row.Scan(
		&proc.PID,
		&proc.GroupID,
		&proc.PPID,
		&proc.Name,
		&proc.IsProxy,
		&proc.BackendID,
		&proc.Image,
		&proc.Flavor,
		&proc.KeypairID,
		&proc.Metadata,
		&proc.UserData,
		&proc.Status,
		&proc.AppStatus,
		&proc.ProxyAPIEndpoint,
		&proc.ProxyBusEndpoint,
		&proc.ProxyTunnelEndpoint,
		&proc.CreatedAt,
		&proc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// GetProcess retrieves a non-deleted process scoped by group.
func (s *SQLiteStore) GetProcess(ctx context.Context, groupID, pid string) (*Process, error) {
	query := `SELECT ` + processColumns + ` FROM processes WHERE pid = ? AND group_id = ? AND deleted = 0`

	proc, err := scanProcess(s.db.QueryRowContext(ctx, query, pid, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("process %s: %w", pid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get process: %w", err)
	}

	return proc, nil
}

// listProcesses runs a process list query.
func (s *SQLiteStore) listProcesses(ctx context.Context, query string, args ...any) ([]*Process, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	defer rows.Close()

	procs := []*Process{}
	for rows.Next() {
		proc, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan process: %w", err)
		}
		procs = append(procs, proc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating processes: %w", err)
	}

	return procs, nil
}

// ListProcesses lists non-deleted processes in a group.
func (s *SQLiteStore) ListProcesses(ctx context.Context, groupID string) ([]*Process, error) {
	query := `SELECT ` + processColumns + ` FROM processes WHERE group_id = ? AND deleted = 0 ORDER BY created_at ASC`
	return s.listProcesses(ctx, query, groupID)
}

// ListChildren lists the non-deleted direct children of a process.
func (s *SQLiteStore) ListChildren(ctx context.Context, ppid string) ([]*Process, error) {
	query := `SELECT ` + processColumns + ` FROM processes WHERE ppid = ? AND deleted = 0 ORDER BY created_at ASC`
	return s.listProcesses(ctx, query, ppid)
}

// ListProcessNetworks lists a process's network attachments.
func (s *SQLiteStore) ListProcessNetworks(ctx context.Context, pid string) ([]*ProcessNetwork, error) {
	query := `SELECT process_id, network_id, floating FROM process_networks WHERE process_id = ?`

	rows, err := s.db.QueryContext(ctx, query, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to list process networks: %w", err)
	}
	defer rows.Close()

	attachments := []*ProcessNetwork{}
	for rows.Next() {
		pn := &ProcessNetwork{}
		if err := rows.Scan(&pn.ProcessID, &pn.NetworkID, &pn.Floating); err != nil {
			return nil, fmt.Errorf("failed to scan process network: %w", err)
		}
		attachments = append(attachments, pn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating process networks: %w", err)
	}

	return attachments, nil
}

// ListProcessSecurityGroupIDs lists the security group ids attached to a process.
func (s *SQLiteStore) ListProcessSecurityGroupIDs(ctx context.Context, pid string) ([]string, error) {
	query := `SELECT security_group_id FROM process_security_groups WHERE process_id = ?`

	rows, err := s.db.QueryContext(ctx, query, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to list process security groups: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan process security group: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating process security groups: %w", err)
	}

	return ids, nil
}

// UpdateProcessStatus updates the infra status of a process.
func (s *SQLiteStore) UpdateProcessStatus(ctx context.Context, pid string, status ResourceStatus) error {
	query := `UPDATE processes SET status = ?, updated_at = ? WHERE pid = ? AND deleted = 0`

	result, err := s.db.ExecContext(ctx, query, status, time.Now(), pid)
	if err != nil {
		return fmt.Errorf("failed to update process status: %w", err)
	}

	return s.requireAffected(result, "process", pid)
}

// SetProcessBackendID records the provider identifier of a process instance.
func (s *SQLiteStore) SetProcessBackendID(ctx context.Context, pid, backendID string) error {
	query := `UPDATE processes SET backend_id = ?, updated_at = ? WHERE pid = ? AND deleted = 0`

	result, err := s.db.ExecContext(ctx, query, backendID, time.Now(), pid)
	if err != nil {
		return fmt.Errorf("failed to set process backend id: %w", err)
	}

	return s.requireAffected(result, "process", pid)
}

// SetProcessAppStatus updates the workload-reported application status.
func (s *SQLiteStore) SetProcessAppStatus(ctx context.Context, pid, appStatus string) error {
	query := `UPDATE processes SET app_status = ?, updated_at = ? WHERE pid = ? AND deleted = 0`

	result, err := s.db.ExecContext(ctx, query, appStatus, time.Now(), pid)
	if err != nil {
		return fmt.Errorf("failed to set process app status: %w", err)
	}

	return s.requireAffected(result, "process", pid)
}

// SetProxyEndpoints records the relay endpoints of a proxy process.
func (s *SQLiteStore) SetProxyEndpoints(ctx context.Context, pid, api, bus, tunnel string) error {
	query := `
		UPDATE processes
		SET proxy_api_endpoint = ?, proxy_bus_endpoint = ?, proxy_tunnel_endpoint = ?, updated_at = ?
		WHERE pid = ? AND deleted = 0
	`

	result, err := s.db.ExecContext(ctx, query, api, bus, tunnel, time.Now(), pid)
	if err != nil {
		return fmt.Errorf("failed to set proxy endpoints: %w", err)
	}

	return s.requireAffected(result, "process", pid)
}

// SoftDeleteProcess marks a process deleted.
func (s *SQLiteStore) SoftDeleteProcess(ctx context.Context, pid string) error {
	query := `UPDATE processes SET deleted = 1, deleted_at = ?, updated_at = ? WHERE pid = ? AND deleted = 0`

	now := time.Now()
	result, err := s.db.ExecContext(ctx, query, now, now, pid)
	if err != nil {
		return fmt.Errorf("failed to delete process: %w", err)
	}

	return s.requireAffected(result, "process", pid)
}

// requireAffected converts a zero-row update into ErrNotFound.
func (s *SQLiteStore) requireAffected(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
