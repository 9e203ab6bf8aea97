package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

const ruleColumns = `id, tenant_id, name, description, event_type, status, priority,
	conditions, actions, tags, version, execution_count, last_executed_at,
	created_at, updated_at, created_by, updated_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r          Rule
		conditions []byte
		actions    []byte
		lastExec   sql.NullTime
		eventType  string
		status     string
	)
	if err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Description, &eventType, &status, &r.Priority,
		&conditions, &actions, pq.Array(&r.Tags), &r.Version, &r.ExecutionCount, &lastExec,
		&r.CreatedAt, &r.UpdatedAt, &r.CreatedBy, &r.UpdatedBy); err != nil {
		return nil, err
	}
	r.EventType = EventType(eventType)
	r.Status = Status(status)
	if lastExec.Valid {
		t := lastExec.Time
		r.LastExecutedAt = &t
	}
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("invalid conditions for rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("invalid actions for rule %s: %w", r.ID, err)
	}
	return &r, nil
}

func encodeDefinition(conditions ConditionTree, actions ActionList) ([]byte, []byte, error) {
	c, err := json.Marshal(conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode conditions: %w", err)
	}
	if actions == nil {
		actions = ActionList{}
	}
	a, err := json.Marshal(actions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode actions: %w", err)
	}
	return c, a, nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, v *RuleVersion) error {
	conditions, actions, err := encodeDefinition(v.Conditions, v.Actions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rule_versions (id, rule_id, tenant_id, version_number, name, description,
			event_type, priority, conditions, actions, created_at, created_by, change_notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, v.ID, v.RuleID, v.TenantID, v.VersionNumber, v.Name, v.Description,
		string(v.EventType), v.Priority, conditions, actions, v.CreatedAt, v.CreatedBy, v.ChangeNotes)
	if err != nil {
		return fmt.Errorf("failed to insert rule version: %w", err)
	}
	return nil
}

// Create inserts a new rule and its first version in one transaction
func (s *PostgresRuleStore) Create(ctx context.Context, rule *Rule, version *RuleVersion) error {
	conditions, actions, err := encodeDefinition(rule.Conditions, rule.Actions)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rules (id, tenant_id, name, description, event_type, status, priority,
			conditions, actions, tags, version, execution_count, created_at, updated_at, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $13, $14, $15)
	`, rule.ID, rule.TenantID, rule.Name, rule.Description, string(rule.EventType), string(rule.Status),
		rule.Priority, conditions, actions, pq.Array(rule.Tags), rule.Version,
		rule.CreatedAt, rule.UpdatedAt, rule.CreatedBy, rule.UpdatedBy)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("rule with ID %s already exists", rule.ID)
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	if version != nil {
		if err := insertVersion(ctx, tx, version); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, tenantID, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

// whereBuilder accumulates numbered placeholders.
type whereBuilder struct {
	clauses []string
	args    []any
}

// add appends clause, which must contain one %d for the placeholder number.
func (w *whereBuilder) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *whereBuilder) where() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *whereBuilder) next(arg any) string {
	w.args = append(w.args, arg)
	return fmt.Sprintf("$%d", len(w.args))
}

func (s *PostgresRuleStore) queryRules(ctx context.Context, query string, args ...any) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rulesList, nil
}

func (s *PostgresRuleStore) List(ctx context.Context, tenantID string, filter RuleFilter) ([]*Rule, error) {
	w := &whereBuilder{}
	w.add("tenant_id = $%d", tenantID)
	if filter.Status != "" {
		w.add("status = $%d", string(filter.Status))
	}
	if filter.EventType != "" {
		w.add("event_type = $%d", string(filter.EventType))
	}
	query := `SELECT ` + ruleColumns + ` FROM rules` + w.where() + ` ORDER BY priority ASC, created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += " LIMIT " + w.next(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + w.next(filter.Offset)
	}
	return s.queryRules(ctx, query, w.args...)
}

// ListActive returns active rules for the tenant and event type in precedence order
func (s *PostgresRuleStore) ListActive(ctx context.Context, tenantID string, eventType EventType) ([]*Rule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+`
		FROM rules
		WHERE tenant_id = $1 AND event_type = $2 AND status = 'active'
		ORDER BY priority ASC, created_at ASC, id ASC
	`, tenantID, string(eventType))
}

// Update modifies an existing rule and appends version, guarded by expectedVersion
func (s *PostgresRuleStore) Update(ctx context.Context, rule *Rule, expectedVersion int, version *RuleVersion) error {
	conditions, actions, err := encodeDefinition(rule.Conditions, rule.Actions)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE rules
		SET name = $1, description = $2, event_type = $3, priority = $4, conditions = $5,
			actions = $6, tags = $7, version = $8, updated_at = $9, updated_by = $10
		WHERE id = $11 AND tenant_id = $12 AND version = $13
	`, rule.Name, rule.Description, string(rule.EventType), rule.Priority, conditions,
		actions, pq.Array(rule.Tags), rule.Version, rule.UpdatedAt, rule.UpdatedBy,
		rule.ID, rule.TenantID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.Get(ctx, rule.TenantID, rule.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: rule %s is no longer at version %d", ErrVersionConflict, rule.ID, expectedVersion)
	}

	if version != nil {
		if err := insertVersion(ctx, tx, version); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresRuleStore) SetStatus(ctx context.Context, tenantID, id string, from, to Status) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE rules SET status = $1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3 AND status = $4
	`, string(to), id, tenantID, string(from))
	if err != nil {
		return fmt.Errorf("failed to update rule status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.Get(ctx, tenantID, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: rule %s is no longer %s", ErrVersionConflict, id, from)
	}
	return nil
}

// RecordExecution bumps the counter atomically; concurrent callers never lose increments.
func (s *PostgresRuleStore) RecordExecution(ctx context.Context, tenantID, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE rules
		SET execution_count = execution_count + 1,
			last_executed_at = GREATEST(COALESCE(last_executed_at, $1), $1)
		WHERE id = $2 AND tenant_id = $3
	`, at, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to record rule execution: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

func (s *PostgresRuleStore) ListVersions(ctx context.Context, tenantID, ruleID string) ([]*RuleVersion, error) {
	if _, err := s.Get(ctx, tenantID, ruleID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, tenant_id, version_number, name, description, event_type, priority,
			conditions, actions, created_at, created_by, change_notes
		FROM rule_versions
		WHERE rule_id = $1 AND tenant_id = $2
		ORDER BY version_number ASC
	`, ruleID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule versions: %w", err)
	}
	defer rows.Close()

	var versions []*RuleVersion
	for rows.Next() {
		var (
			v          RuleVersion
			eventType  string
			conditions []byte
			actions    []byte
		)
		if err := rows.Scan(&v.ID, &v.RuleID, &v.TenantID, &v.VersionNumber, &v.Name, &v.Description,
			&eventType, &v.Priority, &conditions, &actions, &v.CreatedAt, &v.CreatedBy, &v.ChangeNotes); err != nil {
			return nil, fmt.Errorf("failed to scan rule version: %w", err)
		}
		v.EventType = EventType(eventType)
		if err := json.Unmarshal(conditions, &v.Conditions); err != nil {
			return nil, fmt.Errorf("invalid conditions in version %d: %w", v.VersionNumber, err)
		}
		if err := json.Unmarshal(actions, &v.Actions); err != nil {
			return nil, fmt.Errorf("invalid actions in version %d: %w", v.VersionNumber, err)
		}
		versions = append(versions, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule versions: %w", err)
	}
	return versions, nil
}

func (s *PostgresRuleStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM rules ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// PostgresExecutionStore implements ExecutionStore backed by PostgreSQL
type PostgresExecutionStore struct {
	db *sql.DB
}

func NewPostgresExecutionStore(db *sql.DB) *PostgresExecutionStore {
	return &PostgresExecutionStore{db: db}
}

// Record inserts exec; a duplicate (event_id, rule_id) is ignored.
func (s *PostgresExecutionStore) Record(ctx context.Context, exec *RuleExecution) (bool, error) {
	eventData, err := json.Marshal(exec.EventData)
	if err != nil {
		return false, fmt.Errorf("failed to encode event data: %w", err)
	}
	outcomes := exec.ActionsExecuted
	if outcomes == nil {
		outcomes = []ActionOutcome{}
	}
	actions, err := json.Marshal(outcomes)
	if err != nil {
		return false, fmt.Errorf("failed to encode action outcomes: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO rule_executions (id, rule_id, tenant_id, event_id, event_type, event_data,
			customer_id, conditions_met, actions_executed, execution_time_ms, success, error_message, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (event_id, rule_id) DO NOTHING
	`, exec.ID, exec.RuleID, exec.TenantID, exec.EventID, string(exec.EventType), eventData,
		exec.CustomerID, exec.ConditionsMet, actions, exec.ExecutionTimeMs, exec.Success,
		exec.ErrorMessage, exec.ExecutedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert rule execution: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func executionWhere(tenantID string, filter ExecutionFilter) *whereBuilder {
	w := &whereBuilder{}
	if tenantID != "" {
		w.add("tenant_id = $%d", tenantID)
	}
	if filter.RuleID != "" {
		w.add("rule_id = $%d", filter.RuleID)
	}
	if filter.CustomerID != "" {
		w.add("customer_id = $%d", filter.CustomerID)
	}
	if filter.EventType != "" {
		w.add("event_type = $%d", string(filter.EventType))
	}
	if !filter.Since.IsZero() {
		w.add("executed_at >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		w.add("executed_at < $%d", filter.Until)
	}
	return w
}

func (s *PostgresExecutionStore) List(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*RuleExecution, error) {
	w := executionWhere(tenantID, filter)
	query := `
		SELECT id, rule_id, tenant_id, event_id, event_type, event_data, customer_id, conditions_met,
			actions_executed, execution_time_ms, success, error_message, executed_at
		FROM rule_executions` + w.where() + ` ORDER BY executed_at DESC`
	if filter.Limit > 0 {
		query += " LIMIT " + w.next(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule executions: %w", err)
	}
	defer rows.Close()

	var out []*RuleExecution
	for rows.Next() {
		var (
			e         RuleExecution
			eventType string
			eventData []byte
			actions   []byte
		)
		if err := rows.Scan(&e.ID, &e.RuleID, &e.TenantID, &e.EventID, &eventType, &eventData, &e.CustomerID,
			&e.ConditionsMet, &actions, &e.ExecutionTimeMs, &e.Success, &e.ErrorMessage, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule execution: %w", err)
		}
		e.EventType = EventType(eventType)
		if len(eventData) > 0 {
			if err := json.Unmarshal(eventData, &e.EventData); err != nil {
				return nil, fmt.Errorf("invalid event data for execution %s: %w", e.ID, err)
			}
		}
		if err := json.Unmarshal(actions, &e.ActionsExecuted); err != nil {
			return nil, fmt.Errorf("invalid action outcomes for execution %s: %w", e.ID, err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule executions: %w", err)
	}
	return out, nil
}

func (s *PostgresExecutionStore) Stats(ctx context.Context, tenantID string, filter ExecutionFilter) (*ExecutionStats, error) {
	w := executionWhere(tenantID, filter)
	var stats ExecutionStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE conditions_met),
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success),
			COALESCE(AVG(execution_time_ms), 0),
			COALESCE(MAX(execution_time_ms), 0)
		FROM rule_executions`+w.where(), w.args...).Scan(
		&stats.Total, &stats.ConditionsMet, &stats.Successes, &stats.Failures,
		&stats.AvgExecutionMs, &stats.MaxExecutionMs)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate rule executions: %w", err)
	}
	return &stats, nil
}

func (s *PostgresExecutionStore) TopRules(ctx context.Context, tenantID string, since time.Time, limit int) ([]RuleCount, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, COUNT(*) AS n
		FROM rule_executions
		WHERE tenant_id = $1 AND conditions_met AND executed_at >= $2
		GROUP BY rule_id
		ORDER BY n DESC, rule_id ASC
		LIMIT $3
	`, tenantID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top rules: %w", err)
	}
	defer rows.Close()

	var out []RuleCount
	for rows.Next() {
		var rc RuleCount
		if err := rows.Scan(&rc.RuleID, &rc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan top rule: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// PostgresFrequencyCounter implements FrequencyCounter over the event_occurrences table.
type PostgresFrequencyCounter struct {
	db *sql.DB
}

func NewPostgresFrequencyCounter(db *sql.DB) *PostgresFrequencyCounter {
	return &PostgresFrequencyCounter{db: db}
}

func (c *PostgresFrequencyCounter) Record(ctx context.Context, o Occurrence) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO event_occurrences (event_id, tenant_id, customer_id, event_type, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`, o.EventID, o.TenantID, o.CustomerID, string(o.EventType), o.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to record occurrence: %w", err)
	}
	return nil
}

func (c *PostgresFrequencyCounter) Count(ctx context.Context, tenantID, customerID string, eventType EventType, since time.Time) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM event_occurrences
		WHERE tenant_id = $1 AND customer_id = $2 AND event_type = $3 AND occurred_at >= $4
	`, tenantID, customerID, string(eventType), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count occurrences: %w", err)
	}
	return n, nil
}
