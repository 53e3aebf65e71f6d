package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// sqlStore holds the repository queries shared by the SQLite and PostgreSQL stores.
// Queries are written with ? placeholders and rebound for the driver.
type sqlStore struct {
	db     *sql.DB
	driver string
	name   string // log prefix, e.g. "SQLiteStore"
}

func (s *sqlStore) q(query string) string { return rebind(s.driver, query) }

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "store", s.name)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "store", s.name, "error", err)
	}
	return err
}

// Receipts and raw responses

func (s *sqlStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(s.q(`INSERT INTO receipts (recipient, status, time) VALUES (?, ?, ?)`), r.To, r.Status, r.Time)
	if err != nil {
		slog.Error(s.name+" AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug(s.name+" AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

func (s *sqlStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, status, time FROM receipts ORDER BY time`)
	if err != nil {
		slog.Error(s.name+" GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.To, &r.Status, &r.Time); err != nil {
			slog.Error(s.name+" GetReceipts scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *sqlStore) AddResponse(r models.Response) error {
	_, err := s.db.Exec(s.q(`INSERT INTO responses (sender, body, time, message_id) VALUES (?, ?, ?, ?)`),
		r.From, r.Body, r.Time, nilIfEmpty(r.MessageID))
	if err != nil {
		slog.Error(s.name+" AddResponse failed", "error", err, "from", r.From)
		return fmt.Errorf("failed to insert response from %s: %w", r.From, err)
	}
	return nil
}

func (s *sqlStore) GetResponses() ([]models.Response, error) {
	rows, err := s.db.Query(`SELECT sender, body, time, message_id FROM responses ORDER BY time`)
	if err != nil {
		slog.Error(s.name+" GetResponses query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var responses []models.Response
	for rows.Next() {
		var r models.Response
		var msgID sql.NullString
		if err := rows.Scan(&r.From, &r.Body, &r.Time, &msgID); err != nil {
			slog.Error(s.name+" GetResponses scan failed", "error", err)
			return nil, err
		}
		r.MessageID = msgID.String
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

// Flows

func (s *sqlStore) SaveFlow(f models.Flow) error {
	now := time.Now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	def, err := json.Marshal(f)
	if err != nil {
		slog.Error(s.name+" SaveFlow JSON marshal failed", "error", err, "flowID", f.ID)
		return err
	}
	_, err = s.db.Exec(s.q(`
		INSERT INTO flows (id, slug, name, is_default, active, priority, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			slug = excluded.slug,
			name = excluded.name,
			is_default = excluded.is_default,
			active = excluded.active,
			priority = excluded.priority,
			definition = excluded.definition,
			updated_at = excluded.updated_at`),
		f.ID, f.Slug, f.Name, f.IsDefault, f.Active, f.Priority, string(def), f.CreatedAt, f.UpdatedAt)
	if err != nil {
		slog.Error(s.name+" SaveFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	slog.Debug(s.name+" SaveFlow succeeded", "flowID", f.ID, "active", f.Active)
	return nil
}

func (s *sqlStore) GetFlow(id string) (*models.Flow, error) {
	var def []byte
	err := s.db.QueryRow(s.q(`SELECT definition FROM flows WHERE id = ?`), id).Scan(&def)
	if err == sql.ErrNoRows {
		slog.Debug(s.name+" GetFlow not found", "flowID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetFlow failed", "error", err, "flowID", id)
		return nil, err
	}
	var f models.Flow
	if err := json.Unmarshal(def, &f); err != nil {
		slog.Error(s.name+" GetFlow JSON unmarshal failed", "error", err, "flowID", id)
		return nil, fmt.Errorf("failed to decode flow %s: %w", id, err)
	}
	return &f, nil
}

func (s *sqlStore) ListFlows(activeOnly bool) ([]models.Flow, error) {
	query := `SELECT id, definition FROM flows`
	if activeOnly {
		query += ` WHERE active = ` + s.boolLiteral(true)
	}
	query += ` ORDER BY priority, created_at, id`
	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error(s.name+" ListFlows query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		var id string
		var def []byte
		if err := rows.Scan(&id, &def); err != nil {
			return nil, err
		}
		var f models.Flow
		if err := json.Unmarshal(def, &f); err != nil {
			// One broken definition must not hide the others.
			slog.Warn(s.name+" ListFlows skipping undecodable flow", "error", err, "flowID", id)
			continue
		}
		flows = append(flows, f)
	}
	slog.Debug(s.name+" ListFlows succeeded", "count", len(flows), "activeOnly", activeOnly)
	return flows, rows.Err()
}

func (s *sqlStore) boolLiteral(v bool) string {
	if s.driver == "postgres" {
		if v {
			return "TRUE"
		}
		return "FALSE"
	}
	if v {
		return "1"
	}
	return "0"
}

func (s *sqlStore) DeleteFlow(id string) error {
	_, err := s.db.Exec(s.q(`DELETE FROM flows WHERE id = ?`), id)
	if err != nil {
		slog.Error(s.name+" DeleteFlow failed", "error", err, "flowID", id)
	}
	return err
}

// Contacts

func (s *sqlStore) GetContactFields(contactID string) (map[string]string, error) {
	rows, err := s.db.Query(s.q(`SELECT name, value FROM contact_fields WHERE contact_id = ?`), contactID)
	if err != nil {
		slog.Error(s.name+" GetContactFields failed", "error", err, "contactID", contactID)
		return nil, err
	}
	defer rows.Close()

	fields := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		fields[name] = value
	}
	return fields, rows.Err()
}

func (s *sqlStore) SetContactFields(contactID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(s.q(`
		INSERT INTO contact_fields (contact_id, name, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (contact_id, name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for name, value := range fields {
		if _, err := stmt.Exec(contactID, name, value, now); err != nil {
			slog.Error(s.name+" SetContactFields failed", "error", err, "contactID", contactID, "field", name)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Debug(s.name+" SetContactFields succeeded", "contactID", contactID, "count", len(fields))
	return nil
}

func (s *sqlStore) MarkFlowCompleted(contactID, flowID string) error {
	now := time.Now()
	_, err := s.db.Exec(s.q(`
		INSERT INTO completed_flows (contact_id, flow_id, first_completed_at, last_completed_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (contact_id, flow_id) DO UPDATE SET last_completed_at = excluded.last_completed_at`),
		contactID, flowID, now, now)
	if err != nil {
		slog.Error(s.name+" MarkFlowCompleted failed", "error", err, "contactID", contactID, "flowID", flowID)
		return err
	}
	return nil
}

func (s *sqlStore) HasCompletedFlow(contactID, flowID string) (bool, error) {
	var n int
	err := s.db.QueryRow(s.q(`SELECT COUNT(*) FROM completed_flows WHERE contact_id = ? AND flow_id = ?`),
		contactID, flowID).Scan(&n)
	if err != nil {
		slog.Error(s.name+" HasCompletedFlow failed", "error", err, "contactID", contactID, "flowID", flowID)
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) ListCompletedFlows(contactID string) ([]CompletedFlow, error) {
	rows, err := s.db.Query(s.q(`
		SELECT contact_id, flow_id, first_completed_at, last_completed_at
		FROM completed_flows WHERE contact_id = ? ORDER BY first_completed_at`), contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CompletedFlow
	for rows.Next() {
		var c CompletedFlow
		if err := rows.Scan(&c.ContactID, &c.FlowID, &c.FirstCompletedAt, &c.LastCompletedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Executions

func (s *sqlStore) CreateExecution(log models.ExecutionLog) error {
	vars, err := jsonColumn(log.Variables)
	if err != nil {
		return err
	}
	cls, err := jsonColumn(log.Classification)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.q(`
		INSERT INTO executions (id, flow_id, flow_slug, contact_id, status, variables, trigger_message, trigger_type, classification, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		log.ID, log.FlowID, log.FlowSlug, log.ContactID, log.Status, vars,
		log.TriggerMessage, string(log.TriggerType), cls, log.StartedAt)
	if err != nil {
		slog.Error(s.name+" CreateExecution failed", "error", err, "executionID", log.ID)
		return fmt.Errorf("failed to create execution %s: %w", log.ID, err)
	}
	return nil
}

func (s *sqlStore) AppendExecutionStep(executionID string, step models.ExecutionStep) error {
	_, err := s.db.Exec(s.q(`
		INSERT INTO execution_steps (execution_id, seq, node_id, node_type, status, output, error, started_at, duration_ms)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM execution_steps WHERE execution_id = ?), ?, ?, ?, ?, ?, ?, ?)`),
		executionID, executionID, step.NodeID, string(step.NodeType), string(step.Status),
		step.Output, step.Error, step.StartedAt, step.DurationMS)
	if err != nil {
		slog.Error(s.name+" AppendExecutionStep failed", "error", err, "executionID", executionID, "nodeID", step.NodeID)
		return err
	}
	return nil
}

func (s *sqlStore) FinalizeExecution(executionID string, f Finalization) (bool, error) {
	vars, err := jsonColumn(f.Variables)
	if err != nil {
		return false, err
	}
	res, err := s.db.Exec(s.q(`
		UPDATE executions SET status = ?, final_node_id = ?, reason = ?, variables = ?, finished_at = ?
		WHERE id = ? AND status = 'running'`),
		string(f.Status), f.FinalNodeID, f.Reason, vars, f.FinishedAt, executionID)
	if err != nil {
		slog.Error(s.name+" FinalizeExecution failed", "error", err, "executionID", executionID)
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) GetExecution(id string) (*models.ExecutionLog, error) {
	row := s.db.QueryRow(s.q(executionSelect+` WHERE id = ?`), id)
	log, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetExecution failed", "error", err, "executionID", id)
		return nil, err
	}
	if log.Steps, err = s.executionSteps(id); err != nil {
		return nil, err
	}
	return log, nil
}

func (s *sqlStore) ListExecutions(contactID string, limit int) ([]models.ExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(s.q(executionSelect+` WHERE contact_id = ? ORDER BY started_at DESC LIMIT ?`), contactID, limit)
	if err != nil {
		slog.Error(s.name+" ListExecutions failed", "error", err, "contactID", contactID)
		return nil, err
	}
	var logs []models.ExecutionLog
	for rows.Next() {
		log, err := scanExecution(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		logs = append(logs, *log)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range logs {
		if logs[i].Steps, err = s.executionSteps(logs[i].ID); err != nil {
			return nil, err
		}
	}
	return logs, nil
}

const executionSelect = `SELECT id, flow_id, flow_slug, contact_id, status, variables, trigger_message, trigger_type,
	classification, final_node_id, reason, started_at, finished_at FROM executions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(r rowScanner) (*models.ExecutionLog, error) {
	var log models.ExecutionLog
	var vars, cls []byte
	var triggerType string
	var finalNode, reason sql.NullString
	var finished sql.NullTime
	err := r.Scan(&log.ID, &log.FlowID, &log.FlowSlug, &log.ContactID, &log.Status, &vars,
		&log.TriggerMessage, &triggerType, &cls, &finalNode, &reason, &log.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	log.TriggerType = models.TriggerType(triggerType)
	log.FinalNodeID = finalNode.String
	log.Reason = reason.String
	if finished.Valid {
		t := finished.Time
		log.FinishedAt = &t
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &log.Variables); err != nil {
			slog.Warn("execution variables undecodable", "executionID", log.ID, "error", err)
		}
	}
	if len(cls) > 0 {
		var c models.ClassificationResult
		if err := json.Unmarshal(cls, &c); err == nil {
			log.Classification = &c
		}
	}
	return &log, nil
}

func (s *sqlStore) executionSteps(executionID string) ([]models.ExecutionStep, error) {
	rows, err := s.db.Query(s.q(`
		SELECT node_id, node_type, status, output, error, started_at, duration_ms
		FROM execution_steps WHERE execution_id = ? ORDER BY seq`), executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []models.ExecutionStep{}
	for rows.Next() {
		var st models.ExecutionStep
		var nodeType, status string
		var output, errText sql.NullString
		if err := rows.Scan(&st.NodeID, &nodeType, &status, &output, &errText, &st.StartedAt, &st.DurationMS); err != nil {
			return nil, err
		}
		st.NodeType = models.NodeType(nodeType)
		st.Status = models.StepStatus(status)
		st.Output = output.String
		st.Error = errText.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// Sessions

func (s *sqlStore) SaveSession(st models.SessionState) error {
	vars, err := jsonColumn(st.Variables)
	if err != nil {
		slog.Error(s.name+" SaveSession JSON marshal failed", "error", err, "contactID", st.ContactID)
		return err
	}
	ctxJSON, err := jsonColumn(st.Context)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(s.q(`
		INSERT INTO sessions (contact_id, flow_id, flow_slug, current_node_id, variables, context, execution_id, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (contact_id) DO UPDATE SET
			flow_id = excluded.flow_id,
			flow_slug = excluded.flow_slug,
			current_node_id = excluded.current_node_id,
			variables = excluded.variables,
			context = excluded.context,
			execution_id = excluded.execution_id,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at`),
		st.ContactID, st.FlowID, st.FlowSlug, st.CurrentNodeID, vars, ctxJSON,
		nilIfEmpty(st.ExecutionID), st.StartedAt, st.UpdatedAt)
	if err != nil {
		slog.Error(s.name+" SaveSession failed", "error", err, "contactID", st.ContactID)
		return err
	}
	slog.Debug(s.name+" SaveSession succeeded", "contactID", st.ContactID, "flowID", st.FlowID, "nodeID", st.CurrentNodeID)
	return nil
}

func (s *sqlStore) GetSession(contactID string) (*models.SessionState, error) {
	var st models.SessionState
	var vars, ctxJSON []byte
	var execID sql.NullString
	err := s.db.QueryRow(s.q(`
		SELECT contact_id, flow_id, flow_slug, current_node_id, variables, context, execution_id, started_at, updated_at
		FROM sessions WHERE contact_id = ?`), contactID).Scan(
		&st.ContactID, &st.FlowID, &st.FlowSlug, &st.CurrentNodeID, &vars, &ctxJSON, &execID, &st.StartedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetSession failed", "error", err, "contactID", contactID)
		return nil, err
	}
	st.ExecutionID = execID.String
	st.Variables = map[string]any{}
	st.Context = map[string]string{}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &st.Variables); err != nil {
			slog.Error(s.name+" GetSession variables unmarshal failed", "error", err, "contactID", contactID)
		}
	}
	if len(ctxJSON) > 0 {
		if err := json.Unmarshal(ctxJSON, &st.Context); err != nil {
			slog.Error(s.name+" GetSession context unmarshal failed", "error", err, "contactID", contactID)
		}
	}
	return &st, nil
}

func (s *sqlStore) DeleteSession(contactID string) error {
	_, err := s.db.Exec(s.q(`DELETE FROM sessions WHERE contact_id = ?`), contactID)
	if err != nil {
		slog.Error(s.name+" DeleteSession failed", "error", err, "contactID", contactID)
	}
	return err
}

func (s *sqlStore) ListSessions() ([]string, error) {
	rows, err := s.db.Query(`SELECT contact_id FROM sessions ORDER BY contact_id`)
	if err != nil {
		slog.Error(s.name+" ListSessions failed", "error", err)
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Messages

func (s *sqlStore) AddMessage(m models.MessageRecord) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	var id int64
	err := s.db.QueryRow(s.q(`
		INSERT INTO messages (contact_id, direction, text, is_generated, channel_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		m.ContactID, string(m.Direction), m.Text, m.Generated, nilIfEmpty(m.ChannelMessageID), m.CreatedAt).Scan(&id)
	if err != nil {
		slog.Error(s.name+" AddMessage failed", "error", err, "contactID", m.ContactID)
		return 0, err
	}
	return id, nil
}

func (s *sqlStore) RecentMessages(contactID string, limit int) ([]models.MessageRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(s.q(`
		SELECT id, contact_id, direction, text, is_generated, channel_message_id, created_at
		FROM messages WHERE contact_id = ? ORDER BY id DESC LIMIT ?`), contactID, limit)
	if err != nil {
		slog.Error(s.name+" RecentMessages failed", "error", err, "contactID", contactID)
		return nil, err
	}
	defer rows.Close()

	var out []models.MessageRecord
	for rows.Next() {
		var m models.MessageRecord
		var dir string
		var chID sql.NullString
		if err := rows.Scan(&m.ID, &m.ContactID, &dir, &m.Text, &m.Generated, &chID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Direction = models.MessageDirection(dir)
		m.ChannelMessageID = chID.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Knowledge and prices

func (s *sqlStore) SaveKnowledge(item models.KnowledgeItem) error {
	var quality interface{}
	if item.Quality != nil {
		quality = *item.Quality
	}
	_, err := s.db.Exec(s.q(`
		INSERT INTO knowledge_items (id, source, question, answer, quality, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET source = excluded.source, question = excluded.question,
			answer = excluded.answer, quality = excluded.quality`),
		item.ID, string(item.Source), item.Question, item.Answer, quality, time.Now())
	if err != nil {
		slog.Error(s.name+" SaveKnowledge failed", "error", err, "id", item.ID)
	}
	return err
}

func (s *sqlStore) ListKnowledge() ([]models.KnowledgeItem, error) {
	rows, err := s.db.Query(`SELECT id, source, question, answer, quality FROM knowledge_items ORDER BY created_at`)
	if err != nil {
		slog.Error(s.name+" ListKnowledge failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var items []models.KnowledgeItem
	for rows.Next() {
		var it models.KnowledgeItem
		var src string
		var quality sql.NullFloat64
		if err := rows.Scan(&it.ID, &src, &it.Question, &it.Answer, &quality); err != nil {
			return nil, err
		}
		it.Source = models.KnowledgeSource(src)
		if quality.Valid {
			q := quality.Float64
			it.Quality = &q
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *sqlStore) SavePrice(p models.PriceRecord) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(s.q(`
		INSERT INTO prices (product, variant, price, currency, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (product, variant) DO UPDATE SET price = excluded.price, currency = excluded.currency,
			updated_at = excluded.updated_at`),
		p.Product, p.Variant, p.Price, p.Currency, p.UpdatedAt)
	if err != nil {
		slog.Error(s.name+" SavePrice failed", "error", err, "product", p.Product)
	}
	return err
}

func (s *sqlStore) FindPrices(product, variant string) ([]models.PriceRecord, error) {
	query := `SELECT product, variant, price, currency, updated_at FROM prices WHERE LOWER(product) LIKE ?`
	args := []any{"%" + strings.ToLower(product) + "%"}
	if variant != "" {
		query += ` AND LOWER(variant) LIKE ?`
		args = append(args, "%"+strings.ToLower(variant)+"%")
	}
	query += ` ORDER BY product, variant`
	rows, err := s.db.Query(s.q(query), args...)
	if err != nil {
		slog.Error(s.name+" FindPrices failed", "error", err, "product", product)
		return nil, err
	}
	defer rows.Close()

	var out []models.PriceRecord
	for rows.Next() {
		var p models.PriceRecord
		var currency sql.NullString
		if err := rows.Scan(&p.Product, &p.Variant, &p.Price, &currency, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Currency = currency.String
		out = append(out, p)
	}
	return out, rows.Err()
}
