package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// InMemoryStore keeps everything in process memory. It is used when no DSN is configured and in tests.
type InMemoryStore struct {
	mu         sync.RWMutex
	receipts   []models.Receipt
	responses  []models.Response
	flows      map[string]models.Flow
	fields     map[string]map[string]string
	completed  map[string]map[string]CompletedFlow
	executions map[string]*models.ExecutionLog
	sessions   map[string]models.SessionState
	messages   []models.MessageRecord
	knowledge  map[string]models.KnowledgeItem
	prices     map[string]models.PriceRecord
	dedup      map[string]*DedupRecord
	nextMsgID  int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:      map[string]models.Flow{},
		fields:     map[string]map[string]string{},
		completed:  map[string]map[string]CompletedFlow{},
		executions: map[string]*models.ExecutionLog{},
		sessions:   map[string]models.SessionState{},
		knowledge:  map[string]models.KnowledgeItem{},
		prices:     map[string]models.PriceRecord{},
		dedup:      map[string]*DedupRecord{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Receipt(nil), s.receipts...), nil
}

func (s *InMemoryStore) AddResponse(r models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	return nil
}

func (s *InMemoryStore) GetResponses() ([]models.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Response(nil), s.responses...), nil
}

func (s *InMemoryStore) SaveFlow(f models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if prev, ok := s.flows[f.ID]; ok && f.CreatedAt.IsZero() {
		f.CreatedAt = prev.CreatedAt
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	s.flows[f.ID] = f
	return nil
}

func (s *InMemoryStore) GetFlow(id string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *InMemoryStore) ListFlows(activeOnly bool) ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Flow
	for _, f := range s.flows {
		if activeOnly && !f.Active {
			continue
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) DeleteFlow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, id)
	return nil
}

func (s *InMemoryStore) GetContactFields(contactID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]string{}
	for k, v := range s.fields[contactID] {
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryStore) SetContactFields(contactID string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.fields[contactID]
	if !ok {
		m = map[string]string{}
		s.fields[contactID] = m
	}
	for k, v := range fields {
		m[k] = v
	}
	return nil
}

func (s *InMemoryStore) MarkFlowCompleted(contactID, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	m, ok := s.completed[contactID]
	if !ok {
		m = map[string]CompletedFlow{}
		s.completed[contactID] = m
	}
	c, ok := m[flowID]
	if !ok {
		c = CompletedFlow{ContactID: contactID, FlowID: flowID, FirstCompletedAt: now}
	}
	c.LastCompletedAt = now
	m[flowID] = c
	return nil
}

func (s *InMemoryStore) HasCompletedFlow(contactID, flowID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.completed[contactID][flowID]
	return ok, nil
}

func (s *InMemoryStore) ListCompletedFlows(contactID string) ([]CompletedFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CompletedFlow
	for _, c := range s.completed[contactID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstCompletedAt.Before(out[j].FirstCompletedAt) })
	return out, nil
}

func (s *InMemoryStore) CreateExecution(log models.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := log
	cp.Steps = append([]models.ExecutionStep{}, log.Steps...)
	cp.Variables = copyVars(log.Variables)
	s.executions[log.ID] = &cp
	return nil
}

func (s *InMemoryStore) AppendExecutionStep(executionID string, step models.ExecutionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	e.Steps = append(e.Steps, step)
	return nil
}

func (s *InMemoryStore) FinalizeExecution(executionID string, f Finalization) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok || e.Status != models.ExecutionRunning {
		return false, nil
	}
	e.Status = f.Status
	e.FinalNodeID = f.FinalNodeID
	e.Reason = f.Reason
	e.Variables = copyVars(f.Variables)
	finished := f.FinishedAt
	e.FinishedAt = &finished
	return true, nil
}

func (s *InMemoryStore) GetExecution(id string) (*models.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	cp.Steps = append([]models.ExecutionStep{}, e.Steps...)
	return &cp, nil
}

func (s *InMemoryStore) ListExecutions(contactID string, limit int) ([]models.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ExecutionLog
	for _, e := range s.executions {
		if e.ContactID != contactID {
			continue
		}
		cp := *e
		cp.Steps = append([]models.ExecutionStep{}, e.Steps...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) SaveSession(st models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Variables = copyVars(st.Variables)
	s.sessions[st.ContactID] = st
	return nil
}

func (s *InMemoryStore) GetSession(contactID string) (*models.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[contactID]
	if !ok {
		return nil, nil
	}
	st.Variables = copyVars(st.Variables)
	return &st, nil
}

func (s *InMemoryStore) DeleteSession(contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, contactID)
	return nil
}

func (s *InMemoryStore) ListSessions() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStore) AddMessage(m models.MessageRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsgID++
	m.ID = s.nextMsgID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.messages = append(s.messages, m)
	return m.ID, nil
}

func (s *InMemoryStore) RecentMessages(contactID string, limit int) ([]models.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MessageRecord
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if s.messages[i].ContactID == contactID {
			out = append(out, s.messages[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *InMemoryStore) SaveKnowledge(item models.KnowledgeItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.knowledge[item.ID] = item
	return nil
}

func (s *InMemoryStore) ListKnowledge() ([]models.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.KnowledgeItem, 0, len(s.knowledge))
	for _, it := range s.knowledge {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SavePrice(p models.PriceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	s.prices[p.Product+"\x00"+p.Variant] = p
	return nil
}

func (s *InMemoryStore) FindPrices(product, variant string) ([]models.PriceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	product, variant = strings.ToLower(product), strings.ToLower(variant)
	var out []models.PriceRecord
	for _, p := range s.prices {
		if !strings.Contains(strings.ToLower(p.Product), product) {
			continue
		}
		if variant != "" && !strings.Contains(strings.ToLower(p.Variant), variant) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Product != out[j].Product {
			return out[i].Product < out[j].Product
		}
		return out[i].Variant < out[j].Variant
	})
	return out, nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) GetInbound(messageID string) (*DedupRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.dedup[messageID]
	if !ok {
		return nil, nil
	}
	out := *r
	return &out, nil
}

func (s *InMemoryStore) RecordInbound(messageID, contactID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, ContactID: contactID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.dedup[messageID]; ok {
		now := time.Now()
		r.ProcessedAt = &now
	}
	return nil
}

func copyVars(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
