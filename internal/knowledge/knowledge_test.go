package knowledge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

func seeded(t *testing.T) *store.InMemoryStore {
	t.Helper()
	st := store.NewInMemoryStore()
	q := 1.0
	items := []models.KnowledgeItem{
		{ID: "faq-hours", Source: models.KnowledgeFAQ, Question: "What are your opening hours?", Answer: "We are open 9am to 6pm, Monday to Saturday."},
		{ID: "faq-shipping", Source: models.KnowledgeFAQ, Question: "Do you ship abroad?", Answer: "We ship to the EU and the UK."},
		{ID: "learned-hours", Source: models.KnowledgeLearned, Question: "opening hours on sunday", Answer: "Closed on Sundays.", Quality: &q},
	}
	for _, it := range items {
		if err := st.SaveKnowledge(it); err != nil {
			t.Fatalf("SaveKnowledge: %v", err)
		}
	}
	return st
}

func TestRetrieve(t *testing.T) {
	r := NewRetriever(seeded(t))

	got, err := r.Retrieve(context.Background(), "What are your opening hours on Sunday?", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d: %+v", len(got), got)
	}
	if got[0].ID != "learned-hours" {
		t.Errorf("expected learned answer first, got %s", got[0].ID)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("expected descending scores, got %v then %v", got[0].Score, got[1].Score)
	}

	got, _ = r.Retrieve(context.Background(), "opening hours", 1)
	if len(got) != 1 {
		t.Errorf("expected limit to be applied, got %d", len(got))
	}

	got, _ = r.Retrieve(context.Background(), "the and of", 5)
	if len(got) != 0 {
		t.Errorf("expected stopword-only query to return nothing, got %d", len(got))
	}
}

func TestIsPriceQuery(t *testing.T) {
	tests := map[string]bool{
		"How much is the hoodie?":   true,
		"what's the price of a mug": true,
		"Shipping costs to Spain?":  true,
		"hello there":               false,
		"I priced it myself":        false,
		"Do you ship to Germany?":   false,
	}
	for text, want := range tests {
		if got := IsPriceQuery(text); got != want {
			t.Errorf("IsPriceQuery(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestExtractProductInfo(t *testing.T) {
	tests := []struct {
		text string
		want models.ProductInfo
	}{
		{"What is the price of the T-shirt in red?", models.ProductInfo{Product: "t-shirt", Variant: "red"}},
		{"How much is the hoodie?", models.ProductInfo{Product: "hoodie"}},
		{"how much does the mug cost", models.ProductInfo{Product: "mug"}},
		{"What's the hoodie price?", models.ProductInfo{Product: "hoodie"}},
		{"pricing for cap size L", models.ProductInfo{Product: "cap", Variant: "l"}},
		{"hello", models.ProductInfo{}},
	}
	for _, tt := range tests {
		if got := ExtractProductInfo(tt.text); got != tt.want {
			t.Errorf("ExtractProductInfo(%q) = %+v, want %+v", tt.text, got, tt.want)
		}
	}
}

func TestFindPrice(t *testing.T) {
	st := store.NewInMemoryStore()
	_ = st.SavePrice(models.PriceRecord{Product: "T-Shirt", Variant: "Red", Price: 19.9, Currency: "EUR"})
	_ = st.SavePrice(models.PriceRecord{Product: "T-Shirt", Variant: "Blue", Price: 17.5, Currency: "EUR"})
	r := NewRetriever(st)

	recs, err := r.FindPrice(context.Background(), "t-shirt", "red")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 || recs[0].Price != 19.9 {
		t.Errorf("expected red t-shirt price, got %+v", recs)
	}
	recs, _ = r.FindPrice(context.Background(), "t-shirt", "")
	if len(recs) != 2 {
		t.Errorf("expected both variants, got %d", len(recs))
	}
	recs, _ = r.FindPrice(context.Background(), " ", "")
	if recs != nil {
		t.Errorf("expected nil for empty product, got %+v", recs)
	}
}

func TestGetRecentContext(t *testing.T) {
	st := store.NewInMemoryStore()
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	for i, m := range []models.MessageRecord{
		{ContactID: "c1", Direction: models.DirectionInbound, Text: "hi"},
		{ContactID: "c2", Direction: models.DirectionInbound, Text: "other contact"},
		{ContactID: "c1", Direction: models.DirectionOutbound, Text: "hello!"},
		{ContactID: "c1", Direction: models.DirectionInbound, Text: "price?"},
	} {
		m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := st.AddMessage(m); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}
	r := NewRetriever(st)
	turns, err := r.GetRecentContext(context.Background(), "c1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != models.RoleAssistant || turns[0].Content != "hello!" {
		t.Errorf("unexpected first turn %+v", turns[0])
	}
	if turns[1].Role != models.RoleUser || turns[1].Content != "price?" {
		t.Errorf("unexpected last turn %+v", turns[1])
	}
}

type failingRepo struct{ *store.InMemoryStore }

func (failingRepo) ListKnowledge() ([]models.KnowledgeItem, error) {
	return nil, errors.New("db down")
}

func TestRetrieve_Error(t *testing.T) {
	r := NewRetriever(failingRepo{store.NewInMemoryStore()})
	if _, err := r.Retrieve(context.Background(), "opening hours", 3); err == nil {
		t.Error("expected error to surface")
	}
}
