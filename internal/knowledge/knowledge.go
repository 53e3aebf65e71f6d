// Package knowledge retrieves snippets, prices and recent history used to
// ground the generative fallback.
package knowledge

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// DefaultLimit is the number of snippets returned when the caller passes 0.
const DefaultLimit = 5

// learnedBoost favours human-approved answers over FAQ entries with the same overlap.
const learnedBoost = 1.2

// Repo is the storage the retriever reads from.
type Repo interface {
	store.KnowledgeRepo
	store.MessageRepo
}

// Retriever implements the knowledge-retrieval collaborator over a store.
type Retriever struct {
	repo Repo
}

// NewRetriever creates a Retriever.
func NewRetriever(repo Repo) *Retriever {
	return &Retriever{repo: repo}
}

// Retrieve ranks learned pairs and FAQ entries by term overlap with text
// and returns at most limit items with a positive score, best first.
func (r *Retriever) Retrieve(ctx context.Context, text string, limit int) ([]models.KnowledgeItem, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	query := terms(text)
	if len(query) == 0 {
		return nil, nil
	}
	items, err := r.repo.ListKnowledge()
	if err != nil {
		return nil, fmt.Errorf("knowledge: list: %w", err)
	}
	var ranked []models.KnowledgeItem
	for _, it := range items {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		score := overlap(query, terms(it.Question+" "+it.Answer))
		if score == 0 {
			continue
		}
		if it.Source == models.KnowledgeLearned {
			score *= learnedBoost
			if it.Quality != nil {
				score *= 0.5 + *it.Quality/2
			}
		}
		it.Score = score
		ranked = append(ranked, it)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

var priceQuery = regexp.MustCompile(`(?i)\b(price|prices|pricing|cost|costs|how much|quote|rate|rates|fee|fees)\b|[$€£]\s*\?`)

// IsPriceQuery reports whether text asks about a price.
func (r *Retriever) IsPriceQuery(text string) bool {
	return IsPriceQuery(text)
}

// IsPriceQuery reports whether text asks about a price.
func IsPriceQuery(text string) bool {
	return priceQuery.MatchString(text)
}

var (
	productPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:price|cost|pricing)s?\s+(?:of|for)\s+(?:(?:the|a|an|your)\s+)?(.+)`),
		regexp.MustCompile(`(?i)how much\s+(?:is|are|does|do|for)\s+(?:(?:the|a|an|your)\s+)?(.+?)(?:\s+cost)?$`),
		regexp.MustCompile(`(?i)^(?:what(?:'s| is)\s+)?(?:(?:the|a|an|your)\s+)?(.+?)\s+(?:price|cost)s?$`),
	}
	variantPattern = regexp.MustCompile(`(?i)^(.+?)\s+(?:in|size|sized|colou?r)\s+(.+)$`)
)

// ExtractProductInfo guesses the product and variant a price question is about.
// The zero value is returned when nothing plausible is found.
func (r *Retriever) ExtractProductInfo(text string) models.ProductInfo {
	return ExtractProductInfo(text)
}

// ExtractProductInfo guesses the product and variant a price question is about.
func ExtractProductInfo(text string) models.ProductInfo {
	s := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(text), "?!. "))
	var product string
	for _, p := range productPatterns {
		if m := p.FindStringSubmatch(s); m != nil {
			product = strings.TrimSpace(m[1])
			break
		}
	}
	if product == "" {
		return models.ProductInfo{}
	}
	info := models.ProductInfo{Product: product}
	if m := variantPattern.FindStringSubmatch(product); m != nil {
		info.Product = strings.TrimSpace(m[1])
		info.Variant = strings.TrimSpace(m[2])
	}
	info.Product = strings.ToLower(info.Product)
	info.Variant = strings.ToLower(info.Variant)
	return info
}

// FindPrice looks up current price records for a product and optional variant.
func (r *Retriever) FindPrice(_ context.Context, product, variant string) ([]models.PriceRecord, error) {
	if strings.TrimSpace(product) == "" {
		return nil, nil
	}
	recs, err := r.repo.FindPrices(product, variant)
	if err != nil {
		return nil, fmt.Errorf("knowledge: find prices: %w", err)
	}
	return recs, nil
}

// GetRecentContext returns up to turns recent messages of the contact, oldest first.
func (r *Retriever) GetRecentContext(_ context.Context, contactID string, turns int) ([]models.ConversationTurn, error) {
	if turns <= 0 {
		return nil, nil
	}
	msgs, err := r.repo.RecentMessages(contactID, turns)
	if err != nil {
		return nil, fmt.Errorf("knowledge: recent messages: %w", err)
	}
	out := make([]models.ConversationTurn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Turn())
	}
	return out, nil
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "do": {}, "does": {}, "you": {}, "your": {},
	"i": {}, "me": {}, "my": {}, "we": {}, "to": {}, "of": {}, "for": {}, "in": {}, "on": {},
	"and": {}, "or": {}, "it": {}, "what": {}, "how": {}, "can": {}, "have": {}, "has": {}, "be": {},
	"with": {}, "at": {}, "this": {}, "that": {}, "please": {},
}

// terms returns the distinct, lowercased content words of s.
func terms(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127)
	}) {
		if _, skip := stopwords[f]; skip || len(f) < 2 {
			continue
		}
		out[strings.TrimSuffix(f, "s")] = struct{}{}
	}
	return out
}

// overlap is the fraction of query terms present in doc.
func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
