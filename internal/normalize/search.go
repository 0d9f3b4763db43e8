package normalize

import "go.uber.org/zap"

// SearchResult is the canonical search response.
type SearchResult struct {
	Products     []Product
	TotalResults int
	Query        string
	// Dropped counts items that failed validation.
	Dropped int
}

// Search accepts a bare array, {"products": [...]}, {"results": [...]}, or
// anything else (treated as empty). It never fails.
func (n *Normalizer) Search(raw any, query string) SearchResult {
	out := SearchResult{Products: []Product{}, Query: query}

	var items []any
	switch t := raw.(type) {
	case []any:
		items = t
	case map[string]any:
		if l, ok := t["products"].([]any); ok {
			items = l
		} else if l, ok := t["results"].([]any); ok {
			items = l
		}
		if total, ok := firstInt(t, "total_results", "totalResults", "total"); ok && total > 0 {
			out.TotalResults = total
		}
		if q := firstString(t, "query", "search_term", "keyword"); q != "" && query == "" {
			out.Query = q
		}
	default:
		n.log.Warn("search payload has unexpected shape", zap.String("query", query))
	}

	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			out.Dropped++
			continue
		}
		p, ok := n.Product(obj, "")
		if !ok || p.Title == "" {
			n.log.Debug("dropping invalid search item", zap.Int("index", i), zap.String("query", query))
			out.Dropped++
			continue
		}
		out.Products = append(out.Products, *p)
	}
	if out.Dropped > 0 {
		n.log.Info("search items dropped during normalization",
			zap.String("query", query), zap.Int("dropped", out.Dropped), zap.Int("kept", len(out.Products)))
	}
	if out.TotalResults == 0 {
		out.TotalResults = len(out.Products)
	}
	return out
}
