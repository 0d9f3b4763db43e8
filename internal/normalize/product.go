// Package normalize turns loosely shaped scraping-API payloads into canonical
// records. Each canonical field has an ordered list of source fields and shapes;
// the first one that yields a usable value wins. Nothing here returns an error:
// unusable items are dropped and logged.
package normalize

import (
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Product is the canonical product record.
type Product struct {
	ASIN           string
	Title          string
	Description    string
	Brand          string
	Category       string
	URL            string
	Price          *float64
	OriginalPrice  *float64
	Currency       string
	Rating         *float64
	ReviewCount    int
	Availability   string
	Images         []string
	Specifications map[string]string
	Features       []string
	Seller         *Seller
	// Reviews holds review items embedded in the product payload, untouched.
	Reviews []map[string]any
}

type Seller struct {
	Name   string
	Rating *float64
}

// Price is the canonical price triple.
type Price struct {
	Current  *float64
	Original *float64
	Currency string
}

type Normalizer struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Normalizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Normalizer{log: log}
}

var asinFields = []string{
	"asin",
	"ASIN",
	"product_information.asin",
	"product_information.ASIN",
	"product_details.asin",
	"product_details.ASIN",
}

// Product normalizes one product payload. requested is the identifier that was
// asked for and is used when the payload carries none. ok is false when no
// identifier can be determined.
func (n *Normalizer) Product(raw any, requested string) (*Product, bool) {
	m, isMap := raw.(map[string]any)
	if !isMap {
		m = map[string]any{}
	}
	asin := firstString(m, asinFields...)
	if asin == "" {
		asin = strings.TrimSpace(requested)
	}
	if asin == "" {
		n.log.Warn("product payload has no identifier", zap.Bool("object", isMap))
		return nil, false
	}

	p := &Product{
		ASIN:         asin,
		Title:        firstString(m, "name", "title", "product_name"),
		Description:  firstString(m, "full_description", "description", "small_description"),
		Brand:        firstString(m, "brand", "product_information.brand", "product_information.Brand", "manufacturer"),
		Category:     category(m),
		URL:          firstString(m, "url", "product_url", "link"),
		Availability: firstString(m, "availability_status", "availability", "stock"),
		Images:       n.images(m),
		Features:     features(m),
		Seller:       seller(m),
		Reviews:      embeddedReviews(m),
	}

	price := PriceOf(m)
	p.Price, p.OriginalPrice, p.Currency = price.Current, price.Original, price.Currency

	if v, count, ok := rating(m); ok {
		p.Rating = &v
		p.ReviewCount = count
	}
	if p.ReviewCount == 0 {
		p.ReviewCount, _ = firstInt(m, "total_reviews", "ratings_count", "reviews_count", "review_count")
	}
	p.Specifications = specifications(m)
	return p, true
}

// PriceOf resolves current price, original price and currency from a payload,
// trying "pricing", then "price", then "price_string".
func PriceOf(m map[string]any) Price {
	var out Price
	for _, field := range []string{"pricing", "price", "price_string"} {
		v, ok := m[field]
		if !ok || v == nil {
			continue
		}
		p := priceValue(v)
		if p.Current == nil {
			continue
		}
		out = p
		break
	}
	if out.Original == nil {
		for _, field := range []string{"list_price", "original_price", "price_strikethrough"} {
			if v, ok := m[field]; ok {
				if f, ok := toFloat(v); ok && f > 0 {
					out.Original = &f
					if out.Currency == "" {
						if s, ok := v.(string); ok {
							out.Currency = currencyFromString(s)
						}
					}
					break
				}
			}
		}
	}
	if c := firstString(m, "currency", "price_currency"); c != "" && out.Currency == "" {
		out.Currency = strings.ToUpper(c)
	}
	if out.Currency == "" {
		if sym := firstString(m, "price_symbol"); sym != "" {
			out.Currency = currencyFromString(sym)
		}
	}
	return out
}

// priceValue handles a number, a currency string, or a structured object.
func priceValue(v any) Price {
	var out Price
	switch t := v.(type) {
	case map[string]any:
		if f, ok := firstFloat(t, "current", "value", "amount", "price"); ok {
			out.Current = &f
		}
		if f, ok := firstFloat(t, "original", "list", "was", "before_price"); ok {
			out.Original = &f
		}
		out.Currency = strings.ToUpper(firstString(t, "currency", "currency_code"))
		if out.Currency == "" {
			out.Currency = currencyFromString(firstString(t, "symbol"))
		}
	case string:
		if f, ok := toFloat(t); ok {
			out.Current = &f
			out.Currency = currencyFromString(t)
		}
	default:
		if f, ok := toFloat(t); ok {
			out.Current = &f
		}
	}
	return out
}

// rating returns (value, count). A bare number pairs with a separate count
// field; an object carries both.
func rating(m map[string]any) (float64, int, bool) {
	for _, field := range []string{"rating", "average_rating", "stars"} {
		v, ok := m[field]
		if !ok || v == nil {
			continue
		}
		if obj, ok := v.(map[string]any); ok {
			val, ok := firstFloat(obj, "value", "rating", "average")
			if !ok {
				continue
			}
			count, _ := firstInt(obj, "count", "total", "total_ratings")
			return val, count, true
		}
		var val float64
		if s, ok := v.(string); ok {
			val, ok = leadingNumber(s)
			if !ok {
				continue
			}
		} else if val, ok = toFloat(v); !ok {
			continue
		}
		if val < 0 || val > 5 {
			continue
		}
		count, _ := firstInt(m, "total_reviews", "ratings_count", "reviews_count", "review_count")
		return val, count, true
	}
	return 0, 0, false
}

func seller(m map[string]any) *Seller {
	for _, field := range []string{"seller", "sold_by", "merchant_info"} {
		v, ok := m[field]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return &Seller{Name: s}
			}
		case map[string]any:
			name := firstString(t, "name", "seller_name", "sold_by")
			if name == "" {
				continue
			}
			s := &Seller{Name: name}
			if f, ok := firstFloat(t, "rating", "seller_rating"); ok {
				s.Rating = &f
			}
			return s
		}
	}
	return nil
}

func (n *Normalizer) images(m map[string]any) []string {
	var candidates []string
	for _, field := range []string{"images", "image", "main_image", "thumbnail"} {
		v, ok := m[field]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			candidates = append(candidates, t)
		case map[string]any:
			candidates = append(candidates, firstString(t, "url", "link", "src"))
		case []any:
			for _, item := range t {
				switch it := item.(type) {
				case string:
					candidates = append(candidates, it)
				case map[string]any:
					candidates = append(candidates, firstString(it, "url", "link", "src"))
				}
			}
		}
		if len(candidates) > 0 {
			break
		}
	}
	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if !ValidURL(c) {
			if c != "" {
				n.log.Debug("dropping invalid image url", zap.String("url", c))
			}
			continue
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func category(m map[string]any) string {
	for _, field := range []string{"product_category", "category", "categories"} {
		v, ok := m[field]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case []any:
			var parts []string
			for _, item := range t {
				switch it := item.(type) {
				case string:
					parts = append(parts, strings.TrimSpace(it))
				case map[string]any:
					if s := firstString(it, "name", "title"); s != "" {
						parts = append(parts, s)
					}
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, " > ")
			}
		}
	}
	return ""
}

func features(m map[string]any) []string {
	for _, field := range []string{"feature_bullets", "features", "about_item"} {
		if v, ok := m[field]; ok {
			if l := stringList(v); len(l) > 0 {
				return l
			}
		}
	}
	return nil
}

// specifications merges the known spec sources; earlier sources win on key clashes.
func specifications(m map[string]any) map[string]string {
	out := map[string]string{}
	add := func(k string, v any) {
		k = strings.TrimSpace(k)
		s, ok := scalarString(v)
		if k == "" || !ok {
			return
		}
		if _, exists := out[k]; !exists {
			out[k] = s
		}
	}
	for _, field := range []string{"specifications", "product_information", "product_details"} {
		switch t := m[field].(type) {
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				add(k, t[k])
			}
		case []any:
			for _, item := range t {
				if obj, ok := item.(map[string]any); ok {
					add(firstString(obj, "name", "key", "label"), obj["value"])
				}
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func embeddedReviews(m map[string]any) []map[string]any {
	for _, field := range []string{"reviews", "top_reviews", "customer_reviews"} {
		list, ok := m[field].([]any)
		if !ok || len(list) == 0 {
			continue
		}
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if obj, ok := item.(map[string]any); ok {
				out = append(out, obj)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}
