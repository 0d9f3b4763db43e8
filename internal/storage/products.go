package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/SirClappington/prodq/internal/domain"
)

const productColumns = `id, asin, title, description, brand, category, images, rating, review_count,
availability, currency, specifications, features, created_at, updated_at`

// ProductIDByASIN returns the row id for asin or ErrNotFound.
func (s *Store) ProductIDByASIN(ctx context.Context, asin string) (int64, error) {
	var id int64
	if err := s.db.QueryRow(ctx, `select id from products where asin = $1`, asin).Scan(&id); err != nil {
		return 0, notFound(err)
	}
	return id, nil
}

func (s *Store) GetProduct(ctx context.Context, asin string) (*domain.Product, error) {
	var p domain.Product
	var images, specs, features []byte
	err := s.db.QueryRow(ctx, `select `+productColumns+` from products where asin = $1`, asin).Scan(
		&p.ID, &p.ASIN, &p.Title, &p.Description, &p.Brand, &p.Category, &images, &p.Rating,
		&p.ReviewCount, &p.Availability, &p.Currency, &specs, &features, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := unmarshalAll(images, &p.Images, specs, &p.Specifications, features, &p.Features); err != nil {
		return nil, fmt.Errorf("decode product %s: %w", asin, err)
	}
	return &p, nil
}

// InsertProduct creates a product and returns its id. A duplicate ASIN yields
// ErrConflict.
func (s *Store) InsertProduct(ctx context.Context, p *domain.Product) (int64, error) {
	images, specs, features, err := productJSON(p)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRow(ctx, `insert into products(
asin, title, description, brand, category, images, rating, review_count,
availability, currency, specifications, features
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
returning id`,
		p.ASIN, p.Title, p.Description, p.Brand, p.Category, images, p.Rating, p.ReviewCount,
		p.Availability, p.Currency, specs, features,
	).Scan(&id)
	if err != nil {
		return 0, conflict(err)
	}
	p.ID = id
	return id, nil
}

// UpdateProduct overwrites the stored fields of an existing product.
func (s *Store) UpdateProduct(ctx context.Context, p *domain.Product) error {
	images, specs, features, err := productJSON(p)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `update products
   set title = $2, description = $3, brand = $4, category = $5, images = $6,
       rating = coalesce($7, rating), review_count = $8, availability = $9,
       currency = $10, specifications = $11, features = $12, updated_at = now()
 where id = $1`,
		p.ID, p.Title, p.Description, p.Brand, p.Category, images, p.Rating, p.ReviewCount,
		p.Availability, p.Currency, specs, features,
	)
	if err != nil {
		return fmt.Errorf("update product %s: %w", p.ASIN, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProductRating refreshes the cached aggregate rating fields.
func (s *Store) UpdateProductRating(ctx context.Context, id int64, rating *float64, count int) error {
	_, err := s.db.Exec(ctx, `update products
   set rating = coalesce($2, rating), review_count = $3, updated_at = now()
 where id = $1`, id, rating, count)
	return err
}

// InsertPrice appends a price snapshot.
func (s *Store) InsertPrice(ctx context.Context, p *domain.PriceSnapshot) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `insert into price_history(
product_id, price, original_price, currency, availability, seller_name, seller_rating, collected_at
) values ($1,$2,$3,$4,$5,$6,$7,$8)
returning id`,
		p.ProductID, p.Price, p.OriginalPrice, p.Currency, p.Availability, p.SellerName,
		p.SellerRating, p.CollectedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert price: %w", err)
	}
	p.ID = id
	return id, nil
}

// PriceHistory returns snapshots newest first.
func (s *Store) PriceHistory(ctx context.Context, productID int64, limit int) ([]domain.PriceSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `select id, product_id, price, original_price, currency, availability,
       seller_name, seller_rating, collected_at
  from price_history where product_id = $1
 order by collected_at desc limit $2`, productID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PriceSnapshot, error) {
		var p domain.PriceSnapshot
		err := row.Scan(&p.ID, &p.ProductID, &p.Price, &p.OriginalPrice, &p.Currency,
			&p.Availability, &p.SellerName, &p.SellerRating, &p.CollectedAt)
		return p, err
	})
}

// UpsertSeller creates or refreshes a seller by name.
func (s *Store) UpsertSeller(ctx context.Context, sl *domain.Seller) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `insert into sellers(name, rating) values ($1, $2)
on conflict (name) do update
   set rating = coalesce(excluded.rating, sellers.rating), updated_at = now()
returning id`, sl.Name, sl.Rating).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert seller: %w", err)
	}
	sl.ID = id
	return id, nil
}

func productJSON(p *domain.Product) (images, specs, features []byte, err error) {
	imgs, feats, sp := p.Images, p.Features, p.Specifications
	if imgs == nil {
		imgs = []string{}
	}
	if feats == nil {
		feats = []string{}
	}
	if sp == nil {
		sp = map[string]string{}
	}
	if images, err = json.Marshal(imgs); err != nil {
		return
	}
	if specs, err = json.Marshal(sp); err != nil {
		return
	}
	features, err = json.Marshal(feats)
	return
}

// unmarshalAll decodes pairs of (raw, dest); empty raw values are skipped.
func unmarshalAll(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		raw, _ := pairs[i].([]byte)
		if len(raw) == 0 {
			continue
		}
		if err := json.Unmarshal(raw, pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}
