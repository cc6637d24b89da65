package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/samerth-ccp/voltvera-portal/internal/routing"
	"github.com/samerth-ccp/voltvera-portal/pkg/uuidv7"
)

// Product is a catalog entry. BV is the business volume a paid purchase
// of one unit pushes up the buyer's ancestor chain; it is priced
// independently of the retail price.
type Product struct {
	UUID      string
	SKU       string
	Name      string
	Price     decimal.Decimal
	BV        decimal.Decimal
	Active    bool
	CreatedAt time.Time
}

type ProductStore interface {
	ListProducts(ctx context.Context, tenantID string) ([]Product, error)
	CreateProduct(ctx context.Context, tenantID string, p Product) (Product, error)
	GetProduct(ctx context.Context, tenantID string, productUUID string) (Product, error)
	// UpdateProduct rewrites price, bv and the active flag; sku and name
	// are immutable once created.
	UpdateProduct(ctx context.Context, tenantID string, productUUID string, price decimal.Decimal, bv decimal.Decimal, active bool) (Product, error)
}

var skuRe = regexp.MustCompile(`^[A-Z0-9][A-Z0-9-]{2,31}$`)

func validateProduct(p Product) error {
	if !skuRe.MatchString(p.SKU) {
		return errors.New("sku must be 3-32 uppercase alphanumeric characters or dashes")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	return validateProductAmounts(p.Price, p.BV)
}

func validateProductAmounts(price decimal.Decimal, bv decimal.Decimal) error {
	if price.Sign() < 0 {
		return errors.New("price must not be negative")
	}
	if bv.Sign() < 0 {
		return errors.New("bv must not be negative")
	}
	if !price.Equal(price.Truncate(2)) || !bv.Equal(bv.Truncate(2)) {
		return errors.New("amounts allow at most 2 decimal places")
	}
	return nil
}

type productPGStore struct {
	pool pgBeginner
}

func newProductPGStore(pool pgBeginner) ProductStore {
	return &productPGStore{pool: pool}
}

const productColumns = `product_uuid::text, sku, name, price::text, bv::text, active, created_at`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	var price, bv string
	if err := row.Scan(&p.UUID, &p.SKU, &p.Name, &price, &bv, &p.Active, &p.CreatedAt); err != nil {
		return Product{}, err
	}
	var err error
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return Product{}, err
	}
	if p.BV, err = decimal.NewFromString(bv); err != nil {
		return Product{}, err
	}
	return p, nil
}

func (s *productPGStore) ListProducts(ctx context.Context, tenantID string) ([]Product, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT `+productColumns+`
FROM catalog.products
WHERE tenant_uuid = $1::uuid
ORDER BY sku ASC
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *productPGStore) CreateProduct(ctx context.Context, tenantID string, p Product) (Product, error) {
	p.SKU = strings.ToUpper(strings.TrimSpace(p.SKU))
	p.Name = strings.TrimSpace(p.Name)
	if err := validateProduct(p); err != nil {
		return Product{}, err
	}
	newUUID, err := uuidv7.NewString()
	if err != nil {
		return Product{}, err
	}
	p.UUID = newUUID
	p.Active = true

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Product{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Product{}, err
	}

	if err := tx.QueryRow(ctx, `
INSERT INTO catalog.products (tenant_uuid, product_uuid, sku, name, price, bv, active)
VALUES ($1::uuid, $2::uuid, $3::text, $4::text, $5::numeric, $6::numeric, true)
RETURNING created_at
`, tenantID, p.UUID, p.SKU, p.Name, p.Price.String(), p.BV.String()).Scan(&p.CreatedAt); err != nil {
		return Product{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Product{}, err
	}
	return p, nil
}

func (s *productPGStore) GetProduct(ctx context.Context, tenantID string, productUUID string) (Product, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Product{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Product{}, err
	}

	p, err := scanProduct(tx.QueryRow(ctx, `
SELECT `+productColumns+`
FROM catalog.products
WHERE tenant_uuid = $1::uuid AND product_uuid = $2::uuid
`, tenantID, productUUID))
	if err != nil {
		return Product{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Product{}, err
	}
	return p, nil
}

func (s *productPGStore) UpdateProduct(ctx context.Context, tenantID string, productUUID string, price decimal.Decimal, bv decimal.Decimal, active bool) (Product, error) {
	if err := validateProductAmounts(price, bv); err != nil {
		return Product{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Product{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Product{}, err
	}

	p, err := scanProduct(tx.QueryRow(ctx, `
UPDATE catalog.products
SET price = $3::numeric, bv = $4::numeric, active = $5::boolean
WHERE tenant_uuid = $1::uuid AND product_uuid = $2::uuid
RETURNING `+productColumns+`
`, tenantID, productUUID, price.String(), bv.String(), active))
	if err != nil {
		return Product{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Product{}, err
	}
	return p, nil
}

type productMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]*Product
}

func newProductMemoryStore() *productMemoryStore {
	return &productMemoryStore{byTenant: make(map[string][]*Product)}
}

func (s *productMemoryStore) ListProducts(_ context.Context, tenantID string) ([]Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Product
	for _, p := range s.byTenant[tenantID] {
		out = append(out, *p)
	}
	return out, nil
}

func (s *productMemoryStore) CreateProduct(_ context.Context, tenantID string, p Product) (Product, error) {
	p.SKU = strings.ToUpper(strings.TrimSpace(p.SKU))
	p.Name = strings.TrimSpace(p.Name)
	if err := validateProduct(p); err != nil {
		return Product{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byTenant[tenantID] {
		if existing.SKU == p.SKU {
			return Product{}, errors.New("sku already exists")
		}
	}
	newUUID, err := uuidv7.NewString()
	if err != nil {
		return Product{}, err
	}
	p.UUID = newUUID
	p.Active = true
	p.CreatedAt = time.Now().UTC()
	s.byTenant[tenantID] = append(s.byTenant[tenantID], &p)
	return p, nil
}

func (s *productMemoryStore) GetProduct(_ context.Context, tenantID string, productUUID string) (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byTenant[tenantID] {
		if p.UUID == productUUID {
			return *p, nil
		}
	}
	return Product{}, pgx.ErrNoRows
}

func (s *productMemoryStore) UpdateProduct(_ context.Context, tenantID string, productUUID string, price decimal.Decimal, bv decimal.Decimal, active bool) (Product, error) {
	if err := validateProductAmounts(price, bv); err != nil {
		return Product{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byTenant[tenantID] {
		if p.UUID == productUUID {
			p.Price = price
			p.BV = bv
			p.Active = active
			return *p, nil
		}
	}
	return Product{}, pgx.ErrNoRows
}

func productView(p Product) map[string]any {
	return map[string]any{
		"product_uuid": p.UUID,
		"sku":          p.SKU,
		"name":         p.Name,
		"price":        p.Price.StringFixed(2),
		"bv":           p.BV.StringFixed(2),
		"active":       p.Active,
		"created_at":   p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func handleProductsAPI(w http.ResponseWriter, r *http.Request, store ProductStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := store.ListProducts(r.Context(), tenant.ID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "CATALOG_INTERNAL", "catalog internal")
			return
		}
		out := make([]map[string]any, 0, len(items))
		for _, p := range items {
			out = append(out, productView(p))
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{"products": out})
	case http.MethodPost:
		var payload struct {
			SKU   string `json:"sku"`
			Name  string `json:"name"`
			Price string `json:"price"`
			BV    string `json:"bv"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_json", "invalid json")
			return
		}
		price, err := decimal.NewFromString(strings.TrimSpace(payload.Price))
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "price must be a decimal")
			return
		}
		bv, err := decimal.NewFromString(strings.TrimSpace(payload.BV))
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "bv must be a decimal")
			return
		}

		p, err := store.CreateProduct(r.Context(), tenant.ID, Product{SKU: payload.SKU, Name: payload.Name, Price: price, BV: bv})
		if err != nil {
			status, code, message := storeErrorStatus(err, "CATALOG")
			routing.WriteError(w, r, routing.RouteClassInternalAPI, status, code, message)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(productView(p))
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleProductUpdateAPI(w http.ResponseWriter, r *http.Request, store ProductStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var payload struct {
		ProductUUID string `json:"product_uuid"`
		Price       string `json:"price"`
		BV          string `json:"bv"`
		Active      *bool  `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	price, err := decimal.NewFromString(strings.TrimSpace(payload.Price))
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "price must be a decimal")
		return
	}
	bv, err := decimal.NewFromString(strings.TrimSpace(payload.BV))
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "bv must be a decimal")
		return
	}
	active := true
	if payload.Active != nil {
		active = *payload.Active
	}

	p, err := store.UpdateProduct(r.Context(), tenant.ID, strings.TrimSpace(payload.ProductUUID), price, bv, active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "CATALOG_PRODUCT_NOT_FOUND", "product not found")
			return
		}
		status, code, message := storeErrorStatus(err, "CATALOG")
		routing.WriteError(w, r, routing.RouteClassInternalAPI, status, code, message)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(productView(p))
}
