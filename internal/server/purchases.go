package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/samerth-ccp/voltvera-portal/internal/routing"
	genealogyports "github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/ports"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/services"
	"github.com/samerth-ccp/voltvera-portal/pkg/httperr"
	"github.com/samerth-ccp/voltvera-portal/pkg/uuidv7"
)

const (
	purchaseStatusPending = "pending"
	purchaseStatusPaid    = "paid"
)

var errPurchaseNotPending = errors.New("purchase is not pending")

// Purchase is one order line. Price and BV are frozen at order time so a
// later catalog repricing never changes what a paid order propagates.
type Purchase struct {
	UUID        string
	BuyerUUID   string
	ProductUUID string
	SKU         string
	Quantity    int
	UnitPrice   decimal.Decimal
	UnitBV      decimal.Decimal
	TotalBV     decimal.Decimal
	Status      string
	CreatedAt   time.Time
	PaidAt      *time.Time
}

type PurchaseStore interface {
	CreatePurchase(ctx context.Context, tenantID string, p Purchase) (Purchase, error)
	ListPurchases(ctx context.Context, tenantID string, buyerUUID string) ([]Purchase, error)
	GetPurchase(ctx context.Context, tenantID string, purchaseUUID string) (Purchase, error)
	// MarkPurchasePaid flips pending to paid exactly once; a second call
	// returns errPurchaseNotPending. This is the idempotency gate in front
	// of BV propagation.
	MarkPurchasePaid(ctx context.Context, tenantID string, purchaseUUID string) (Purchase, error)
	// RevertPurchasePaid undoes the flip when propagation failed after it.
	RevertPurchasePaid(ctx context.Context, tenantID string, purchaseUUID string) error
}

type purchasePGStore struct {
	pool pgBeginner
}

func newPurchasePGStore(pool pgBeginner) PurchaseStore {
	return &purchasePGStore{pool: pool}
}

const purchaseColumns = `purchase_uuid::text, buyer_uuid::text, product_uuid::text, sku, quantity,
unit_price::text, unit_bv::text, total_bv::text, status, created_at, paid_at`

func scanPurchase(row pgx.Row) (Purchase, error) {
	var p Purchase
	var unitPrice, unitBV, totalBV string
	if err := row.Scan(&p.UUID, &p.BuyerUUID, &p.ProductUUID, &p.SKU, &p.Quantity,
		&unitPrice, &unitBV, &totalBV, &p.Status, &p.CreatedAt, &p.PaidAt); err != nil {
		return Purchase{}, err
	}
	var err error
	if p.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
		return Purchase{}, err
	}
	if p.UnitBV, err = decimal.NewFromString(unitBV); err != nil {
		return Purchase{}, err
	}
	if p.TotalBV, err = decimal.NewFromString(totalBV); err != nil {
		return Purchase{}, err
	}
	return p, nil
}

func (s *purchasePGStore) CreatePurchase(ctx context.Context, tenantID string, p Purchase) (Purchase, error) {
	newUUID, err := uuidv7.NewString()
	if err != nil {
		return Purchase{}, err
	}
	p.UUID = newUUID
	p.Status = purchaseStatusPending

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Purchase{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Purchase{}, err
	}

	if err := tx.QueryRow(ctx, `
INSERT INTO catalog.purchases (tenant_uuid, purchase_uuid, buyer_uuid, product_uuid, sku, quantity, unit_price, unit_bv, total_bv, status)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::uuid, $5::text, $6::int, $7::numeric, $8::numeric, $9::numeric, 'pending')
RETURNING created_at
`, tenantID, p.UUID, p.BuyerUUID, p.ProductUUID, p.SKU, p.Quantity,
		p.UnitPrice.String(), p.UnitBV.String(), p.TotalBV.String()).Scan(&p.CreatedAt); err != nil {
		return Purchase{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Purchase{}, err
	}
	return p, nil
}

func (s *purchasePGStore) ListPurchases(ctx context.Context, tenantID string, buyerUUID string) ([]Purchase, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT `+purchaseColumns+`
FROM catalog.purchases
WHERE tenant_uuid = $1::uuid
  AND ($2::text = '' OR buyer_uuid = $2::uuid)
ORDER BY created_at DESC, purchase_uuid DESC
LIMIT 200
`, tenantID, buyerUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
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

func (s *purchasePGStore) GetPurchase(ctx context.Context, tenantID string, purchaseUUID string) (Purchase, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Purchase{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Purchase{}, err
	}

	p, err := scanPurchase(tx.QueryRow(ctx, `
SELECT `+purchaseColumns+`
FROM catalog.purchases
WHERE tenant_uuid = $1::uuid AND purchase_uuid = $2::uuid
`, tenantID, purchaseUUID))
	if err != nil {
		return Purchase{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Purchase{}, err
	}
	return p, nil
}

func (s *purchasePGStore) MarkPurchasePaid(ctx context.Context, tenantID string, purchaseUUID string) (Purchase, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Purchase{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Purchase{}, err
	}

	p, err := scanPurchase(tx.QueryRow(ctx, `
UPDATE catalog.purchases
SET status = 'paid', paid_at = now()
WHERE tenant_uuid = $1::uuid AND purchase_uuid = $2::uuid AND status = 'pending'
RETURNING `+purchaseColumns+`
`, tenantID, purchaseUUID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row missing or already decided; look again to tell the two apart.
			if _, getErr := scanPurchase(tx.QueryRow(ctx, `
SELECT `+purchaseColumns+`
FROM catalog.purchases
WHERE tenant_uuid = $1::uuid AND purchase_uuid = $2::uuid
`, tenantID, purchaseUUID)); getErr == nil {
				return Purchase{}, errPurchaseNotPending
			}
		}
		return Purchase{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Purchase{}, err
	}
	return p, nil
}

func (s *purchasePGStore) RevertPurchasePaid(ctx context.Context, tenantID string, purchaseUUID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
UPDATE catalog.purchases
SET status = 'pending', paid_at = NULL
WHERE tenant_uuid = $1::uuid AND purchase_uuid = $2::uuid AND status = 'paid'
`, tenantID, purchaseUUID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

type purchaseMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]*Purchase
}

func newPurchaseMemoryStore() *purchaseMemoryStore {
	return &purchaseMemoryStore{byTenant: make(map[string][]*Purchase)}
}

func (s *purchaseMemoryStore) CreatePurchase(_ context.Context, tenantID string, p Purchase) (Purchase, error) {
	newUUID, err := uuidv7.NewString()
	if err != nil {
		return Purchase{}, err
	}
	p.UUID = newUUID
	p.Status = purchaseStatusPending
	p.CreatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[tenantID] = append(s.byTenant[tenantID], &p)
	return p, nil
}

func (s *purchaseMemoryStore) ListPurchases(_ context.Context, tenantID string, buyerUUID string) ([]Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Purchase
	for _, p := range s.byTenant[tenantID] {
		if buyerUUID == "" || p.BuyerUUID == buyerUUID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *purchaseMemoryStore) GetPurchase(_ context.Context, tenantID string, purchaseUUID string) (Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byTenant[tenantID] {
		if p.UUID == purchaseUUID {
			return *p, nil
		}
	}
	return Purchase{}, pgx.ErrNoRows
}

func (s *purchaseMemoryStore) MarkPurchasePaid(_ context.Context, tenantID string, purchaseUUID string) (Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byTenant[tenantID] {
		if p.UUID == purchaseUUID {
			if p.Status != purchaseStatusPending {
				return Purchase{}, errPurchaseNotPending
			}
			p.Status = purchaseStatusPaid
			now := time.Now().UTC()
			p.PaidAt = &now
			return *p, nil
		}
	}
	return Purchase{}, pgx.ErrNoRows
}

func (s *purchaseMemoryStore) RevertPurchasePaid(_ context.Context, tenantID string, purchaseUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byTenant[tenantID] {
		if p.UUID == purchaseUUID && p.Status == purchaseStatusPaid {
			p.Status = purchaseStatusPending
			p.PaidAt = nil
			return nil
		}
	}
	return nil
}

func purchaseView(p Purchase) map[string]any {
	out := map[string]any{
		"purchase_uuid": p.UUID,
		"buyer_uuid":    p.BuyerUUID,
		"product_uuid":  p.ProductUUID,
		"sku":           p.SKU,
		"quantity":      p.Quantity,
		"unit_price":    p.UnitPrice.StringFixed(2),
		"unit_bv":       p.UnitBV.StringFixed(2),
		"total_bv":      p.TotalBV.StringFixed(2),
		"status":        p.Status,
		"created_at":    p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if p.PaidAt != nil {
		out["paid_at"] = p.PaidAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func handleOrdersAPI(w http.ResponseWriter, r *http.Request, purchases PurchaseStore, products ProductStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		buyer := strings.TrimSpace(r.URL.Query().Get("buyer_uuid"))
		items, err := purchases.ListPurchases(r.Context(), tenant.ID, buyer)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "PURCHASES_INTERNAL", "purchases internal")
			return
		}
		out := make([]map[string]any, 0, len(items))
		for _, p := range items {
			out = append(out, purchaseView(p))
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{"purchases": out})
	case http.MethodPost:
		var payload struct {
			BuyerUUID   string `json:"buyer_uuid"`
			ProductUUID string `json:"product_uuid"`
			Quantity    int    `json:"quantity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_json", "invalid json")
			return
		}
		if strings.TrimSpace(payload.BuyerUUID) == "" {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "buyer_uuid is required")
			return
		}
		if payload.Quantity < 1 {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "quantity must be at least 1")
			return
		}

		product, err := products.GetProduct(r.Context(), tenant.ID, strings.TrimSpace(payload.ProductUUID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "CATALOG_PRODUCT_NOT_FOUND", "product not found")
				return
			}
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "PURCHASES_INTERNAL", "purchases internal")
			return
		}
		if !product.Active {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "CATALOG_PRODUCT_INACTIVE", "product is inactive")
			return
		}

		qty := decimal.NewFromInt(int64(payload.Quantity))
		p, err := purchases.CreatePurchase(r.Context(), tenant.ID, Purchase{
			BuyerUUID:   strings.TrimSpace(payload.BuyerUUID),
			ProductUUID: product.UUID,
			SKU:         product.SKU,
			Quantity:    payload.Quantity,
			UnitPrice:   product.Price,
			UnitBV:      product.BV,
			TotalBV:     product.BV.Mul(qty),
		})
		if err != nil {
			status, code, message := storeErrorStatus(err, "PURCHASES")
			routing.WriteError(w, r, routing.RouteClassInternalAPI, status, code, message)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(purchaseView(p))
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// handleOrderMarkPaidAPI settles a pending purchase and propagates its BV.
// The status flip is the idempotency gate: only the request that wins the
// pending-to-paid transition runs propagation, so a purchase is credited at
// most once. If propagation fails the flip is reverted so the purchase can
// be settled again.
func handleOrderMarkPaidAPI(w http.ResponseWriter, r *http.Request, purchases PurchaseStore, propagation services.PropagationEngine) {
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
		PurchaseUUID string `json:"purchase_uuid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	purchaseUUID := strings.TrimSpace(payload.PurchaseUUID)
	if purchaseUUID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "purchase_uuid is required")
		return
	}

	p, err := purchases.MarkPurchasePaid(r.Context(), tenant.ID, purchaseUUID)
	if err != nil {
		switch {
		case errors.Is(err, errPurchaseNotPending):
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusConflict, "PURCHASE_ALREADY_PAID", "purchase already settled")
		case errors.Is(err, pgx.ErrNoRows):
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "PURCHASES_NOT_FOUND", "purchase not found")
		default:
			status, code, message := storeErrorStatus(err, "PURCHASES")
			routing.WriteError(w, r, routing.RouteClassInternalAPI, status, code, message)
		}
		return
	}

	updates, err := propagation.RecordPurchase(r.Context(), tenant.ID, p.BuyerUUID, p.UUID, p.TotalBV)
	if err != nil {
		_ = purchases.RevertPurchasePaid(r.Context(), tenant.ID, purchaseUUID)
		switch {
		case httperr.IsBadRequest(err):
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, genealogyports.ErrBuyerNotFound):
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "PURCHASE_BUYER_NOT_PLACED", "buyer has no tree node")
		case errors.Is(err, genealogyports.ErrCycleDetected):
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "GENEALOGY_TREE_CORRUPTED", "tree parent chain is corrupted")
		default:
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "PURCHASES_INTERNAL", "purchases internal")
		}
		return
	}

	type updateView struct {
		AncestorUUID string `json:"ancestor_uuid"`
		LegCredited  string `json:"leg_credited"`
		NewTotalBV   string `json:"new_total_bv"`
		NewRank      string `json:"new_rank"`
		RankAdvanced bool   `json:"rank_advanced"`
	}
	outUpdates := make([]updateView, 0, len(updates))
	for _, u := range updates {
		outUpdates = append(outUpdates, updateView{
			AncestorUUID: u.AncestorUUID,
			LegCredited:  string(u.LegCredited),
			NewTotalBV:   u.NewTotalBV.StringFixed(2),
			NewRank:      string(u.NewRank),
			RankAdvanced: u.RankAdvanced,
		})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"purchase":         purchaseView(p),
		"ancestor_updates": outUpdates,
	})
}
