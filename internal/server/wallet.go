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
	"github.com/samerth-ccp/voltvera-portal/pkg/uuidv7"
)

const (
	withdrawalStatusPending  = "pending"
	withdrawalStatusApproved = "approved"
	withdrawalStatusRejected = "rejected"
)

var (
	errWithdrawalNotPending = errors.New("withdrawal is not pending")
	errInsufficientBalance  = errors.New("wallet balance is insufficient")
)

// WithdrawalType is the payout channel. The set is closed; anything else
// is rejected at the boundary.
type WithdrawalType string

const (
	WithdrawalTypeBankTransfer WithdrawalType = "bank_transfer"
	WithdrawalTypeUPI          WithdrawalType = "upi"
)

func ParseWithdrawalType(raw string) (WithdrawalType, bool) {
	switch WithdrawalType(raw) {
	case WithdrawalTypeBankTransfer, WithdrawalTypeUPI:
		return WithdrawalType(raw), true
	default:
		return "", false
	}
}

// Withdrawal is a member's request to pay out wallet balance. The balance
// is debited on approval, not at request time, inside the same unit as the
// status flip.
type Withdrawal struct {
	UUID           string
	MemberUUID     string
	Amount         decimal.Decimal
	Type           WithdrawalType
	Status         string
	ReasonCode     string // eligibility rule that allowed the request
	DecisionReason string
	DecidedBy      string
	CreatedAt      time.Time
	DecidedAt      *time.Time
}

type WalletStore interface {
	GetBalance(ctx context.Context, tenantID string, memberUUID string) (decimal.Decimal, error)
	// CreditWallet adds amount to the member's balance, creating the
	// account row on first use.
	CreditWallet(ctx context.Context, tenantID string, memberUUID string, amount decimal.Decimal, reason string) (decimal.Decimal, error)
	CreateWithdrawal(ctx context.Context, tenantID string, wd Withdrawal) (Withdrawal, error)
	ListWithdrawals(ctx context.Context, tenantID string, status string) ([]Withdrawal, error)
	GetWithdrawal(ctx context.Context, tenantID string, withdrawalUUID string) (Withdrawal, error)
	// ApproveWithdrawal flips pending to approved and debits the balance in
	// one unit; errInsufficientBalance when the debit would go negative.
	ApproveWithdrawal(ctx context.Context, tenantID string, withdrawalUUID string, decidedBy string) (Withdrawal, error)
	RejectWithdrawal(ctx context.Context, tenantID string, withdrawalUUID string, reason string, decidedBy string) error
}

func validateWalletAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return errors.New("amount must be positive")
	}
	if !amount.Equal(amount.Truncate(2)) {
		return errors.New("amount allows at most 2 decimal places")
	}
	return nil
}

type walletPGStore struct {
	pool pgBeginner
}

func newWalletPGStore(pool pgBeginner) WalletStore {
	return &walletPGStore{pool: pool}
}

const withdrawalColumns = `withdrawal_uuid::text, member_uuid::text, amount::text, withdrawal_type, status,
COALESCE(reason_code, ''), COALESCE(decision_reason, ''), COALESCE(decided_by::text, ''), created_at, decided_at`

func scanWithdrawal(row pgx.Row) (Withdrawal, error) {
	var wd Withdrawal
	var amount, wtype string
	if err := row.Scan(&wd.UUID, &wd.MemberUUID, &amount, &wtype, &wd.Status,
		&wd.ReasonCode, &wd.DecisionReason, &wd.DecidedBy, &wd.CreatedAt, &wd.DecidedAt); err != nil {
		return Withdrawal{}, err
	}
	var err error
	if wd.Amount, err = decimal.NewFromString(amount); err != nil {
		return Withdrawal{}, err
	}
	wd.Type = WithdrawalType(wtype)
	return wd, nil
}

func (s *walletPGStore) GetBalance(ctx context.Context, tenantID string, memberUUID string) (decimal.Decimal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return decimal.Zero, err
	}

	var raw string
	err = tx.QueryRow(ctx, `
SELECT balance::text
FROM wallet.accounts
WHERE tenant_uuid = $1::uuid AND member_uuid = $2::uuid
`, tenantID, memberUUID).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// No account row means a zero balance, not an error.
		return decimal.Zero, tx.Commit(ctx)
	case err != nil:
		return decimal.Zero, err
	}

	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	return balance, tx.Commit(ctx)
}

func (s *walletPGStore) CreditWallet(ctx context.Context, tenantID string, memberUUID string, amount decimal.Decimal, reason string) (decimal.Decimal, error) {
	if err := validateWalletAmount(amount); err != nil {
		return decimal.Zero, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return decimal.Zero, err
	}

	var raw string
	if err := tx.QueryRow(ctx, `
INSERT INTO wallet.accounts (tenant_uuid, member_uuid, balance)
VALUES ($1::uuid, $2::uuid, $3::numeric)
ON CONFLICT (tenant_uuid, member_uuid)
DO UPDATE SET balance = wallet.accounts.balance + EXCLUDED.balance, updated_at = now()
RETURNING balance::text
`, tenantID, memberUUID, amount.String()).Scan(&raw); err != nil {
		return decimal.Zero, err
	}

	entryUUID, err := uuidv7.NewString()
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO wallet.ledger_entries (tenant_uuid, entry_uuid, member_uuid, amount, kind, reason)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::numeric, 'credit', $5::text)
`, tenantID, entryUUID, memberUUID, amount.String(), reason); err != nil {
		return decimal.Zero, err
	}

	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	return balance, tx.Commit(ctx)
}

func (s *walletPGStore) CreateWithdrawal(ctx context.Context, tenantID string, wd Withdrawal) (Withdrawal, error) {
	if err := validateWalletAmount(wd.Amount); err != nil {
		return Withdrawal{}, err
	}
	if _, ok := ParseWithdrawalType(string(wd.Type)); !ok {
		return Withdrawal{}, errors.New("withdrawal_type must be bank_transfer or upi")
	}
	newUUID, err := uuidv7.NewString()
	if err != nil {
		return Withdrawal{}, err
	}
	wd.UUID = newUUID
	wd.Status = withdrawalStatusPending

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Withdrawal{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Withdrawal{}, err
	}

	if err := tx.QueryRow(ctx, `
INSERT INTO wallet.withdrawals (tenant_uuid, withdrawal_uuid, member_uuid, amount, withdrawal_type, status, reason_code)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::numeric, $5::text, 'pending', NULLIF($6, ''))
RETURNING created_at
`, tenantID, wd.UUID, wd.MemberUUID, wd.Amount.String(), string(wd.Type), wd.ReasonCode).Scan(&wd.CreatedAt); err != nil {
		return Withdrawal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Withdrawal{}, err
	}
	return wd, nil
}

func (s *walletPGStore) ListWithdrawals(ctx context.Context, tenantID string, status string) ([]Withdrawal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT `+withdrawalColumns+`
FROM wallet.withdrawals
WHERE tenant_uuid = $1::uuid
  AND ($2::text = '' OR status = $2::text)
ORDER BY created_at ASC, withdrawal_uuid ASC
LIMIT 200
`, tenantID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Withdrawal
	for rows.Next() {
		wd, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *walletPGStore) GetWithdrawal(ctx context.Context, tenantID string, withdrawalUUID string) (Withdrawal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Withdrawal{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Withdrawal{}, err
	}

	wd, err := scanWithdrawal(tx.QueryRow(ctx, `
SELECT `+withdrawalColumns+`
FROM wallet.withdrawals
WHERE tenant_uuid = $1::uuid AND withdrawal_uuid = $2::uuid
`, tenantID, withdrawalUUID))
	if err != nil {
		return Withdrawal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Withdrawal{}, err
	}
	return wd, nil
}

func (s *walletPGStore) ApproveWithdrawal(ctx context.Context, tenantID string, withdrawalUUID string, decidedBy string) (Withdrawal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Withdrawal{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Withdrawal{}, err
	}

	wd, err := scanWithdrawal(tx.QueryRow(ctx, `
UPDATE wallet.withdrawals
SET status = 'approved', decided_by = NULLIF($3, '')::uuid, decided_at = now()
WHERE tenant_uuid = $1::uuid AND withdrawal_uuid = $2::uuid AND status = 'pending'
RETURNING `+withdrawalColumns+`
`, tenantID, withdrawalUUID, decidedBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := scanWithdrawal(tx.QueryRow(ctx, `
SELECT `+withdrawalColumns+`
FROM wallet.withdrawals
WHERE tenant_uuid = $1::uuid AND withdrawal_uuid = $2::uuid
`, tenantID, withdrawalUUID)); getErr == nil {
				return Withdrawal{}, errWithdrawalNotPending
			}
		}
		return Withdrawal{}, err
	}

	// The debit rides the same transaction; wallet_balance_non_negative
	// rejects overdrafts.
	if _, err := tx.Exec(ctx, `
UPDATE wallet.accounts
SET balance = balance - $3::numeric, updated_at = now()
WHERE tenant_uuid = $1::uuid AND member_uuid = $2::uuid
`, tenantID, wd.MemberUUID, wd.Amount.String()); err != nil {
		if stablePgMessage(err) == "WALLET_INSUFFICIENT_BALANCE" {
			return Withdrawal{}, errInsufficientBalance
		}
		return Withdrawal{}, err
	}

	entryUUID, err := uuidv7.NewString()
	if err != nil {
		return Withdrawal{}, err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO wallet.ledger_entries (tenant_uuid, entry_uuid, member_uuid, amount, kind, reason)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::numeric, 'debit', 'withdrawal ' || $5::text)
`, tenantID, entryUUID, wd.MemberUUID, wd.Amount.String(), wd.UUID); err != nil {
		return Withdrawal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Withdrawal{}, err
	}
	return wd, nil
}

func (s *walletPGStore) RejectWithdrawal(ctx context.Context, tenantID string, withdrawalUUID string, reason string, decidedBy string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
UPDATE wallet.withdrawals
SET status = 'rejected', decision_reason = $3::text, decided_by = NULLIF($4, '')::uuid, decided_at = now()
WHERE tenant_uuid = $1::uuid AND withdrawal_uuid = $2::uuid AND status = 'pending'
`, tenantID, withdrawalUUID, reason, decidedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errWithdrawalNotPending
	}

	return tx.Commit(ctx)
}

type walletMemoryStore struct {
	mu          sync.Mutex
	balances    map[string]map[string]decimal.Decimal
	withdrawals map[string][]*Withdrawal
}

func newWalletMemoryStore() *walletMemoryStore {
	return &walletMemoryStore{
		balances:    make(map[string]map[string]decimal.Decimal),
		withdrawals: make(map[string][]*Withdrawal),
	}
}

func (s *walletMemoryStore) GetBalance(_ context.Context, tenantID string, memberUUID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tenant, ok := s.balances[tenantID]; ok {
		if b, ok := tenant[memberUUID]; ok {
			return b, nil
		}
	}
	return decimal.Zero, nil
}

func (s *walletMemoryStore) CreditWallet(_ context.Context, tenantID string, memberUUID string, amount decimal.Decimal, _ string) (decimal.Decimal, error) {
	if err := validateWalletAmount(amount); err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[tenantID] == nil {
		s.balances[tenantID] = make(map[string]decimal.Decimal)
	}
	next := s.balances[tenantID][memberUUID].Add(amount)
	s.balances[tenantID][memberUUID] = next
	return next, nil
}

func (s *walletMemoryStore) CreateWithdrawal(_ context.Context, tenantID string, wd Withdrawal) (Withdrawal, error) {
	if err := validateWalletAmount(wd.Amount); err != nil {
		return Withdrawal{}, err
	}
	if _, ok := ParseWithdrawalType(string(wd.Type)); !ok {
		return Withdrawal{}, errors.New("withdrawal_type must be bank_transfer or upi")
	}
	newUUID, err := uuidv7.NewString()
	if err != nil {
		return Withdrawal{}, err
	}
	wd.UUID = newUUID
	wd.Status = withdrawalStatusPending
	wd.CreatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdrawals[tenantID] = append(s.withdrawals[tenantID], &wd)
	return wd, nil
}

func (s *walletMemoryStore) ListWithdrawals(_ context.Context, tenantID string, status string) ([]Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Withdrawal
	for _, wd := range s.withdrawals[tenantID] {
		if status == "" || wd.Status == status {
			out = append(out, *wd)
		}
	}
	return out, nil
}

func (s *walletMemoryStore) GetWithdrawal(_ context.Context, tenantID string, withdrawalUUID string) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wd := range s.withdrawals[tenantID] {
		if wd.UUID == withdrawalUUID {
			return *wd, nil
		}
	}
	return Withdrawal{}, pgx.ErrNoRows
}

func (s *walletMemoryStore) ApproveWithdrawal(_ context.Context, tenantID string, withdrawalUUID string, decidedBy string) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wd := range s.withdrawals[tenantID] {
		if wd.UUID != withdrawalUUID {
			continue
		}
		if wd.Status != withdrawalStatusPending {
			return Withdrawal{}, errWithdrawalNotPending
		}
		balance := s.balances[tenantID][wd.MemberUUID]
		if balance.LessThan(wd.Amount) {
			return Withdrawal{}, errInsufficientBalance
		}
		s.balances[tenantID][wd.MemberUUID] = balance.Sub(wd.Amount)
		wd.Status = withdrawalStatusApproved
		wd.DecidedBy = decidedBy
		now := time.Now().UTC()
		wd.DecidedAt = &now
		return *wd, nil
	}
	return Withdrawal{}, pgx.ErrNoRows
}

func (s *walletMemoryStore) RejectWithdrawal(_ context.Context, tenantID string, withdrawalUUID string, reason string, decidedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wd := range s.withdrawals[tenantID] {
		if wd.UUID != withdrawalUUID {
			continue
		}
		if wd.Status != withdrawalStatusPending {
			return errWithdrawalNotPending
		}
		wd.Status = withdrawalStatusRejected
		wd.DecisionReason = reason
		wd.DecidedBy = decidedBy
		now := time.Now().UTC()
		wd.DecidedAt = &now
		return nil
	}
	return pgx.ErrNoRows
}

func withdrawalView(wd Withdrawal) map[string]any {
	out := map[string]any{
		"withdrawal_uuid": wd.UUID,
		"member_uuid":     wd.MemberUUID,
		"amount":          wd.Amount.StringFixed(2),
		"withdrawal_type": string(wd.Type),
		"status":          wd.Status,
		"created_at":      wd.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if wd.ReasonCode != "" {
		out["reason_code"] = wd.ReasonCode
	}
	if wd.DecisionReason != "" {
		out["decision_reason"] = wd.DecisionReason
	}
	if wd.DecidedAt != nil {
		out["decided_at"] = wd.DecidedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func handleWalletBalanceAPI(w http.ResponseWriter, r *http.Request, store WalletStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	memberUUID := strings.TrimSpace(r.URL.Query().Get("member_uuid"))
	if memberUUID == "" {
		if actor, ok := currentActor(r.Context()); ok {
			memberUUID = actor.MemberUUID
		}
	}
	if memberUUID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "missing_member_uuid", "member_uuid is required")
		return
	}

	balance, err := store.GetBalance(r.Context(), tenant.ID, memberUUID)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "WALLET_INTERNAL", "wallet internal")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"member_uuid": memberUUID,
		"balance":     balance.StringFixed(2),
	})
}

func handleWalletCreditAPI(w http.ResponseWriter, r *http.Request, store WalletStore) {
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
		MemberUUID string `json:"member_uuid"`
		Amount     string `json:"amount"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	memberUUID := strings.TrimSpace(payload.MemberUUID)
	if memberUUID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "member_uuid is required")
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(payload.Amount))
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "amount must be a decimal")
		return
	}

	balance, err := store.CreditWallet(r.Context(), tenant.ID, memberUUID, amount, strings.TrimSpace(payload.Reason))
	if err != nil {
		status, code, message := storeErrorStatus(err, "WALLET")
		routing.WriteError(w, r, routing.RouteClassInternalAPI, status, code, message)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"member_uuid": memberUUID,
		"balance":     balance.StringFixed(2),
	})
}

// handleWithdrawalsAPI lists withdrawals and accepts new requests. A new
// request is checked against the tenant's withdrawal rules before it is
// queued: the rule context carries the member's rank, KYC status, balance
// and the requested amount, and a deny reason code comes back to the
// caller verbatim.
func handleWithdrawalsAPI(w http.ResponseWriter, r *http.Request, wallet WalletStore, kyc KYCStore, tree genealogyports.TreeStore, rules *withdrawalRuleEngine) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		status := strings.TrimSpace(r.URL.Query().Get("status"))
		items, err := wallet.ListWithdrawals(r.Context(), tenant.ID, status)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "WALLET_INTERNAL", "wallet internal")
			return
		}
		out := make([]map[string]any, 0, len(items))
		for _, wd := range items {
			out = append(out, withdrawalView(wd))
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{"withdrawals": out})
	case http.MethodPost:
		var payload struct {
			MemberUUID     string `json:"member_uuid"`
			Amount         string `json:"amount"`
			WithdrawalType string `json:"withdrawal_type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_json", "invalid json")
			return
		}
		memberUUID := strings.TrimSpace(payload.MemberUUID)
		if memberUUID == "" {
			if actor, ok := currentActor(r.Context()); ok {
				memberUUID = actor.MemberUUID
			}
		}
		if memberUUID == "" {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "member_uuid is required")
			return
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(payload.Amount))
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "amount must be a decimal")
			return
		}
		wtype, ok := ParseWithdrawalType(strings.TrimSpace(payload.WithdrawalType))
		if !ok {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "withdrawal_type must be bank_transfer or upi")
			return
		}
		if err := validateWalletAmount(amount); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		ruleCtx, err := buildWithdrawalRuleContext(r.Context(), tenant.ID, memberUUID, amount, wtype, wallet, kyc, tree)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "WALLET_INTERNAL", "wallet internal")
			return
		}
		verdict, err := rules.Evaluate(ruleCtx)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "RULES_EVAL_FAILED", "withdrawal rules evaluation failed")
			return
		}
		if verdict.Decision != ruleDecisionAllow {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "WALLET_WITHDRAWAL_NOT_ELIGIBLE", verdict.ReasonCode)
			return
		}

		wd, err := wallet.CreateWithdrawal(r.Context(), tenant.ID, Withdrawal{
			MemberUUID: memberUUID,
			Amount:     amount,
			Type:       wtype,
			ReasonCode: verdict.ReasonCode,
		})
		if err != nil {
			status, code, message := storeErrorStatus(err, "WALLET")
			routing.WriteError(w, r, routing.RouteClassInternalAPI, status, code, message)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(withdrawalView(wd))
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// buildWithdrawalRuleContext flattens the member's state into the string
// map the rule expressions read.
func buildWithdrawalRuleContext(ctx context.Context, tenantID string, memberUUID string, amount decimal.Decimal, wtype WithdrawalType, wallet WalletStore, kyc KYCStore, tree genealogyports.TreeStore) (map[string]string, error) {
	balance, err := wallet.GetBalance(ctx, tenantID, memberUUID)
	if err != nil {
		return nil, err
	}

	rank := ""
	node, err := tree.GetNode(ctx, tenantID, memberUUID)
	switch {
	case err == nil:
		rank = string(node.CurrentRank)
	case errors.Is(err, genealogyports.ErrMemberNotFound):
		// Unplaced members evaluate with an empty rank.
	default:
		return nil, err
	}

	kycStatus := kycStatusNone
	if doc, err := kyc.LatestKYCDocument(ctx, tenantID, memberUUID); err == nil {
		kycStatus = doc.Status
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	return map[string]string{
		"tenant_id":       tenantID,
		"member_uuid":     memberUUID,
		"rank":            rank,
		"kyc_status":      kycStatus,
		"wallet_balance":  balance.String(),
		"amount":          amount.String(),
		"withdrawal_type": string(wtype),
	}, nil
}

func handleWithdrawalApproveAPI(w http.ResponseWriter, r *http.Request, store WalletStore) {
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
		WithdrawalUUID string `json:"withdrawal_uuid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	actor, _ := currentActor(r.Context())
	wd, err := store.ApproveWithdrawal(r.Context(), tenant.ID, strings.TrimSpace(payload.WithdrawalUUID), actor.MemberUUID)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "WALLET_WITHDRAWAL_NOT_FOUND", "withdrawal not found")
		case errors.Is(err, errWithdrawalNotPending):
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusConflict, "WALLET_WITHDRAWAL_ALREADY_DECIDED", "withdrawal already decided")
		case errors.Is(err, errInsufficientBalance):
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "WALLET_INSUFFICIENT_BALANCE", "wallet balance is insufficient")
		default:
			status, code, message := storeErrorStatus(err, "WALLET")
			routing.WriteError(w, r, routing.RouteClassInternalAPI, status, code, message)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(withdrawalView(wd))
}

func handleWithdrawalRejectAPI(w http.ResponseWriter, r *http.Request, store WalletStore) {
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
		WithdrawalUUID string `json:"withdrawal_uuid"`
		Reason         string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	actor, _ := currentActor(r.Context())
	err := store.RejectWithdrawal(r.Context(), tenant.ID, strings.TrimSpace(payload.WithdrawalUUID), strings.TrimSpace(payload.Reason), actor.MemberUUID)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"withdrawal_uuid": strings.TrimSpace(payload.WithdrawalUUID),
			"status":          withdrawalStatusRejected,
		})
	case errors.Is(err, pgx.ErrNoRows):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "WALLET_WITHDRAWAL_NOT_FOUND", "withdrawal not found")
	case errors.Is(err, errWithdrawalNotPending):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusConflict, "WALLET_WITHDRAWAL_ALREADY_DECIDED", "withdrawal already decided")
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "WALLET_INTERNAL", "wallet internal")
	}
}
