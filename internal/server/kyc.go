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

	"github.com/samerth-ccp/voltvera-portal/internal/routing"
	"github.com/samerth-ccp/voltvera-portal/pkg/uuidv7"
)

const (
	kycStatusNone      = "none" // member has never submitted a document
	kycStatusSubmitted = "submitted"
	kycStatusApproved  = "approved"
	kycStatusRejected  = "rejected"
)

var errKYCNotSubmitted = errors.New("kyc document is not awaiting review")

// KYCDocType is the closed set of identity documents a member may submit.
type KYCDocType string

const (
	KYCDocTypePAN           KYCDocType = "pan_card"
	KYCDocTypeAadhaar       KYCDocType = "aadhaar"
	KYCDocTypePassport      KYCDocType = "passport"
	KYCDocTypeBankStatement KYCDocType = "bank_statement"
)

func ParseKYCDocType(raw string) (KYCDocType, bool) {
	switch KYCDocType(raw) {
	case KYCDocTypePAN, KYCDocTypeAadhaar, KYCDocTypePassport, KYCDocTypeBankStatement:
		return KYCDocType(raw), true
	default:
		return "", false
	}
}

// KYCDocument records one submitted identity document. Only the reference
// number is stored, never the document itself.
type KYCDocument struct {
	UUID           string
	MemberUUID     string
	DocType        KYCDocType
	RefNumber      string
	Status         string
	DecisionReason string
	ReviewedBy     string
	CreatedAt      time.Time
	ReviewedAt     *time.Time
}

type KYCStore interface {
	SubmitKYCDocument(ctx context.Context, tenantID string, doc KYCDocument) (KYCDocument, error)
	ListKYCDocuments(ctx context.Context, tenantID string, status string) ([]KYCDocument, error)
	// LatestKYCDocument returns the member's most recent submission;
	// pgx.ErrNoRows when the member never submitted one.
	LatestKYCDocument(ctx context.Context, tenantID string, memberUUID string) (KYCDocument, error)
	// ReviewKYCDocument moves submitted to approved or rejected exactly
	// once; errKYCNotSubmitted on a second review.
	ReviewKYCDocument(ctx context.Context, tenantID string, documentUUID string, approved bool, reason string, reviewedBy string) (KYCDocument, error)
}

var kycRefRe = regexp.MustCompile(`^[A-Z0-9][A-Z0-9 /-]{3,63}$`)

func validateKYCDocument(doc KYCDocument) error {
	if strings.TrimSpace(doc.MemberUUID) == "" {
		return errors.New("member_uuid is required")
	}
	if _, ok := ParseKYCDocType(string(doc.DocType)); !ok {
		return errors.New("doc_type must be pan_card, aadhaar, passport or bank_statement")
	}
	if !kycRefRe.MatchString(doc.RefNumber) {
		return errors.New("ref_number must be 4-64 characters of A-Z, 0-9, space, slash or dash")
	}
	return nil
}

type kycPGStore struct {
	pool pgBeginner
}

func newKYCPGStore(pool pgBeginner) KYCStore {
	return &kycPGStore{pool: pool}
}

const kycColumns = `document_uuid::text, member_uuid::text, doc_type, ref_number, status,
COALESCE(decision_reason, ''), COALESCE(reviewed_by::text, ''), created_at, reviewed_at`

func scanKYCDocument(row pgx.Row) (KYCDocument, error) {
	var doc KYCDocument
	var docType string
	if err := row.Scan(&doc.UUID, &doc.MemberUUID, &docType, &doc.RefNumber, &doc.Status,
		&doc.DecisionReason, &doc.ReviewedBy, &doc.CreatedAt, &doc.ReviewedAt); err != nil {
		return KYCDocument{}, err
	}
	doc.DocType = KYCDocType(docType)
	return doc, nil
}

func (s *kycPGStore) SubmitKYCDocument(ctx context.Context, tenantID string, doc KYCDocument) (KYCDocument, error) {
	doc.RefNumber = strings.ToUpper(strings.TrimSpace(doc.RefNumber))
	if err := validateKYCDocument(doc); err != nil {
		return KYCDocument{}, err
	}
	newUUID, err := uuidv7.NewString()
	if err != nil {
		return KYCDocument{}, err
	}
	doc.UUID = newUUID
	doc.Status = kycStatusSubmitted

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return KYCDocument{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return KYCDocument{}, err
	}

	if err := tx.QueryRow(ctx, `
INSERT INTO kyc.documents (tenant_uuid, document_uuid, member_uuid, doc_type, ref_number, status)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::text, $5::text, 'submitted')
RETURNING created_at
`, tenantID, doc.UUID, doc.MemberUUID, string(doc.DocType), doc.RefNumber).Scan(&doc.CreatedAt); err != nil {
		return KYCDocument{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return KYCDocument{}, err
	}
	return doc, nil
}

func (s *kycPGStore) ListKYCDocuments(ctx context.Context, tenantID string, status string) ([]KYCDocument, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT `+kycColumns+`
FROM kyc.documents
WHERE tenant_uuid = $1::uuid
  AND ($2::text = '' OR status = $2::text)
ORDER BY created_at ASC, document_uuid ASC
LIMIT 200
`, tenantID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KYCDocument
	for rows.Next() {
		doc, err := scanKYCDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *kycPGStore) LatestKYCDocument(ctx context.Context, tenantID string, memberUUID string) (KYCDocument, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return KYCDocument{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return KYCDocument{}, err
	}

	doc, err := scanKYCDocument(tx.QueryRow(ctx, `
SELECT `+kycColumns+`
FROM kyc.documents
WHERE tenant_uuid = $1::uuid AND member_uuid = $2::uuid
ORDER BY created_at DESC, document_uuid DESC
LIMIT 1
`, tenantID, memberUUID))
	if err != nil {
		return KYCDocument{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return KYCDocument{}, err
	}
	return doc, nil
}

func (s *kycPGStore) ReviewKYCDocument(ctx context.Context, tenantID string, documentUUID string, approved bool, reason string, reviewedBy string) (KYCDocument, error) {
	status := kycStatusRejected
	if approved {
		status = kycStatusApproved
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return KYCDocument{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return KYCDocument{}, err
	}

	doc, err := scanKYCDocument(tx.QueryRow(ctx, `
UPDATE kyc.documents
SET status = $3::text, decision_reason = NULLIF($4, ''), reviewed_by = NULLIF($5, '')::uuid, reviewed_at = now()
WHERE tenant_uuid = $1::uuid AND document_uuid = $2::uuid AND status = 'submitted'
RETURNING `+kycColumns+`
`, tenantID, documentUUID, status, reason, reviewedBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := scanKYCDocument(tx.QueryRow(ctx, `
SELECT `+kycColumns+`
FROM kyc.documents
WHERE tenant_uuid = $1::uuid AND document_uuid = $2::uuid
`, tenantID, documentUUID)); getErr == nil {
				return KYCDocument{}, errKYCNotSubmitted
			}
		}
		return KYCDocument{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return KYCDocument{}, err
	}
	return doc, nil
}

type kycMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]*KYCDocument
}

func newKYCMemoryStore() *kycMemoryStore {
	return &kycMemoryStore{byTenant: make(map[string][]*KYCDocument)}
}

func (s *kycMemoryStore) SubmitKYCDocument(_ context.Context, tenantID string, doc KYCDocument) (KYCDocument, error) {
	doc.RefNumber = strings.ToUpper(strings.TrimSpace(doc.RefNumber))
	if err := validateKYCDocument(doc); err != nil {
		return KYCDocument{}, err
	}
	newUUID, err := uuidv7.NewString()
	if err != nil {
		return KYCDocument{}, err
	}
	doc.UUID = newUUID
	doc.Status = kycStatusSubmitted
	doc.CreatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[tenantID] = append(s.byTenant[tenantID], &doc)
	return doc, nil
}

func (s *kycMemoryStore) ListKYCDocuments(_ context.Context, tenantID string, status string) ([]KYCDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KYCDocument
	for _, doc := range s.byTenant[tenantID] {
		if status == "" || doc.Status == status {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (s *kycMemoryStore) LatestKYCDocument(_ context.Context, tenantID string, memberUUID string) (KYCDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Submissions append in order, so the last match is the latest.
	for i := len(s.byTenant[tenantID]) - 1; i >= 0; i-- {
		if s.byTenant[tenantID][i].MemberUUID == memberUUID {
			return *s.byTenant[tenantID][i], nil
		}
	}
	return KYCDocument{}, pgx.ErrNoRows
}

func (s *kycMemoryStore) ReviewKYCDocument(_ context.Context, tenantID string, documentUUID string, approved bool, reason string, reviewedBy string) (KYCDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range s.byTenant[tenantID] {
		if doc.UUID != documentUUID {
			continue
		}
		if doc.Status != kycStatusSubmitted {
			return KYCDocument{}, errKYCNotSubmitted
		}
		if approved {
			doc.Status = kycStatusApproved
		} else {
			doc.Status = kycStatusRejected
		}
		doc.DecisionReason = reason
		doc.ReviewedBy = reviewedBy
		now := time.Now().UTC()
		doc.ReviewedAt = &now
		return *doc, nil
	}
	return KYCDocument{}, pgx.ErrNoRows
}

func kycDocumentView(doc KYCDocument) map[string]any {
	out := map[string]any{
		"document_uuid": doc.UUID,
		"member_uuid":   doc.MemberUUID,
		"doc_type":      string(doc.DocType),
		"ref_number":    doc.RefNumber,
		"status":        doc.Status,
		"created_at":    doc.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if doc.DecisionReason != "" {
		out["decision_reason"] = doc.DecisionReason
	}
	if doc.ReviewedAt != nil {
		out["reviewed_at"] = doc.ReviewedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func handleKYCDocumentsAPI(w http.ResponseWriter, r *http.Request, store KYCStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		status := strings.TrimSpace(r.URL.Query().Get("status"))
		items, err := store.ListKYCDocuments(r.Context(), tenant.ID, status)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "KYC_INTERNAL", "kyc internal")
			return
		}
		out := make([]map[string]any, 0, len(items))
		for _, doc := range items {
			out = append(out, kycDocumentView(doc))
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{"documents": out})
	case http.MethodPost:
		var payload struct {
			MemberUUID string `json:"member_uuid"`
			DocType    string `json:"doc_type"`
			RefNumber  string `json:"ref_number"`
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

		doc, err := store.SubmitKYCDocument(r.Context(), tenant.ID, KYCDocument{
			MemberUUID: memberUUID,
			DocType:    KYCDocType(strings.TrimSpace(payload.DocType)),
			RefNumber:  payload.RefNumber,
		})
		if err != nil {
			status, code, message := storeErrorStatus(err, "KYC")
			routing.WriteError(w, r, routing.RouteClassInternalAPI, status, code, message)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(kycDocumentView(doc))
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func handleKYCReviewAPI(w http.ResponseWriter, r *http.Request, store KYCStore) {
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
		DocumentUUID string `json:"document_uuid"`
		Decision     string `json:"decision"`
		Reason       string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	var approved bool
	switch strings.TrimSpace(payload.Decision) {
	case kycStatusApproved:
		approved = true
	case kycStatusRejected:
		approved = false
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "decision must be approved or rejected")
		return
	}
	reason := strings.TrimSpace(payload.Reason)
	if !approved && reason == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "rejections need a reason")
		return
	}

	actor, _ := currentActor(r.Context())
	doc, err := store.ReviewKYCDocument(r.Context(), tenant.ID, strings.TrimSpace(payload.DocumentUUID), approved, reason, actor.MemberUUID)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "KYC_DOCUMENT_NOT_FOUND", "document not found")
		case errors.Is(err, errKYCNotSubmitted):
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusConflict, "KYC_ALREADY_REVIEWED", "document already reviewed")
		default:
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "KYC_INTERNAL", "kyc internal")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(kycDocumentView(doc))
}
