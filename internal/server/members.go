package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/samerth-ccp/voltvera-portal/internal/routing"
	genealogyports "github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/ports"
	"github.com/samerth-ccp/voltvera-portal/pkg/uuidv7"
)

// Member is a platform account. Tree position and volume live in the
// genealogy module keyed by the same uuid.
type Member struct {
	UUID      string
	MemberID  string
	FullName  string
	Email     string
	RoleSlug  string
	Status    string
	CreatedAt time.Time
}

type MemberOption struct {
	UUID     string
	MemberID string
	FullName string
}

type MemberStore interface {
	ListMembers(ctx context.Context, tenantID string) ([]Member, error)
	CreateMember(ctx context.Context, tenantID string, memberID string, fullName string, email string, roleSlug string) (Member, error)
	GetMember(ctx context.Context, tenantID string, memberUUID string) (Member, error)
	FindMemberByMemberID(ctx context.Context, tenantID string, memberID string) (Member, error)
	ListMemberOptions(ctx context.Context, tenantID string, q string, limit int) ([]MemberOption, error)
}

var memberIDDigitsRe = regexp.MustCompile(`^[0-9]{1,8}$`)

// normalizeMemberID canonicalizes the human-facing distributor id: an
// optional VV prefix, 1-8 digits, leading zeros stripped.
func normalizeMemberID(raw string) (string, error) {
	raw = strings.TrimSpace(strings.ToUpper(raw))
	if raw == "" {
		return "", errors.New("member_id is required")
	}
	raw = strings.TrimPrefix(raw, "VV")
	if !memberIDDigitsRe.MatchString(raw) {
		return "", errors.New("member_id must be VV followed by 1-8 digits")
	}
	raw = strings.TrimLeft(raw, "0")
	if raw == "" {
		raw = "0"
	}
	return "VV" + raw, nil
}

type memberPGStore struct {
	pool pgBeginner
}

func newMemberPGStore(pool pgBeginner) MemberStore {
	return &memberPGStore{pool: pool}
}

func (s *memberPGStore) ListMembers(ctx context.Context, tenantID string) ([]Member, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT member_uuid::text, member_id, full_name, email, role_slug, status, created_at
FROM members.members
WHERE tenant_uuid = $1::uuid
ORDER BY created_at DESC, member_uuid DESC
LIMIT 200
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UUID, &m.MemberID, &m.FullName, &m.Email, &m.RoleSlug, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *memberPGStore) CreateMember(ctx context.Context, tenantID string, memberID string, fullName string, email string, roleSlug string) (Member, error) {
	canonical, err := normalizeMemberID(memberID)
	if err != nil {
		return Member{}, err
	}
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return Member{}, errors.New("full_name is required")
	}
	email = strings.ToLower(strings.TrimSpace(email))
	roleSlug = strings.TrimSpace(roleSlug)
	if roleSlug == "" {
		roleSlug = "distributor"
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Member{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Member{}, err
	}

	newUUID, err := uuidv7.NewString()
	if err != nil {
		return Member{}, err
	}
	m := Member{UUID: newUUID, MemberID: canonical, FullName: fullName, Email: email, RoleSlug: roleSlug, Status: "active"}
	if err := tx.QueryRow(ctx, `
INSERT INTO members.members (tenant_uuid, member_uuid, member_id, full_name, email, role_slug, status)
VALUES ($1::uuid, $2::uuid, $3::text, $4::text, $5::text, $6::text, 'active')
RETURNING created_at
`, tenantID, m.UUID, canonical, fullName, email, roleSlug).Scan(&m.CreatedAt); err != nil {
		return Member{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Member{}, err
	}
	return m, nil
}

func (s *memberPGStore) GetMember(ctx context.Context, tenantID string, memberUUID string) (Member, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Member{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Member{}, err
	}

	var m Member
	if err := tx.QueryRow(ctx, `
SELECT member_uuid::text, member_id, full_name, email, role_slug, status, created_at
FROM members.members
WHERE tenant_uuid = $1::uuid AND member_uuid = $2::uuid
`, tenantID, memberUUID).Scan(&m.UUID, &m.MemberID, &m.FullName, &m.Email, &m.RoleSlug, &m.Status, &m.CreatedAt); err != nil {
		return Member{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Member{}, err
	}
	return m, nil
}

func (s *memberPGStore) FindMemberByMemberID(ctx context.Context, tenantID string, memberID string) (Member, error) {
	canonical, err := normalizeMemberID(memberID)
	if err != nil {
		return Member{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Member{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Member{}, err
	}

	var m Member
	if err := tx.QueryRow(ctx, `
SELECT member_uuid::text, member_id, full_name, email, role_slug, status, created_at
FROM members.members
WHERE tenant_uuid = $1::uuid AND member_id = $2::text
`, tenantID, canonical).Scan(&m.UUID, &m.MemberID, &m.FullName, &m.Email, &m.RoleSlug, &m.Status, &m.CreatedAt); err != nil {
		return Member{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Member{}, err
	}
	return m, nil
}

func (s *memberPGStore) ListMemberOptions(ctx context.Context, tenantID string, q string, limit int) ([]MemberOption, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	q = strings.TrimSpace(q)
	if limit <= 0 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}

	idPrefix := ""
	if q != "" {
		if canonical, err := normalizeMemberID(q); err == nil {
			idPrefix = canonical
		}
	}

	rows, err := tx.Query(ctx, `
SELECT member_uuid::text, member_id, full_name
FROM members.members
WHERE tenant_uuid = $1::uuid
  AND (
    $2::text = '' OR member_id LIKE ($2::text || '%')
    OR full_name ILIKE ('%' || $3::text || '%')
  )
ORDER BY full_name ASC, member_id ASC
LIMIT $4::int
`, tenantID, idPrefix, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MemberOption
	for rows.Next() {
		var m MemberOption
		if err := rows.Scan(&m.UUID, &m.MemberID, &m.FullName); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

type memberMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]Member
}

func newMemberMemoryStore() *memberMemoryStore {
	return &memberMemoryStore{byTenant: make(map[string][]Member)}
}

func (s *memberMemoryStore) ListMembers(_ context.Context, tenantID string) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Member(nil), s.byTenant[tenantID]...), nil
}

func (s *memberMemoryStore) CreateMember(_ context.Context, tenantID string, memberID string, fullName string, email string, roleSlug string) (Member, error) {
	canonical, err := normalizeMemberID(memberID)
	if err != nil {
		return Member{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return Member{}, errors.New("full_name is required")
	}
	roleSlug = strings.TrimSpace(roleSlug)
	if roleSlug == "" {
		roleSlug = "distributor"
	}
	for _, m := range s.byTenant[tenantID] {
		if m.MemberID == canonical {
			return Member{}, errors.New("member_id already exists")
		}
	}
	newUUID, err := uuidv7.NewString()
	if err != nil {
		return Member{}, err
	}
	m := Member{
		UUID:      newUUID,
		MemberID:  canonical,
		FullName:  fullName,
		Email:     strings.ToLower(strings.TrimSpace(email)),
		RoleSlug:  roleSlug,
		Status:    "active",
		CreatedAt: time.Now().UTC(),
	}
	s.byTenant[tenantID] = append(s.byTenant[tenantID], m)
	return m, nil
}

func (s *memberMemoryStore) GetMember(_ context.Context, tenantID string, memberUUID string) (Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.byTenant[tenantID] {
		if m.UUID == memberUUID {
			return m, nil
		}
	}
	return Member{}, pgx.ErrNoRows
}

func (s *memberMemoryStore) FindMemberByMemberID(_ context.Context, tenantID string, memberID string) (Member, error) {
	canonical, err := normalizeMemberID(memberID)
	if err != nil {
		return Member{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.byTenant[tenantID] {
		if m.MemberID == canonical {
			return m, nil
		}
	}
	return Member{}, pgx.ErrNoRows
}

func (s *memberMemoryStore) ListMemberOptions(_ context.Context, tenantID string, q string, limit int) ([]MemberOption, error) {
	q = strings.TrimSpace(q)
	if limit <= 0 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}
	canonical := ""
	if c, err := normalizeMemberID(q); err == nil {
		canonical = c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MemberOption
	for _, m := range s.byTenant[tenantID] {
		if q == "" ||
			strings.Contains(strings.ToLower(m.FullName), strings.ToLower(q)) ||
			(canonical != "" && strings.HasPrefix(m.MemberID, canonical)) {
			out = append(out, MemberOption{UUID: m.UUID, MemberID: m.MemberID, FullName: m.FullName})
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func handleMembersAPI(w http.ResponseWriter, r *http.Request, store MemberStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	items, err := store.ListMembers(r.Context(), tenant.ID)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "MEMBERS_INTERNAL", "members internal")
		return
	}
	type item struct {
		MemberUUID string `json:"member_uuid"`
		MemberID   string `json:"member_id"`
		FullName   string `json:"full_name"`
		Email      string `json:"email,omitempty"`
		RoleSlug   string `json:"role_slug"`
		Status     string `json:"status"`
		CreatedAt  string `json:"created_at"`
	}
	out := make([]item, 0, len(items))
	for _, m := range items {
		out = append(out, item{
			MemberUUID: m.UUID,
			MemberID:   m.MemberID,
			FullName:   m.FullName,
			Email:      m.Email,
			RoleSlug:   m.RoleSlug,
			Status:     m.Status,
			CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"tenant_id": tenant.ID,
		"members":   out,
	})
}

// handleMemberDetailAPI joins the account record with its tree node so the
// back office sees coordinates, volume and rank in one response.
func handleMemberDetailAPI(w http.ResponseWriter, r *http.Request, members MemberStore, tree genealogyports.TreeStore) {
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
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "missing_member_uuid", "member_uuid is required")
		return
	}

	m, err := members.GetMember(r.Context(), tenant.ID, memberUUID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "MEMBERS_NOT_FOUND", "member not found")
			return
		}
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "MEMBERS_INTERNAL", "members internal")
		return
	}

	resp := map[string]any{
		"member_uuid": m.UUID,
		"member_id":   m.MemberID,
		"full_name":   m.FullName,
		"email":       m.Email,
		"role_slug":   m.RoleSlug,
		"status":      m.Status,
		"created_at":  m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	node, err := tree.GetNode(r.Context(), tenant.ID, memberUUID)
	switch {
	case err == nil:
		resp["tree"] = map[string]any{
			"sponsor_uuid":  node.SponsorUUID,
			"parent_uuid":   node.ParentUUID,
			"position":      string(node.Position),
			"level":         node.Level,
			"left_bv":       node.LeftBV.StringFixed(2),
			"right_bv":      node.RightBV.StringFixed(2),
			"total_bv":      node.TotalBV.StringFixed(2),
			"total_directs": node.TotalDirects,
			"current_rank":  string(node.CurrentRank),
		}
	case errors.Is(err, genealogyports.ErrMemberNotFound):
		// Account exists but was never placed; the detail view still works.
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "MEMBERS_INTERNAL", "members internal")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(resp)
}

func handleMemberOptionsAPI(w http.ResponseWriter, r *http.Request, store MemberStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	limit := 10
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	items, err := store.ListMemberOptions(r.Context(), tenant.ID, q, limit)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "MEMBERS_INTERNAL", "members internal")
		return
	}

	type item struct {
		MemberUUID string `json:"member_uuid"`
		MemberID   string `json:"member_id"`
		FullName   string `json:"full_name"`
	}
	out := make([]item, 0, len(items))
	for _, it := range items {
		out = append(out, item{MemberUUID: it.UUID, MemberID: it.MemberID, FullName: it.FullName})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": out})
}
