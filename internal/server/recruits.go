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

	"github.com/samerth-ccp/voltvera-portal/internal/routing"
	genealogyports "github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/ports"
	genealogytypes "github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/services"
	"github.com/samerth-ccp/voltvera-portal/pkg/httperr"
	"github.com/samerth-ccp/voltvera-portal/pkg/uuidv7"
)

const (
	recruitStatusPending  = "pending"
	recruitStatusApproved = "approved"
	recruitStatusRejected = "rejected"
)

var errRecruitNotPending = errors.New("recruit is not pending")

// Recruit is a signup waiting for back-office approval. Approval creates
// the member account and places it in the sponsor's tree; the requested
// coordinates are captured at submit time.
type Recruit struct {
	UUID                string
	SponsorUUID         string
	FullName            string
	Email               string
	RequestedSide       genealogytypes.Position
	Mode                genealogytypes.PlacementMode
	StrategicParentUUID string
	Status              string
	MemberUUID          string // set on approval
	DecisionReason      string
	DecidedBy           string
	CreatedAt           time.Time
	DecidedAt           *time.Time
}

type RecruitStore interface {
	SubmitRecruit(ctx context.Context, tenantID string, r Recruit) (Recruit, error)
	ListPendingRecruits(ctx context.Context, tenantID string) ([]Recruit, error)
	GetRecruit(ctx context.Context, tenantID string, recruitUUID string) (Recruit, error)
	// MarkRecruitApproved and MarkRecruitRejected flip status away from
	// pending exactly once; a second decision returns errRecruitNotPending.
	MarkRecruitApproved(ctx context.Context, tenantID string, recruitUUID string, memberUUID string, decidedBy string) error
	MarkRecruitRejected(ctx context.Context, tenantID string, recruitUUID string, reason string, decidedBy string) error
}

func validateRecruit(r Recruit) error {
	if strings.TrimSpace(r.FullName) == "" {
		return errors.New("full_name is required")
	}
	if strings.TrimSpace(r.SponsorUUID) == "" {
		return errors.New("sponsor is required")
	}
	if _, ok := genealogytypes.ParsePosition(string(r.RequestedSide)); !ok {
		return errors.New("requested_side must be left or right")
	}
	switch r.Mode {
	case genealogytypes.PlacementModeAuto:
	case genealogytypes.PlacementModeStrategic:
		if strings.TrimSpace(r.StrategicParentUUID) == "" {
			return errors.New("strategic recruits need a parent uuid")
		}
	default:
		return errors.New("mode must be auto or strategic")
	}
	return nil
}

type recruitPGStore struct {
	pool pgBeginner
}

func newRecruitPGStore(pool pgBeginner) RecruitStore {
	return &recruitPGStore{pool: pool}
}

const recruitColumns = `recruit_uuid::text, sponsor_uuid::text, full_name, email, requested_side, placement_mode,
COALESCE(strategic_parent_uuid::text, ''), status, COALESCE(member_uuid::text, ''),
COALESCE(decision_reason, ''), COALESCE(decided_by::text, ''), created_at, decided_at`

func scanRecruit(row pgx.Row) (Recruit, error) {
	var r Recruit
	var side, mode string
	if err := row.Scan(&r.UUID, &r.SponsorUUID, &r.FullName, &r.Email, &side, &mode,
		&r.StrategicParentUUID, &r.Status, &r.MemberUUID,
		&r.DecisionReason, &r.DecidedBy, &r.CreatedAt, &r.DecidedAt); err != nil {
		return Recruit{}, err
	}
	r.RequestedSide = genealogytypes.Position(side)
	r.Mode = genealogytypes.PlacementMode(mode)
	return r, nil
}

func (s *recruitPGStore) SubmitRecruit(ctx context.Context, tenantID string, r Recruit) (Recruit, error) {
	if err := validateRecruit(r); err != nil {
		return Recruit{}, err
	}
	newUUID, err := uuidv7.NewString()
	if err != nil {
		return Recruit{}, err
	}
	r.UUID = newUUID
	r.Status = recruitStatusPending
	r.FullName = strings.TrimSpace(r.FullName)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Recruit{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Recruit{}, err
	}

	if err := tx.QueryRow(ctx, `
INSERT INTO members.recruits (tenant_uuid, recruit_uuid, sponsor_uuid, full_name, email, requested_side, placement_mode, strategic_parent_uuid, status)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::text, $5::text, $6::text, $7::text, NULLIF($8, '')::uuid, 'pending')
RETURNING created_at
`, tenantID, r.UUID, r.SponsorUUID, r.FullName, r.Email, string(r.RequestedSide), string(r.Mode), r.StrategicParentUUID).Scan(&r.CreatedAt); err != nil {
		return Recruit{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Recruit{}, err
	}
	return r, nil
}

func (s *recruitPGStore) ListPendingRecruits(ctx context.Context, tenantID string) ([]Recruit, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT `+recruitColumns+`
FROM members.recruits
WHERE tenant_uuid = $1::uuid AND status = 'pending'
ORDER BY created_at ASC, recruit_uuid ASC
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recruit
	for rows.Next() {
		r, err := scanRecruit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *recruitPGStore) GetRecruit(ctx context.Context, tenantID string, recruitUUID string) (Recruit, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Recruit{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Recruit{}, err
	}

	r, err := scanRecruit(tx.QueryRow(ctx, `
SELECT `+recruitColumns+`
FROM members.recruits
WHERE tenant_uuid = $1::uuid AND recruit_uuid = $2::uuid
`, tenantID, recruitUUID))
	if err != nil {
		return Recruit{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Recruit{}, err
	}
	return r, nil
}

func (s *recruitPGStore) MarkRecruitApproved(ctx context.Context, tenantID string, recruitUUID string, memberUUID string, decidedBy string) error {
	return s.decide(ctx, tenantID, recruitUUID, `
UPDATE members.recruits
SET status = 'approved', member_uuid = $3::uuid, decided_by = NULLIF($4, '')::uuid, decided_at = now()
WHERE tenant_uuid = $1::uuid AND recruit_uuid = $2::uuid AND status = 'pending'
`, memberUUID, decidedBy)
}

func (s *recruitPGStore) MarkRecruitRejected(ctx context.Context, tenantID string, recruitUUID string, reason string, decidedBy string) error {
	return s.decide(ctx, tenantID, recruitUUID, `
UPDATE members.recruits
SET status = 'rejected', decision_reason = $3::text, decided_by = NULLIF($4, '')::uuid, decided_at = now()
WHERE tenant_uuid = $1::uuid AND recruit_uuid = $2::uuid AND status = 'pending'
`, reason, decidedBy)
}

func (s *recruitPGStore) decide(ctx context.Context, tenantID string, recruitUUID string, sql string, args ...any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, sql, append([]any{tenantID, recruitUUID}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errRecruitNotPending
	}

	return tx.Commit(ctx)
}

type recruitMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]*Recruit
}

func newRecruitMemoryStore() *recruitMemoryStore {
	return &recruitMemoryStore{byTenant: make(map[string][]*Recruit)}
}

func (s *recruitMemoryStore) SubmitRecruit(_ context.Context, tenantID string, r Recruit) (Recruit, error) {
	if err := validateRecruit(r); err != nil {
		return Recruit{}, err
	}
	newUUID, err := uuidv7.NewString()
	if err != nil {
		return Recruit{}, err
	}
	r.UUID = newUUID
	r.Status = recruitStatusPending
	r.FullName = strings.TrimSpace(r.FullName)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.CreatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[tenantID] = append(s.byTenant[tenantID], &r)
	return r, nil
}

func (s *recruitMemoryStore) ListPendingRecruits(_ context.Context, tenantID string) ([]Recruit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Recruit
	for _, r := range s.byTenant[tenantID] {
		if r.Status == recruitStatusPending {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *recruitMemoryStore) GetRecruit(_ context.Context, tenantID string, recruitUUID string) (Recruit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.byTenant[tenantID] {
		if r.UUID == recruitUUID {
			return *r, nil
		}
	}
	return Recruit{}, pgx.ErrNoRows
}

func (s *recruitMemoryStore) MarkRecruitApproved(_ context.Context, tenantID string, recruitUUID string, memberUUID string, decidedBy string) error {
	return s.decide(tenantID, recruitUUID, func(r *Recruit) {
		r.Status = recruitStatusApproved
		r.MemberUUID = memberUUID
		r.DecidedBy = decidedBy
	})
}

func (s *recruitMemoryStore) MarkRecruitRejected(_ context.Context, tenantID string, recruitUUID string, reason string, decidedBy string) error {
	return s.decide(tenantID, recruitUUID, func(r *Recruit) {
		r.Status = recruitStatusRejected
		r.DecisionReason = reason
		r.DecidedBy = decidedBy
	})
}

func (s *recruitMemoryStore) decide(tenantID string, recruitUUID string, apply func(*Recruit)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.byTenant[tenantID] {
		if r.UUID == recruitUUID {
			if r.Status != recruitStatusPending {
				return errRecruitNotPending
			}
			apply(r)
			now := time.Now().UTC()
			r.DecidedAt = &now
			return nil
		}
	}
	return pgx.ErrNoRows
}

func recruitView(r Recruit) map[string]any {
	out := map[string]any{
		"recruit_uuid":   r.UUID,
		"sponsor_uuid":   r.SponsorUUID,
		"full_name":      r.FullName,
		"email":          r.Email,
		"requested_side": string(r.RequestedSide),
		"placement_mode": string(r.Mode),
		"status":         r.Status,
		"created_at":     r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.StrategicParentUUID != "" {
		out["strategic_parent_uuid"] = r.StrategicParentUUID
	}
	if r.MemberUUID != "" {
		out["member_uuid"] = r.MemberUUID
	}
	if r.DecisionReason != "" {
		out["decision_reason"] = r.DecisionReason
	}
	if r.DecidedAt != nil {
		out["decided_at"] = r.DecidedAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func handleRecruitsAPI(w http.ResponseWriter, r *http.Request, recruits RecruitStore, members MemberStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := recruits.ListPendingRecruits(r.Context(), tenant.ID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "RECRUITS_INTERNAL", "recruits internal")
			return
		}
		out := make([]map[string]any, 0, len(items))
		for _, it := range items {
			out = append(out, recruitView(it))
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{"recruits": out})
	case http.MethodPost:
		var payload struct {
			SponsorMemberID     string `json:"sponsor_member_id"`
			FullName            string `json:"full_name"`
			Email               string `json:"email"`
			RequestedSide       string `json:"requested_side"`
			PlacementMode       string `json:"placement_mode"`
			StrategicParentUUID string `json:"strategic_parent_uuid"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_json", "invalid json")
			return
		}

		sponsor, err := members.FindMemberByMemberID(r.Context(), tenant.ID, payload.SponsorMemberID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "RECRUITS_SPONSOR_NOT_FOUND", "sponsor not found")
				return
			}
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		mode := genealogytypes.PlacementMode(strings.TrimSpace(payload.PlacementMode))
		if payload.PlacementMode == "" {
			mode = genealogytypes.PlacementModeAuto
		}
		rec, err := recruits.SubmitRecruit(r.Context(), tenant.ID, Recruit{
			SponsorUUID:         sponsor.UUID,
			FullName:            payload.FullName,
			Email:               payload.Email,
			RequestedSide:       genealogytypes.Position(strings.TrimSpace(payload.RequestedSide)),
			Mode:                mode,
			StrategicParentUUID: strings.TrimSpace(payload.StrategicParentUUID),
		})
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(recruitView(rec))
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

// handleRecruitApproveAPI creates the member account and places it in the
// tree, then flips the recruit to approved. Account creation and placement
// hit different stores, so a failed placement can leave an unplaced
// account behind; a retried approval finds it by member id and re-uses it
// instead of minting a duplicate.
func handleRecruitApproveAPI(w http.ResponseWriter, r *http.Request, recruits RecruitStore, members MemberStore, placements services.PlacementService) {
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
		RecruitUUID string `json:"recruit_uuid"`
		MemberID    string `json:"member_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	rec, err := recruits.GetRecruit(r.Context(), tenant.ID, strings.TrimSpace(payload.RecruitUUID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "RECRUITS_NOT_FOUND", "recruit not found")
			return
		}
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "RECRUITS_INTERNAL", "recruits internal")
		return
	}
	if rec.Status != recruitStatusPending {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusConflict, "RECRUITS_ALREADY_DECIDED", "recruit already decided")
		return
	}

	member, err := members.FindMemberByMemberID(r.Context(), tenant.ID, payload.MemberID)
	if errors.Is(err, pgx.ErrNoRows) {
		member, err = members.CreateMember(r.Context(), tenant.ID, payload.MemberID, rec.FullName, rec.Email, "distributor")
	}
	if err != nil {
		status, code, message := storeErrorStatus(err, "RECRUITS")
		routing.WriteError(w, r, routing.RouteClassInternalAPI, status, code, message)
		return
	}

	node, err := placements.PlaceNewMember(r.Context(), tenant.ID, services.PlacementRequest{
		MemberUUID:          member.UUID,
		SponsorUUID:         rec.SponsorUUID,
		RequestedSide:       rec.RequestedSide,
		Mode:                rec.Mode,
		StrategicParentUUID: rec.StrategicParentUUID,
	})
	if err != nil {
		status, code, message := placementApproveErrorStatus(err)
		routing.WriteError(w, r, routing.RouteClassInternalAPI, status, code, message)
		return
	}

	actor, _ := currentActor(r.Context())
	if err := recruits.MarkRecruitApproved(r.Context(), tenant.ID, rec.UUID, member.UUID, actor.MemberUUID); err != nil {
		if errors.Is(err, errRecruitNotPending) {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusConflict, "RECRUITS_ALREADY_DECIDED", "recruit already decided")
			return
		}
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "RECRUITS_INTERNAL", "recruits internal")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"recruit_uuid": rec.UUID,
		"member_uuid":  member.UUID,
		"member_id":    member.MemberID,
		"parent_uuid":  node.ParentUUID,
		"position":     string(node.Position),
		"level":        node.Level,
	})
}

func handleRecruitRejectAPI(w http.ResponseWriter, r *http.Request, recruits RecruitStore) {
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
		RecruitUUID string `json:"recruit_uuid"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}

	actor, _ := currentActor(r.Context())
	err := recruits.MarkRecruitRejected(r.Context(), tenant.ID, strings.TrimSpace(payload.RecruitUUID), strings.TrimSpace(payload.Reason), actor.MemberUUID)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"recruit_uuid": strings.TrimSpace(payload.RecruitUUID),
			"status":       recruitStatusRejected,
		})
	case errors.Is(err, pgx.ErrNoRows):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "RECRUITS_NOT_FOUND", "recruit not found")
	case errors.Is(err, errRecruitNotPending):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusConflict, "RECRUITS_ALREADY_DECIDED", "recruit already decided")
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "RECRUITS_INTERNAL", "recruits internal")
	}
}

// placementApproveErrorStatus maps placement failures during approval the
// same way the genealogy controller does for direct placements.
func placementApproveErrorStatus(err error) (int, string, string) {
	switch {
	case httperr.IsBadRequest(err):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, genealogyports.ErrSponsorNotFound):
		return http.StatusUnprocessableEntity, "GENEALOGY_SPONSOR_NOT_FOUND", "sponsor has no tree node"
	case errors.Is(err, genealogyports.ErrMemberNotFound):
		return http.StatusUnprocessableEntity, "GENEALOGY_PARENT_NOT_FOUND", "strategic parent not found"
	case errors.Is(err, genealogyports.ErrSlotOccupied):
		return http.StatusConflict, "GENEALOGY_SLOT_OCCUPIED", "requested slot is occupied"
	case errors.Is(err, genealogyports.ErrConcurrentPlacementConflict):
		return http.StatusConflict, "GENEALOGY_PLACEMENT_CONFLICT", "placement lost a concurrent race, retry"
	case errors.Is(err, genealogyports.ErrRootExists):
		return http.StatusConflict, "GENEALOGY_ROOT_EXISTS", "tree already has a root"
	case errors.Is(err, genealogyports.ErrCycleDetected):
		return http.StatusUnprocessableEntity, "GENEALOGY_TREE_CORRUPTED", "tree parent chain is corrupted"
	case httperr.IsConflict(err):
		return http.StatusConflict, "GENEALOGY_MEMBER_ALREADY_PLACED", "member already placed"
	default:
		return http.StatusInternalServerError, "RECRUITS_INTERNAL", "recruits internal"
	}
}

// storeErrorStatus classifies a store error into the shared stable-code /
// invalid-input / internal buckets used across the back-office handlers.
func storeErrorStatus(err error, fallbackPrefix string) (int, string, string) {
	if isPgError(err) {
		if stable := stablePgMessage(err); isStableDBCode(stable) {
			return http.StatusUnprocessableEntity, stable, stable
		}
		if isPgInvalidInput(err) {
			return http.StatusBadRequest, "invalid_request", pgErrorMessage(err)
		}
		return http.StatusInternalServerError, fallbackPrefix + "_INTERNAL", "internal error"
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return http.StatusInternalServerError, fallbackPrefix + "_INTERNAL", "internal error"
	}
	// Memory-store validation failures arrive as plain errors.
	return http.StatusBadRequest, "invalid_request", err.Error()
}
