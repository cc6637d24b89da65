package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/ports"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/services"
	"github.com/samerth-ccp/voltvera-portal/pkg/httperr"
)

type TenantIDGetter func(ctx context.Context) (tenantID string, ok bool)

type GenealogyController struct {
	TenantID    TenantIDGetter
	Placements  services.PlacementService
	Propagation services.PropagationEngine
	Tree        ports.TreeStore
}

type placementsAPIRequest struct {
	MemberUUID          string `json:"member_uuid"`
	SponsorUUID         string `json:"sponsor_uuid"`
	RequestedSide       string `json:"requested_side"`
	Mode                string `json:"mode"`
	StrategicParentUUID string `json:"strategic_parent_uuid,omitempty"`
}

type purchasesAPIRequest struct {
	BuyerUUID    string `json:"buyer_uuid"`
	PurchaseUUID string `json:"purchase_uuid"`
	BVAmount     string `json:"bv_amount"`
}

type nodeAPIView struct {
	MemberUUID     string `json:"member_uuid"`
	SponsorUUID    string `json:"sponsor_uuid,omitempty"`
	ParentUUID     string `json:"parent_uuid,omitempty"`
	Position       string `json:"position,omitempty"`
	Level          int    `json:"level"`
	LeftChildUUID  string `json:"left_child_uuid,omitempty"`
	RightChildUUID string `json:"right_child_uuid,omitempty"`
	LeftBV         string `json:"left_bv"`
	RightBV        string `json:"right_bv"`
	TotalBV        string `json:"total_bv"`
	TotalDirects   int    `json:"total_directs"`
	LeftDirects    int    `json:"left_directs"`
	RightDirects   int    `json:"right_directs"`
	CurrentRank    string `json:"current_rank"`
	CreatedAt      string `json:"created_at"`
}

func nodeView(n types.MemberNode) nodeAPIView {
	return nodeAPIView{
		MemberUUID:     n.MemberUUID,
		SponsorUUID:    n.SponsorUUID,
		ParentUUID:     n.ParentUUID,
		Position:       string(n.Position),
		Level:          n.Level,
		LeftChildUUID:  n.LeftChildUUID,
		RightChildUUID: n.RightChildUUID,
		LeftBV:         n.LeftBV.StringFixed(2),
		RightBV:        n.RightBV.StringFixed(2),
		TotalBV:        n.TotalBV.StringFixed(2),
		TotalDirects:   n.TotalDirects,
		LeftDirects:    n.LeftDirects,
		RightDirects:   n.RightDirects,
		CurrentRank:    string(n.CurrentRank),
		CreatedAt:      n.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (c GenealogyController) HandlePlacementsAPI(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := c.TenantID(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req placementsAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_json", "bad json")
		return
	}

	node, err := c.Placements.PlaceNewMember(r.Context(), tenantID, services.PlacementRequest{
		MemberUUID:          strings.TrimSpace(req.MemberUUID),
		SponsorUUID:         strings.TrimSpace(req.SponsorUUID),
		RequestedSide:       types.Position(strings.TrimSpace(req.RequestedSide)),
		Mode:                types.PlacementMode(strings.TrimSpace(req.Mode)),
		StrategicParentUUID: strings.TrimSpace(req.StrategicParentUUID),
	})
	if err != nil {
		status, code := placementErrorStatus(err)
		writeError(w, r, status, code, "placement failed")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(nodeView(node))
}

func (c GenealogyController) HandlePurchasesAPI(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := c.TenantID(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req purchasesAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	req.BuyerUUID = strings.TrimSpace(req.BuyerUUID)
	req.PurchaseUUID = strings.TrimSpace(req.PurchaseUUID)
	if req.BuyerUUID == "" {
		writeError(w, r, http.StatusBadRequest, "missing_buyer_uuid", "buyer_uuid is required")
		return
	}
	if req.PurchaseUUID == "" {
		writeError(w, r, http.StatusBadRequest, "missing_purchase_uuid", "purchase_uuid is required")
		return
	}
	bv, err := decimal.NewFromString(strings.TrimSpace(req.BVAmount))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_bv_amount", "invalid bv_amount")
		return
	}

	updates, err := c.Propagation.RecordPurchase(r.Context(), tenantID, req.BuyerUUID, req.PurchaseUUID, bv)
	if err != nil {
		status, code := propagationErrorStatus(err)
		writeError(w, r, status, code, "purchase propagation failed")
		return
	}

	type updateView struct {
		AncestorUUID string `json:"ancestor_uuid"`
		LegCredited  string `json:"leg_credited"`
		NewLeftBV    string `json:"new_left_bv"`
		NewRightBV   string `json:"new_right_bv"`
		NewTotalBV   string `json:"new_total_bv"`
		NewRank      string `json:"new_rank"`
		RankAdvanced bool   `json:"rank_advanced"`
	}
	out := make([]updateView, 0, len(updates))
	for _, u := range updates {
		out = append(out, updateView{
			AncestorUUID: u.AncestorUUID,
			LegCredited:  string(u.LegCredited),
			NewLeftBV:    u.NewLeftBV.StringFixed(2),
			NewRightBV:   u.NewRightBV.StringFixed(2),
			NewTotalBV:   u.NewTotalBV.StringFixed(2),
			NewRank:      string(u.NewRank),
			RankAdvanced: u.RankAdvanced,
		})
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"buyer_uuid":       req.BuyerUUID,
		"purchase_uuid":    req.PurchaseUUID,
		"bv_amount":        bv.StringFixed(2),
		"ancestor_updates": out,
	})
}

// HandleTreeAPI returns a member's node plus its immediate children. With
// no member_uuid it starts at the tenant root.
func (c GenealogyController) HandleTreeAPI(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := c.TenantID(r.Context())
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	memberUUID := strings.TrimSpace(r.URL.Query().Get("member_uuid"))

	var node types.MemberNode
	var err error
	if memberUUID == "" {
		node, err = c.Tree.GetRoot(r.Context(), tenantID)
	} else {
		node, err = c.Tree.GetNode(r.Context(), tenantID, memberUUID)
	}
	if err != nil {
		if errors.Is(err, ports.ErrMemberNotFound) || errors.Is(err, ports.ErrRootNotFound) {
			writeError(w, r, http.StatusNotFound, "GENEALOGY_MEMBER_NOT_FOUND", "member not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	children := make([]nodeAPIView, 0, 2)
	for _, childUUID := range []string{node.LeftChildUUID, node.RightChildUUID} {
		if childUUID == "" {
			continue
		}
		child, err := c.Tree.GetNode(r.Context(), tenantID, childUUID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
			return
		}
		children = append(children, nodeView(child))
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"node":     nodeView(node),
		"children": children,
	})
}

func placementErrorStatus(err error) (int, string) {
	switch {
	case httperr.IsBadRequest(err):
		return http.StatusBadRequest, "invalid_request"
	case httperr.IsConflict(err):
		return http.StatusConflict, "GENEALOGY_MEMBER_ALREADY_PLACED"
	case errors.Is(err, ports.ErrSponsorNotFound):
		return http.StatusUnprocessableEntity, "GENEALOGY_SPONSOR_NOT_FOUND"
	case errors.Is(err, ports.ErrMemberNotFound):
		return http.StatusUnprocessableEntity, "GENEALOGY_PARENT_NOT_FOUND"
	case errors.Is(err, ports.ErrRootExists):
		return http.StatusConflict, "GENEALOGY_ROOT_EXISTS"
	case errors.Is(err, ports.ErrSlotOccupied):
		return http.StatusConflict, "GENEALOGY_SLOT_OCCUPIED"
	case errors.Is(err, ports.ErrConcurrentPlacementConflict):
		return http.StatusConflict, "GENEALOGY_PLACEMENT_CONFLICT"
	case errors.Is(err, ports.ErrCycleDetected):
		return http.StatusUnprocessableEntity, "GENEALOGY_TREE_CORRUPTED"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func propagationErrorStatus(err error) (int, string) {
	switch {
	case httperr.IsBadRequest(err):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ports.ErrBuyerNotFound):
		return http.StatusUnprocessableEntity, "GENEALOGY_BUYER_NOT_FOUND"
	case errors.Is(err, ports.ErrCycleDetected):
		return http.StatusUnprocessableEntity, "GENEALOGY_TREE_CORRUPTED"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

type errorEnvelope struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	TraceID string            `json:"trace_id"`
	Meta    errorEnvelopeMeta `json:"meta"`
}

type errorEnvelopeMeta struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Code:    code,
		Message: message,
		TraceID: traceIDFromRequest(r),
		Meta: errorEnvelopeMeta{
			Path:   r.URL.Path,
			Method: r.Method,
		},
	})
}

func traceIDFromRequest(r *http.Request) string {
	traceparent := strings.TrimSpace(r.Header.Get("traceparent"))
	if traceparent == "" {
		return ""
	}
	parts := strings.Split(traceparent, "-")
	if len(parts) != 4 {
		return ""
	}
	traceID := strings.ToLower(parts[1])
	if len(traceID) != 32 || traceID == "00000000000000000000000000000000" {
		return ""
	}
	for _, ch := range traceID {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return ""
		}
	}
	return traceID
}
