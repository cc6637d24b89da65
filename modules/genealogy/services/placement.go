package services

import (
	"context"
	"errors"
	"strings"

	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/ports"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
	"github.com/samerth-ccp/voltvera-portal/pkg/httperr"
)

// maxTreeDepth bounds every parent/child chain walk. The tree invariants
// forbid cycles, but a corrupted store must fail instead of spinning.
const maxTreeDepth = 512

// placementRetries bounds how often an auto placement re-resolves after
// losing a slot race before giving up.
const placementRetries = 3

// PlacementRequest describes one insertion into the tree.
type PlacementRequest struct {
	MemberUUID    string
	SponsorUUID   string
	RequestedSide types.Position
	Mode          types.PlacementMode
	// StrategicParentUUID names the exact parent for strategic mode.
	StrategicParentUUID string
}

func (req PlacementRequest) validate() error {
	if strings.TrimSpace(req.MemberUUID) == "" {
		return httperr.NewBadRequest("member uuid is required")
	}
	switch req.Mode {
	case types.PlacementModeRoot:
		return nil
	case types.PlacementModeAuto:
		if strings.TrimSpace(req.SponsorUUID) == "" {
			return httperr.NewBadRequest("sponsor uuid is required")
		}
	case types.PlacementModeStrategic:
		if strings.TrimSpace(req.SponsorUUID) == "" {
			return httperr.NewBadRequest("sponsor uuid is required")
		}
		if strings.TrimSpace(req.StrategicParentUUID) == "" {
			return httperr.NewBadRequest("strategic placement requires a parent uuid")
		}
	default:
		return httperr.NewBadRequest("invalid placement mode")
	}
	if _, ok := types.ParsePosition(string(req.RequestedSide)); !ok {
		return httperr.NewBadRequest("requested side must be left or right")
	}
	return nil
}

// Placement is the concrete empty slot a request resolved to.
type Placement struct {
	ParentUUID string
	Position   types.Position
	Level      int
}

// PlacementResolver finds the slot a request should fill. It is a pure
// query over the tree store; it never writes.
type PlacementResolver struct {
	store ports.TreeStore
}

func NewPlacementResolver(store ports.TreeStore) PlacementResolver {
	return PlacementResolver{store: store}
}

// Resolve returns the parent, position and level for the request.
//
// Auto mode uses single-line spillover: starting at the sponsor, if the
// requested-side slot is free the recruit goes there; otherwise the search
// descends into the requested-side child and repeats. The recruit always
// lands on the requested side of some node down that one line, which keeps
// the fill order deterministic.
func (r PlacementResolver) Resolve(ctx context.Context, tenantID string, req PlacementRequest) (Placement, error) {
	if err := req.validate(); err != nil {
		return Placement{}, err
	}

	switch req.Mode {
	case types.PlacementModeRoot:
		_, err := r.store.GetRoot(ctx, tenantID)
		if err == nil {
			return Placement{}, ports.ErrRootExists
		}
		if !errors.Is(err, ports.ErrRootNotFound) {
			return Placement{}, err
		}
		return Placement{Level: 0}, nil

	case types.PlacementModeStrategic:
		parent, err := r.store.GetNode(ctx, tenantID, req.StrategicParentUUID)
		if err != nil {
			return Placement{}, err
		}
		if parent.ChildUUID(req.RequestedSide) != "" {
			return Placement{}, ports.ErrSlotOccupied
		}
		return Placement{ParentUUID: parent.MemberUUID, Position: req.RequestedSide, Level: parent.Level + 1}, nil

	default: // auto
		node, err := r.store.GetNode(ctx, tenantID, req.SponsorUUID)
		if err != nil {
			if errors.Is(err, ports.ErrMemberNotFound) {
				return Placement{}, ports.ErrSponsorNotFound
			}
			return Placement{}, err
		}
		for depth := 0; depth < maxTreeDepth; depth++ {
			child := node.ChildUUID(req.RequestedSide)
			if child == "" {
				return Placement{ParentUUID: node.MemberUUID, Position: req.RequestedSide, Level: node.Level + 1}, nil
			}
			node, err = r.store.GetNode(ctx, tenantID, child)
			if err != nil {
				return Placement{}, err
			}
		}
		return Placement{}, ports.ErrCycleDetected
	}
}

// PlacementService resolves a slot and creates the node. Resolve and
// insert are separate store calls, so a concurrent placement can fill the
// resolved slot first; the store's occupancy constraint catches that and
// auto mode re-resolves a bounded number of times.
type PlacementService struct {
	store    ports.TreeStore
	resolver PlacementResolver
}

func NewPlacementService(store ports.TreeStore) PlacementService {
	return PlacementService{store: store, resolver: NewPlacementResolver(store)}
}

// Resolver exposes the underlying pure resolver.
func (s PlacementService) Resolver() PlacementResolver { return s.resolver }

// PlaceNewMember inserts the member at the slot the request resolves to
// and returns the created node.
func (s PlacementService) PlaceNewMember(ctx context.Context, tenantID string, req PlacementRequest) (types.MemberNode, error) {
	attempts := 1
	if req.Mode == types.PlacementModeAuto {
		attempts = placementRetries
	}

	for attempt := 0; attempt < attempts; attempt++ {
		placement, err := s.resolver.Resolve(ctx, tenantID, req)
		if err != nil {
			return types.MemberNode{}, err
		}

		node, err := s.store.CreateNode(ctx, tenantID, ports.NewNode{
			MemberUUID:  req.MemberUUID,
			SponsorUUID: req.SponsorUUID,
			ParentUUID:  placement.ParentUUID,
			Position:    placement.Position,
			Level:       placement.Level,
		})
		if err == nil {
			return node, nil
		}
		if req.Mode == types.PlacementModeAuto && errors.Is(err, ports.ErrSlotOccupied) {
			// Lost the race; resolve again from a fresh view.
			continue
		}
		return types.MemberNode{}, err
	}
	return types.MemberNode{}, ports.ErrConcurrentPlacementConflict
}
