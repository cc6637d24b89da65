package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/ports"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
	"github.com/samerth-ccp/voltvera-portal/pkg/httperr"
)

// TreeMemoryStore mirrors the pg store's semantics in process memory. It
// backs tests and handler wiring without a database.
type TreeMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string]map[string]*types.MemberNode
	roots    map[string]string
}

func NewTreeMemoryStore() *TreeMemoryStore {
	return &TreeMemoryStore{
		byTenant: make(map[string]map[string]*types.MemberNode),
		roots:    make(map[string]string),
	}
}

func (s *TreeMemoryStore) GetNode(_ context.Context, tenantID string, memberUUID string) (types.MemberNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byTenant[tenantID][memberUUID]
	if !ok {
		return types.MemberNode{}, ports.ErrMemberNotFound
	}
	return *n, nil
}

func (s *TreeMemoryStore) GetRoot(_ context.Context, tenantID string) (types.MemberNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rootUUID, ok := s.roots[tenantID]
	if !ok {
		return types.MemberNode{}, ports.ErrRootNotFound
	}
	return *s.byTenant[tenantID][rootUUID], nil
}

func (s *TreeMemoryStore) ListNodes(_ context.Context, tenantID string) ([]types.MemberNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := make([]types.MemberNode, 0, len(s.byTenant[tenantID]))
	for _, n := range s.byTenant[tenantID] {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Level != nodes[j].Level {
			return nodes[i].Level < nodes[j].Level
		}
		return nodes[i].MemberUUID < nodes[j].MemberUUID
	})
	return nodes, nil
}

func (s *TreeMemoryStore) CreateNode(_ context.Context, tenantID string, n ports.NewNode) (types.MemberNode, error) {
	if strings.TrimSpace(n.MemberUUID) == "" {
		return types.MemberNode{}, httperr.NewBadRequest("member uuid is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byTenant[tenantID] == nil {
		s.byTenant[tenantID] = make(map[string]*types.MemberNode)
	}
	nodes := s.byTenant[tenantID]

	if _, exists := nodes[n.MemberUUID]; exists {
		return types.MemberNode{}, httperr.NewConflict("member already placed")
	}

	node := &types.MemberNode{
		MemberUUID:  n.MemberUUID,
		SponsorUUID: n.SponsorUUID,
		ParentUUID:  n.ParentUUID,
		Position:    n.Position,
		Level:       n.Level,
		CurrentRank: types.RankExecutive,
		CreatedAt:   time.Now().UTC(),
	}

	if n.ParentUUID == "" {
		if _, ok := s.roots[tenantID]; ok {
			return types.MemberNode{}, ports.ErrRootExists
		}
		s.roots[tenantID] = n.MemberUUID
		nodes[n.MemberUUID] = node
		return *node, nil
	}

	parent, ok := nodes[n.ParentUUID]
	if !ok {
		return types.MemberNode{}, ports.ErrMemberNotFound
	}
	if parent.ChildUUID(n.Position) != "" {
		return types.MemberNode{}, ports.ErrSlotOccupied
	}

	if n.Position == types.PositionLeft {
		parent.LeftChildUUID = n.MemberUUID
	} else {
		parent.RightChildUUID = n.MemberUUID
	}
	nodes[n.MemberUUID] = node

	if sponsor, ok := nodes[n.SponsorUUID]; ok {
		sponsor.TotalDirects++
		if n.Position == types.PositionLeft {
			sponsor.LeftDirects++
		} else {
			sponsor.RightDirects++
		}
	}

	return *node, nil
}

// ApplyPropagation holds the store mutex across every credit's
// read-modify-write, so concurrent purchases sharing an ancestor serialize
// and neither credit is lost.
func (s *TreeMemoryStore) ApplyPropagation(_ context.Context, tenantID string, _ string, _ string, bv decimal.Decimal, credits []ports.LegCredit, rank ports.RankFunc) ([]types.AncestorUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := s.byTenant[tenantID]
	for _, c := range credits {
		if _, ok := nodes[c.AncestorUUID]; !ok {
			return nil, ports.ErrMemberNotFound
		}
	}

	updates := make([]types.AncestorUpdate, 0, len(credits))
	for _, c := range credits {
		n := nodes[c.AncestorUUID]
		if c.Leg == types.PositionLeft {
			n.LeftBV = n.LeftBV.Add(bv)
		} else {
			n.RightBV = n.RightBV.Add(bv)
		}
		n.TotalBV = n.TotalBV.Add(bv)
		newRank, advanced := rank(*n)
		n.CurrentRank = newRank

		updates = append(updates, types.AncestorUpdate{
			AncestorUUID: c.AncestorUUID,
			LegCredited:  c.Leg,
			NewLeftBV:    n.LeftBV,
			NewRightBV:   n.RightBV,
			NewTotalBV:   n.TotalBV,
			NewRank:      newRank,
			RankAdvanced: advanced,
		})
	}
	return updates, nil
}
