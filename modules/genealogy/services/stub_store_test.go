package services

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/ports"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
)

type treeStoreStub struct {
	getNodeFn          func(ctx context.Context, tenantID string, memberUUID string) (types.MemberNode, error)
	getRootFn          func(ctx context.Context, tenantID string) (types.MemberNode, error)
	listNodesFn        func(ctx context.Context, tenantID string) ([]types.MemberNode, error)
	createNodeFn       func(ctx context.Context, tenantID string, n ports.NewNode) (types.MemberNode, error)
	applyPropagationFn func(ctx context.Context, tenantID string, buyerUUID string, purchaseUUID string, bv decimal.Decimal, credits []ports.LegCredit, rank ports.RankFunc) ([]types.AncestorUpdate, error)
}

func (s treeStoreStub) GetNode(ctx context.Context, tenantID string, memberUUID string) (types.MemberNode, error) {
	if s.getNodeFn == nil {
		return types.MemberNode{}, errors.New("GetNode not stubbed")
	}
	return s.getNodeFn(ctx, tenantID, memberUUID)
}

func (s treeStoreStub) GetRoot(ctx context.Context, tenantID string) (types.MemberNode, error) {
	if s.getRootFn == nil {
		return types.MemberNode{}, errors.New("GetRoot not stubbed")
	}
	return s.getRootFn(ctx, tenantID)
}

func (s treeStoreStub) ListNodes(ctx context.Context, tenantID string) ([]types.MemberNode, error) {
	if s.listNodesFn == nil {
		return nil, errors.New("ListNodes not stubbed")
	}
	return s.listNodesFn(ctx, tenantID)
}

func (s treeStoreStub) CreateNode(ctx context.Context, tenantID string, n ports.NewNode) (types.MemberNode, error) {
	if s.createNodeFn == nil {
		return types.MemberNode{}, errors.New("CreateNode not stubbed")
	}
	return s.createNodeFn(ctx, tenantID, n)
}

func (s treeStoreStub) ApplyPropagation(ctx context.Context, tenantID string, buyerUUID string, purchaseUUID string, bv decimal.Decimal, credits []ports.LegCredit, rank ports.RankFunc) ([]types.AncestorUpdate, error) {
	if s.applyPropagationFn == nil {
		return nil, errors.New("ApplyPropagation not stubbed")
	}
	return s.applyPropagationFn(ctx, tenantID, buyerUUID, purchaseUUID, bv, credits, rank)
}

// nodesByUUID builds a getNodeFn over a fixed node set.
func nodesByUUID(nodes ...types.MemberNode) func(ctx context.Context, tenantID string, memberUUID string) (types.MemberNode, error) {
	byUUID := make(map[string]types.MemberNode, len(nodes))
	for _, n := range nodes {
		byUUID[n.MemberUUID] = n
	}
	return func(_ context.Context, _ string, memberUUID string) (types.MemberNode, error) {
		n, ok := byUUID[memberUUID]
		if !ok {
			return types.MemberNode{}, ports.ErrMemberNotFound
		}
		return n, nil
	}
}
