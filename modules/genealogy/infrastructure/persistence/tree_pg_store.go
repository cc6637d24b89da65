package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/ports"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TreePGStore persists member nodes in genealogy.member_nodes. Slot
// occupancy is guaranteed by the member_nodes_slot_unique index on
// (tenant_uuid, parent_uuid, position) and root uniqueness by the partial
// member_nodes_one_root index; the losing writer of a race surfaces
// ErrSlotOccupied / ErrRootExists from the constraint violation.
type TreePGStore struct {
	pool pgBeginner
}

func NewTreePGStore(pool pgBeginner) *TreePGStore {
	return &TreePGStore{pool: pool}
}

const nodeColumns = `
member_uuid::text, sponsor_uuid::text, parent_uuid::text, position, level,
left_child_uuid::text, right_child_uuid::text,
left_bv::text, right_bv::text, total_bv::text,
total_directs, left_directs, right_directs,
current_rank, created_at`

func scanNode(row pgx.Row) (types.MemberNode, error) {
	var n types.MemberNode
	var sponsor, parent, position, leftChild, rightChild *string
	var leftBV, rightBV, totalBV string
	var rank string
	if err := row.Scan(
		&n.MemberUUID, &sponsor, &parent, &position, &n.Level,
		&leftChild, &rightChild,
		&leftBV, &rightBV, &totalBV,
		&n.TotalDirects, &n.LeftDirects, &n.RightDirects,
		&rank, &n.CreatedAt,
	); err != nil {
		return types.MemberNode{}, err
	}
	if sponsor != nil {
		n.SponsorUUID = *sponsor
	}
	if parent != nil {
		n.ParentUUID = *parent
	}
	if position != nil {
		n.Position = types.Position(*position)
	}
	if leftChild != nil {
		n.LeftChildUUID = *leftChild
	}
	if rightChild != nil {
		n.RightChildUUID = *rightChild
	}

	var err error
	if n.LeftBV, err = decimal.NewFromString(leftBV); err != nil {
		return types.MemberNode{}, err
	}
	if n.RightBV, err = decimal.NewFromString(rightBV); err != nil {
		return types.MemberNode{}, err
	}
	if n.TotalBV, err = decimal.NewFromString(totalBV); err != nil {
		return types.MemberNode{}, err
	}
	n.CurrentRank = types.Rank(rank)
	return n, nil
}

func (s *TreePGStore) GetNode(ctx context.Context, tenantID string, memberUUID string) (types.MemberNode, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.MemberNode{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.MemberNode{}, err
	}

	n, err := scanNode(tx.QueryRow(ctx, `
SELECT `+nodeColumns+`
FROM genealogy.member_nodes
WHERE tenant_uuid = $1::uuid AND member_uuid = $2::uuid
`, tenantID, memberUUID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.MemberNode{}, ports.ErrMemberNotFound
		}
		return types.MemberNode{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.MemberNode{}, err
	}
	return n, nil
}

func (s *TreePGStore) GetRoot(ctx context.Context, tenantID string) (types.MemberNode, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.MemberNode{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.MemberNode{}, err
	}

	n, err := scanNode(tx.QueryRow(ctx, `
SELECT `+nodeColumns+`
FROM genealogy.member_nodes
WHERE tenant_uuid = $1::uuid AND parent_uuid IS NULL
`, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.MemberNode{}, ports.ErrRootNotFound
		}
		return types.MemberNode{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.MemberNode{}, err
	}
	return n, nil
}

func (s *TreePGStore) ListNodes(ctx context.Context, tenantID string) ([]types.MemberNode, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT `+nodeColumns+`
FROM genealogy.member_nodes
WHERE tenant_uuid = $1::uuid
ORDER BY level ASC, member_uuid ASC
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.MemberNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *TreePGStore) CreateNode(ctx context.Context, tenantID string, n ports.NewNode) (types.MemberNode, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.MemberNode{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return types.MemberNode{}, err
	}

	var sponsor, parent, position any
	if n.SponsorUUID != "" {
		sponsor = n.SponsorUUID
	}
	if n.ParentUUID != "" {
		parent = n.ParentUUID
		position = string(n.Position)
	}

	created, err := scanNode(tx.QueryRow(ctx, `
INSERT INTO genealogy.member_nodes
  (tenant_uuid, member_uuid, sponsor_uuid, parent_uuid, position, level,
   left_bv, right_bv, total_bv, total_directs, left_directs, right_directs, current_rank)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::uuid, $5::text, $6::int, 0, 0, 0, 0, 0, 0, 'executive')
RETURNING `+nodeColumns+`
`, tenantID, n.MemberUUID, sponsor, parent, position, n.Level))
	if err != nil {
		return types.MemberNode{}, mapPlacementPgError(err, n)
	}

	if n.ParentUUID != "" {
		childColumn := "left_child_uuid"
		if n.Position == types.PositionRight {
			childColumn = "right_child_uuid"
		}
		tag, err := tx.Exec(ctx, `
UPDATE genealogy.member_nodes
SET `+childColumn+` = $3::uuid
WHERE tenant_uuid = $1::uuid AND member_uuid = $2::uuid AND `+childColumn+` IS NULL
`, tenantID, n.ParentUUID, n.MemberUUID)
		if err != nil {
			return types.MemberNode{}, err
		}
		if tag.RowsAffected() == 0 {
			// Parent row missing or slot filled since the caller resolved.
			var exists bool
			if err := tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM genealogy.member_nodes WHERE tenant_uuid = $1::uuid AND member_uuid = $2::uuid)
`, tenantID, n.ParentUUID).Scan(&exists); err != nil {
				return types.MemberNode{}, err
			}
			if !exists {
				return types.MemberNode{}, ports.ErrMemberNotFound
			}
			return types.MemberNode{}, ports.ErrSlotOccupied
		}

		if n.SponsorUUID != "" {
			directsColumn := "left_directs"
			if n.Position == types.PositionRight {
				directsColumn = "right_directs"
			}
			if _, err := tx.Exec(ctx, `
UPDATE genealogy.member_nodes
SET total_directs = total_directs + 1, `+directsColumn+` = `+directsColumn+` + 1
WHERE tenant_uuid = $1::uuid AND member_uuid = $2::uuid
`, tenantID, n.SponsorUUID); err != nil {
				return types.MemberNode{}, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return types.MemberNode{}, mapPlacementPgError(err, n)
	}
	return created, nil
}

// ApplyPropagation credits every ancestor in one transaction. Each
// ancestor row is locked with FOR UPDATE before its BV is re-read, so two
// purchases sharing an ancestor serialize on the row and both credits
// land; the rank re-check runs against the locked row's post-credit
// totals.
func (s *TreePGStore) ApplyPropagation(ctx context.Context, tenantID string, buyerUUID string, purchaseUUID string, bv decimal.Decimal, credits []ports.LegCredit, rank ports.RankFunc) ([]types.AncestorUpdate, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	updates := make([]types.AncestorUpdate, 0, len(credits))
	for _, c := range credits {
		n, err := scanNode(tx.QueryRow(ctx, `
SELECT `+nodeColumns+`
FROM genealogy.member_nodes
WHERE tenant_uuid = $1::uuid AND member_uuid = $2::uuid
FOR UPDATE
`, tenantID, c.AncestorUUID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ports.ErrMemberNotFound
			}
			return nil, err
		}

		if c.Leg == types.PositionLeft {
			n.LeftBV = n.LeftBV.Add(bv)
		} else {
			n.RightBV = n.RightBV.Add(bv)
		}
		n.TotalBV = n.TotalBV.Add(bv)
		newRank, advanced := rank(n)

		if _, err := tx.Exec(ctx, `
UPDATE genealogy.member_nodes
SET left_bv = $3::numeric, right_bv = $4::numeric, total_bv = $5::numeric, current_rank = $6::text
WHERE tenant_uuid = $1::uuid AND member_uuid = $2::uuid
`, tenantID, c.AncestorUUID, n.LeftBV.String(), n.RightBV.String(), n.TotalBV.String(), string(newRank)); err != nil {
			return nil, err
		}

		if _, err := tx.Exec(ctx, `
INSERT INTO genealogy.bv_events (tenant_uuid, purchase_uuid, buyer_uuid, ancestor_uuid, leg, new_total_bv)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::uuid, $5::text, $6::numeric)
`, tenantID, purchaseUUID, buyerUUID, c.AncestorUUID, string(c.Leg), n.TotalBV.String()); err != nil {
			return nil, err
		}

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

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updates, nil
}

func mapPlacementPgError(err error, n ports.NewNode) error {
	var pgErr *pgconn.PgError
	ok := errors.As(err, &pgErr)
	if !ok || pgErr == nil {
		return err
	}
	if pgErr.Code != "23505" {
		return err
	}
	switch pgErr.ConstraintName {
	case "member_nodes_one_root":
		return ports.ErrRootExists
	case "member_nodes_slot_unique":
		return ports.ErrSlotOccupied
	case "member_nodes_pkey":
		return err
	}
	if n.ParentUUID == "" {
		return ports.ErrRootExists
	}
	return ports.ErrSlotOccupied
}
