package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/infrastructure/persistence"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/services"
	"github.com/samerth-ccp/voltvera-portal/pkg/uuidv7"
)

func main() {
	if len(os.Args) < 2 {
		fatalf("usage: dbtool <seed-root|verify-tree|rls-smoke> [args]")
	}

	switch os.Args[1] {
	case "seed-root":
		seedRoot(os.Args[2:])
	case "verify-tree":
		verifyTree(os.Args[2:])
	case "rls-smoke":
		rlsSmoke(os.Args[2:])
	default:
		fatalf("unknown subcommand: %s", os.Args[1])
	}
}

// seedRoot creates the tenant's root member and tree node. It refuses to
// run twice: the one-root constraint rejects a second seeding.
func seedRoot(args []string) {
	fs := flag.NewFlagSet("seed-root", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, tenantID, memberID, fullName string
	fs.StringVar(&url, "url", "", "postgres connection string")
	fs.StringVar(&tenantID, "tenant", "", "tenant uuid")
	fs.StringVar(&memberID, "member-id", "VV1", "root member id")
	fs.StringVar(&fullName, "full-name", "Company Root", "root member display name")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" || tenantID == "" {
		fatalf("missing --url or --tenant")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer pool.Close()

	memberUUID, err := uuidv7.NewString()
	if err != nil {
		fatal(err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()
	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		fatal(err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO members.members (tenant_uuid, member_uuid, member_id, full_name, email, role_slug, status)
VALUES ($1::uuid, $2::uuid, $3::text, $4::text, '', 'tenant-admin', 'active')
`, tenantID, memberUUID, memberID, fullName); err != nil {
		fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		fatal(err)
	}

	placements := services.NewPlacementService(persistence.NewTreePGStore(pool))
	node, err := placements.PlaceNewMember(ctx, tenantID, services.PlacementRequest{
		MemberUUID: memberUUID,
		Mode:       types.PlacementModeRoot,
	})
	if err != nil {
		fatal(err)
	}

	fmt.Printf("seeded root %s (member_id=%s, level=%d)\n", node.MemberUUID, memberID, node.Level)
}

// verifyTree walks every node of the tenant's tree and reports structural
// problems: duplicate roots, broken parent links, level gaps, cycles.
func verifyTree(args []string) {
	fs := flag.NewFlagSet("verify-tree", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url, tenantID string
	fs.StringVar(&url, "url", "", "postgres connection string")
	fs.StringVar(&tenantID, "tenant", "", "tenant uuid")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" || tenantID == "" {
		fatalf("missing --url or --tenant")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer pool.Close()

	verifier := services.NewTreeVerifier(persistence.NewTreePGStore(pool))
	problems, err := verifier.Verify(ctx, tenantID)
	if err != nil {
		fatal(err)
	}
	if len(problems) == 0 {
		fmt.Println("tree ok")
		return
	}
	for _, p := range problems {
		fmt.Fprintln(os.Stderr, p)
	}
	fatalf("%d problem(s) found", len(problems))
}

func fatal(err error) {
	if err == nil {
		os.Exit(1)
	}
	fatalf("%v", err)
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
