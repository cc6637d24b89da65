package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/samerth-ccp/voltvera-portal/internal/routing"
	genealogyports "github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/ports"
	genealogytypes "github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/types"
	genealogypersistence "github.com/samerth-ccp/voltvera-portal/modules/genealogy/infrastructure/persistence"
	genealogycontrollers "github.com/samerth-ccp/voltvera-portal/modules/genealogy/presentation/controllers"
	"github.com/samerth-ccp/voltvera-portal/modules/genealogy/services"
)

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

type HandlerOptions struct {
	TenancyResolver TenancyResolver
	SessionVerifier *sessionVerifier
	TreeStore       genealogyports.TreeStore
	MemberStore     MemberStore
	RecruitStore    RecruitStore
	ProductStore    ProductStore
	PurchaseStore   PurchaseStore
	WalletStore     WalletStore
	KYCStore        KYCStore
	RankPlan        *genealogytypes.RankPlan
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	allowlistPath := os.Getenv("ALLOWLIST_PATH")
	if allowlistPath == "" {
		p, err := defaultAllowlistPath()
		if err != nil {
			return nil, err
		}
		allowlistPath = p
	}

	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}

	classifier, err := routing.NewClassifier(a, "server")
	if err != nil {
		return nil, err
	}

	treeStore := opts.TreeStore
	memberStore := opts.MemberStore
	recruitStore := opts.RecruitStore
	productStore := opts.ProductStore
	purchaseStore := opts.PurchaseStore
	walletStore := opts.WalletStore
	kycStore := opts.KYCStore
	tenancyResolver := opts.TenancyResolver

	var pgPool *pgxpool.Pool
	if treeStore == nil {
		dsn := dbDSNFromEnv()
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return nil, err
		}
		pgPool = pool
		treeStore = genealogypersistence.NewTreePGStore(pgPool)
	}

	if memberStore == nil {
		if pgPool != nil {
			memberStore = newMemberPGStore(pgPool)
		} else {
			memberStore = newMemberMemoryStore()
		}
	}
	if recruitStore == nil {
		if pgPool != nil {
			recruitStore = newRecruitPGStore(pgPool)
		} else {
			recruitStore = newRecruitMemoryStore()
		}
	}
	if productStore == nil {
		if pgPool != nil {
			productStore = newProductPGStore(pgPool)
		} else {
			productStore = newProductMemoryStore()
		}
	}
	if purchaseStore == nil {
		if pgPool != nil {
			purchaseStore = newPurchasePGStore(pgPool)
		} else {
			purchaseStore = newPurchaseMemoryStore()
		}
	}
	if walletStore == nil {
		if pgPool != nil {
			walletStore = newWalletPGStore(pgPool)
		} else {
			walletStore = newWalletMemoryStore()
		}
	}
	if kycStore == nil {
		if pgPool != nil {
			kycStore = newKYCPGStore(pgPool)
		} else {
			kycStore = newKYCMemoryStore()
		}
	}

	var rankPlan genealogytypes.RankPlan
	if opts.RankPlan != nil {
		rankPlan = *opts.RankPlan
	} else {
		loaded, err := genealogytypes.LoadRankPlan(rankPlanPathFromEnv())
		if err != nil {
			return nil, err
		}
		rankPlan = loaded
	}

	placements := services.NewPlacementService(treeStore)
	propagation := services.NewPropagationEngine(treeStore, rankPlan)

	router := routing.NewRouter(classifier)

	authorizer, err := loadAuthorizer()
	if err != nil {
		return nil, err
	}

	if tenancyResolver == nil {
		if pgPool != nil {
			tenancyResolver = newTenancyDBResolver(pgPool)
		} else {
			resolver, err := singleTenantResolverFromEnv()
			if err != nil {
				return nil, errors.New("server: missing tenancy resolver (set HandlerOptions.TenancyResolver or TENANT_ID)")
			}
			tenancyResolver = resolver
		}
	}

	verifier := opts.SessionVerifier
	if verifier == nil {
		v, err := newSessionVerifierFromEnv()
		if err != nil {
			return nil, err
		}
		verifier = &v
	}

	router.Handle(routing.RouteClassOps, http.MethodGet, "/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/api/members", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleMembersAPI(w, r, memberStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/api/members/detail", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleMemberDetailAPI(w, r, memberStore, treeStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/api/members:options", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleMemberOptionsAPI(w, r, memberStore)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/api/recruits", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleRecruitsAPI(w, r, recruitStore, memberStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/api/recruits", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleRecruitsAPI(w, r, recruitStore, memberStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/api/recruits/approve", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleRecruitApproveAPI(w, r, recruitStore, memberStore, placements)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/api/recruits/reject", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleRecruitRejectAPI(w, r, recruitStore)
	}))

	genealogy := &genealogycontrollers.GenealogyController{
		TenantID: func(ctx context.Context) (string, bool) {
			t, ok := currentTenant(ctx)
			return t.ID, ok
		},
		Placements:  placements,
		Propagation: propagation,
		Tree:        treeStore,
	}
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/api/genealogy/tree", http.HandlerFunc(genealogy.HandleTreeAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/api/genealogy/placements", http.HandlerFunc(genealogy.HandlePlacementsAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/api/genealogy/purchases", http.HandlerFunc(genealogy.HandlePurchasesAPI))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/api/catalog/products", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleProductsAPI(w, r, productStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/api/catalog/products", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleProductsAPI(w, r, productStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/api/catalog/products/update", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleProductUpdateAPI(w, r, productStore)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/api/purchases", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOrdersAPI(w, r, purchaseStore, productStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/api/purchases", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOrdersAPI(w, r, purchaseStore, productStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/api/purchases/mark-paid", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOrderMarkPaidAPI(w, r, purchaseStore, propagation)
	}))

	withdrawalRules := newWithdrawalRuleEngine()

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/api/wallet/balance", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleWalletBalanceAPI(w, r, walletStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/api/wallet/credit", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleWalletCreditAPI(w, r, walletStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/api/wallet/withdrawals", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleWithdrawalsAPI(w, r, walletStore, kycStore, treeStore, withdrawalRules)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/api/wallet/withdrawals", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleWithdrawalsAPI(w, r, walletStore, kycStore, treeStore, withdrawalRules)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/api/wallet/withdrawals/approve", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleWithdrawalApproveAPI(w, r, walletStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/api/wallet/withdrawals/reject", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleWithdrawalRejectAPI(w, r, walletStore)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/api/kyc/documents", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleKYCDocumentsAPI(w, r, kycStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/api/kyc/documents", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleKYCDocumentsAPI(w, r, kycStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/api/kyc/documents/review", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleKYCReviewAPI(w, r, kycStore)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/internal/api/rules/withdrawals/evaluate", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleWithdrawalRulesEvaluateAPI(w, r, withdrawalRules, walletStore, kycStore, treeStore)
	}))

	var entrypoint http.Handler = router
	guarded := withTenantAndSession(classifier, tenancyResolver, *verifier, withAuthz(classifier, authorizer, entrypoint))

	return guarded, nil
}

func MustNewHandler() http.Handler {
	h, err := NewHandler()
	if err != nil {
		panic(err)
	}
	return h
}

func defaultAllowlistPath() (string, error) {
	path := filepath.Join("config", "routing", "allowlist.yaml")
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: allowlist not found")
}

func rankPlanPathFromEnv() string {
	if p := os.Getenv("RANK_PLAN_PATH"); p != "" {
		return p
	}
	path := filepath.Join("config", "rankplan.yaml")
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		path = filepath.Join("..", path)
	}
	// LoadRankPlan falls back to the built-in plan for an empty path.
	return ""
}

// withTenantAndSession resolves the tenant from the request host and the
// actor from the bearer token, then stores both on the context. Health
// endpoints bypass both; every other route requires a valid session.
func withTenantAndSession(classifier *routing.Classifier, tenants TenancyResolver, verifier sessionVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := routing.RouteClassInternalAPI
		if classifier != nil {
			rc = classifier.Classify(path)
		}

		if path == "/health" || path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		host := effectiveHost(r)
		t, ok, err := tenants.ResolveTenant(r.Context(), host)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "tenant_resolve_error", "tenant resolve error")
			return
		}
		if !ok {
			routing.WriteError(w, r, rc, http.StatusNotFound, "unknown_tenant", "unknown tenant")
			return
		}
		r = r.WithContext(withTenant(r.Context(), t))

		token, ok := bearerToken(r)
		if !ok {
			routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		actor, err := verifier.verify(token)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		r = r.WithContext(withActor(r.Context(), actor))

		next.ServeHTTP(w, r)
	})
}
