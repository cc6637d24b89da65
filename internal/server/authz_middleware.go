package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/samerth-ccp/voltvera-portal/internal/routing"
	"github.com/samerth-ccp/voltvera-portal/pkg/authz"
)

func loadAuthorizer() (*authz.Authorizer, error) {
	modelPath := os.Getenv("AUTHZ_MODEL_PATH")
	if modelPath == "" {
		p, err := defaultAuthzModelPath()
		if err != nil {
			return nil, err
		}
		modelPath = p
	}

	policyPath := os.Getenv("AUTHZ_POLICY_PATH")
	if policyPath == "" {
		p, err := defaultAuthzPolicyPath()
		if err != nil {
			return nil, err
		}
		policyPath = p
	}

	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}

	return authz.NewAuthorizer(modelPath, policyPath, mode)
}

func defaultAuthzModelPath() (string, error) {
	path := "config/access/model.conf"
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz model not found")
}

func defaultAuthzPolicyPath() (string, error) {
	path := "config/access/policy.csv"
	for i := 0; i < 8; i++ {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz policy not found")
}

type authorizer interface {
	Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error)
}

func withAuthz(classifier *routing.Classifier, a authorizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := routing.RouteClassInternalAPI
		if classifier != nil {
			rc = classifier.Classify(path)
		}

		switch path {
		case "/health", "/healthz":
			next.ServeHTTP(w, r)
			return
		}

		tenant, ok := currentTenant(r.Context())
		if !ok {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "tenant_missing", "tenant missing")
			return
		}

		roleSlug := authz.RoleAnonymous
		if actor, ok := currentActor(r.Context()); ok {
			roleSlug = actor.RoleSlug
		}

		subject := authz.SubjectFromRoleSlug(roleSlug)
		domain := authz.DomainFromTenantID(tenant.ID)

		object, action, shouldCheck := authzRequirementForRoute(r.Method, path)
		if !shouldCheck {
			next.ServeHTTP(w, r)
			return
		}

		allowed, enforced, err := a.Authorize(subject, domain, object, action)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "authz_error", "authz error")
			return
		}
		if enforced && !allowed {
			routing.WriteError(w, r, rc, http.StatusForbidden, "forbidden", "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func authzRequirementForRoute(method string, path string) (object string, action string, ok bool) {
	switch path {
	case "/api/members", "/api/members/detail", "/api/members:options":
		if method == http.MethodGet {
			return authz.ObjectMembersMembers, authz.ActionRead, true
		}
		return "", "", false
	case "/api/recruits":
		if method == http.MethodGet {
			return authz.ObjectMembersRecruits, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectMembersRecruits, authz.ActionWrite, true
		}
		return "", "", false
	case "/api/recruits/approve", "/api/recruits/reject":
		if method == http.MethodPost {
			return authz.ObjectMembersRecruits, authz.ActionAdmin, true
		}
		return "", "", false
	case "/api/genealogy/tree":
		if method == http.MethodGet {
			return authz.ObjectGenealogyTree, authz.ActionRead, true
		}
		return "", "", false
	case "/api/genealogy/placements":
		if method == http.MethodPost {
			return authz.ObjectGenealogyPlacements, authz.ActionAdmin, true
		}
		return "", "", false
	case "/api/genealogy/purchases":
		if method == http.MethodPost {
			return authz.ObjectGenealogyPurchases, authz.ActionAdmin, true
		}
		return "", "", false
	case "/api/catalog/products":
		if method == http.MethodGet {
			return authz.ObjectCatalogProducts, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectCatalogProducts, authz.ActionAdmin, true
		}
		return "", "", false
	case "/api/catalog/products/update":
		if method == http.MethodPost {
			return authz.ObjectCatalogProducts, authz.ActionAdmin, true
		}
		return "", "", false
	case "/api/purchases":
		if method == http.MethodGet {
			return authz.ObjectCatalogPurchases, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectCatalogPurchases, authz.ActionWrite, true
		}
		return "", "", false
	case "/api/purchases/mark-paid":
		if method == http.MethodPost {
			return authz.ObjectCatalogPurchases, authz.ActionAdmin, true
		}
		return "", "", false
	case "/api/wallet/balance":
		if method == http.MethodGet {
			return authz.ObjectWalletAccounts, authz.ActionRead, true
		}
		return "", "", false
	case "/api/wallet/credit":
		if method == http.MethodPost {
			return authz.ObjectWalletAccounts, authz.ActionAdmin, true
		}
		return "", "", false
	case "/api/wallet/withdrawals":
		if method == http.MethodGet {
			return authz.ObjectWalletWithdrawals, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectWalletWithdrawals, authz.ActionWrite, true
		}
		return "", "", false
	case "/api/wallet/withdrawals/approve", "/api/wallet/withdrawals/reject":
		if method == http.MethodPost {
			return authz.ObjectWalletWithdrawals, authz.ActionAdmin, true
		}
		return "", "", false
	case "/api/kyc/documents":
		if method == http.MethodGet {
			return authz.ObjectKYCDocuments, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectKYCDocuments, authz.ActionWrite, true
		}
		return "", "", false
	case "/api/kyc/documents/review":
		if method == http.MethodPost {
			return authz.ObjectKYCDocuments, authz.ActionAdmin, true
		}
		return "", "", false
	case "/internal/api/rules/withdrawals/evaluate":
		if method == http.MethodPost {
			return authz.ObjectRulesWithdrawals, authz.ActionRead, true
		}
		return "", "", false
	default:
		return "", "", false
	}
}
