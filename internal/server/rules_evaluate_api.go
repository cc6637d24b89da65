package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"github.com/samerth-ccp/voltvera-portal/internal/routing"
	genealogyports "github.com/samerth-ccp/voltvera-portal/modules/genealogy/domain/ports"
)

const (
	ruleDecisionAllow = "allow"
	ruleDecisionDeny  = "deny"
)

const (
	reasonWithdrawalAllowed             = "WITHDRAWAL_ALLOWED"
	reasonWithdrawalKYCNotApproved      = "WITHDRAWAL_KYC_NOT_APPROVED"
	reasonWithdrawalInsufficientBalance = "WITHDRAWAL_INSUFFICIENT_BALANCE"
	reasonWithdrawalBelowMinimum        = "WITHDRAWAL_BELOW_MINIMUM"
	reasonWithdrawalRankTooLow          = "WITHDRAWAL_RANK_TOO_LOW"
	reasonWithdrawalPolicyMissing       = "WITHDRAWAL_POLICY_MISSING"
)

// withdrawalRuleCandidate is one rule in the tenant's withdrawal policy.
// Eligibility decides whether the rule applies to the request; among the
// applicable rules the highest priority wins (latest effective date breaks
// ties) and its decision expression produces allow or deny.
type withdrawalRuleCandidate struct {
	RuleID          string `json:"rule_id"`
	Priority        int    `json:"priority"`
	EffectiveDate   string `json:"effective_date"`
	EligibilityExpr string `json:"eligibility_expr"`
	DecisionExpr    string `json:"decision_expr"`
	ReasonCode      string `json:"reason_code"`
}

type withdrawalRuleVerdict struct {
	Decision            string
	ReasonCode          string
	SelectedRuleID      string
	CandidatesEvaluated int
	EligibilityMatched  int
}

var newWithdrawalRulesCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("ctx", cel.MapType(cel.StringType, cel.StringType)))
}

var newWithdrawalRulesCELProgram = func(env *cel.Env, ast *cel.Ast) (cel.Program, error) {
	return env.Program(ast)
}

type withdrawalRuleEngine struct {
	candidates       []withdrawalRuleCandidate
	eligibilityCache sync.Map
	decisionCache    sync.Map
}

// newWithdrawalRuleEngine builds the engine with the baseline policy.
// Deny rules carry higher priorities than the allow rule, so any deny that
// matches overrides it.
func newWithdrawalRuleEngine() *withdrawalRuleEngine {
	return &withdrawalRuleEngine{candidates: []withdrawalRuleCandidate{
		{
			RuleID:          "kyc-not-approved-deny",
			Priority:        100,
			EffectiveDate:   "2024-01-01",
			EligibilityExpr: `ctx["kyc_status"] != "approved"`,
			DecisionExpr:    `"deny"`,
			ReasonCode:      reasonWithdrawalKYCNotApproved,
		},
		{
			RuleID:          "below-minimum-deny",
			Priority:        95,
			EffectiveDate:   "2024-01-01",
			EligibilityExpr: `double(ctx["amount"]) < 100.0`,
			DecisionExpr:    `"deny"`,
			ReasonCode:      reasonWithdrawalBelowMinimum,
		},
		{
			RuleID:          "insufficient-balance-deny",
			Priority:        90,
			EffectiveDate:   "2024-01-01",
			EligibilityExpr: `double(ctx["amount"]) > double(ctx["wallet_balance"])`,
			DecisionExpr:    `"deny"`,
			ReasonCode:      reasonWithdrawalInsufficientBalance,
		},
		{
			RuleID:        "large-amount-rank-deny",
			Priority:      85,
			EffectiveDate: "2024-01-01",
			EligibilityExpr: `double(ctx["amount"]) >= 50000.0 && ` +
				`!(ctx["rank"] in ["gold_star", "emerald", "diamond", "crown_diamond", "founder"])`,
			DecisionExpr: `"deny"`,
			ReasonCode:   reasonWithdrawalRankTooLow,
		},
		{
			RuleID:          "kyc-approved-allow",
			Priority:        10,
			EffectiveDate:   "2024-01-01",
			EligibilityExpr: `ctx["kyc_status"] == "approved"`,
			DecisionExpr:    `"allow"`,
			ReasonCode:      reasonWithdrawalAllowed,
		},
	}}
}

func (e *withdrawalRuleEngine) Evaluate(ctxMap map[string]string) (withdrawalRuleVerdict, error) {
	matched := 0
	var selected *withdrawalRuleCandidate
	for i := range e.candidates {
		candidate := e.candidates[i]
		eligible, err := e.evalEligibilityExpr(candidate.EligibilityExpr, ctxMap)
		if err != nil {
			return withdrawalRuleVerdict{}, err
		}
		if !eligible {
			continue
		}
		matched++
		if selected == nil || candidate.Priority > selected.Priority ||
			(candidate.Priority == selected.Priority && candidate.EffectiveDate > selected.EffectiveDate) {
			copyCandidate := candidate
			selected = &copyCandidate
		}
	}

	verdict := withdrawalRuleVerdict{
		CandidatesEvaluated: len(e.candidates),
		EligibilityMatched:  matched,
	}
	if selected == nil {
		verdict.Decision = ruleDecisionDeny
		verdict.ReasonCode = reasonWithdrawalPolicyMissing
		return verdict, nil
	}

	decision, err := e.evalDecisionExpr(selected.DecisionExpr, ctxMap)
	if err != nil {
		return withdrawalRuleVerdict{}, err
	}
	switch decision {
	case ruleDecisionAllow, ruleDecisionDeny:
	default:
		decision = ruleDecisionDeny
	}

	verdict.Decision = decision
	verdict.SelectedRuleID = selected.RuleID
	verdict.ReasonCode = strings.TrimSpace(selected.ReasonCode)
	if verdict.ReasonCode == "" {
		if decision == ruleDecisionDeny {
			verdict.ReasonCode = reasonWithdrawalPolicyMissing
		} else {
			verdict.ReasonCode = reasonWithdrawalAllowed
		}
	}
	return verdict, nil
}

func (e *withdrawalRuleEngine) evalEligibilityExpr(expr string, ctxMap map[string]string) (bool, error) {
	program, err := loadOrCompileWithdrawalProgram(expr, cel.BoolType, &e.eligibilityCache)
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(map[string]any{"ctx": ctxMap})
	if err != nil {
		return false, err
	}
	v := out.Value().(bool)
	return v, nil
}

func (e *withdrawalRuleEngine) evalDecisionExpr(expr string, ctxMap map[string]string) (string, error) {
	program, err := loadOrCompileWithdrawalProgram(expr, cel.StringType, &e.decisionCache)
	if err != nil {
		return "", err
	}
	out, _, err := program.Eval(map[string]any{"ctx": ctxMap})
	if err != nil {
		return "", err
	}
	v := out.Value().(string)
	return strings.ToLower(strings.TrimSpace(v)), nil
}

func loadOrCompileWithdrawalProgram(expr string, outputType *cel.Type, cache *sync.Map) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression required")
	}
	if cached, ok := cache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := newWithdrawalRulesCELEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != outputType {
		return nil, errors.New("expression output type mismatch")
	}
	program, err := newWithdrawalRulesCELProgram(env, ast)
	if err != nil {
		return nil, err
	}
	cache.Store(expr, program)
	return program, nil
}

type withdrawalRulesEvaluateRequest struct {
	MemberUUID     string `json:"member_uuid"`
	Amount         string `json:"amount"`
	WithdrawalType string `json:"withdrawal_type"`
	RequestID      string `json:"request_id"`
}

type withdrawalRulesEvaluateResponse struct {
	TraceID             string                   `json:"trace_id"`
	RequestID           string                   `json:"request_id,omitempty"`
	Decision            string                   `json:"decision"`
	ReasonCode          string                   `json:"reason_code"`
	SelectedRuleID      string                   `json:"selected_rule_id,omitempty"`
	SelectedRule        *withdrawalRuleCandidate `json:"selected_rule,omitempty"`
	BriefExplain        string                   `json:"brief_explain"`
	Context             map[string]string        `json:"context"`
	CandidatesEvaluated int                      `json:"candidates_evaluated"`
	EligibilityMatched  int                      `json:"eligibility_matched"`
}

// handleWithdrawalRulesEvaluateAPI is the dry-run endpoint: it runs the
// same policy a withdrawal request runs, without queueing anything, so
// operators can explain a deny.
func handleWithdrawalRulesEvaluateAPI(w http.ResponseWriter, r *http.Request, rules *withdrawalRuleEngine, wallet WalletStore, kyc KYCStore, tree genealogyports.TreeStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req withdrawalRulesEvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
		return
	}

	req.MemberUUID = strings.TrimSpace(req.MemberUUID)
	req.Amount = strings.TrimSpace(req.Amount)
	req.WithdrawalType = strings.TrimSpace(req.WithdrawalType)
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.MemberUUID == "" || req.Amount == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "member_uuid/amount required")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "amount must be a decimal")
		return
	}
	wtype := WithdrawalTypeBankTransfer
	if req.WithdrawalType != "" {
		parsed, ok := ParseWithdrawalType(req.WithdrawalType)
		if !ok {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "withdrawal_type must be bank_transfer or upi")
			return
		}
		wtype = parsed
	}

	ctxMap, err := buildWithdrawalRuleContext(r.Context(), tenant.ID, req.MemberUUID, amount, wtype, wallet, kyc, tree)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	verdict, err := rules.Evaluate(ctxMap)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	response := withdrawalRulesEvaluateResponse{
		TraceID:             traceIDFromRequestHeader(r),
		RequestID:           req.RequestID,
		Decision:            verdict.Decision,
		ReasonCode:          verdict.ReasonCode,
		SelectedRuleID:      verdict.SelectedRuleID,
		BriefExplain:        withdrawalRuleBriefExplain(verdict),
		Context:             ctxMap,
		CandidatesEvaluated: verdict.CandidatesEvaluated,
		EligibilityMatched:  verdict.EligibilityMatched,
	}
	for i := range rules.candidates {
		if rules.candidates[i].RuleID == verdict.SelectedRuleID {
			copyCandidate := rules.candidates[i]
			response.SelectedRule = &copyCandidate
			break
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(response)
}

func withdrawalRuleBriefExplain(v withdrawalRuleVerdict) string {
	if v.SelectedRuleID == "" {
		return "no eligible rule candidate"
	}
	return fmt.Sprintf("selected %s (matched=%d)", v.SelectedRuleID, v.EligibilityMatched)
}

// traceIDFromRequestHeader extracts the trace id from a W3C traceparent
// header, empty when absent or malformed.
func traceIDFromRequestHeader(r *http.Request) string {
	parts := strings.Split(strings.TrimSpace(r.Header.Get("traceparent")), "-")
	if len(parts) < 3 || len(parts[1]) != 32 {
		return ""
	}
	for _, ch := range parts[1] {
		if !(ch >= '0' && ch <= '9' || ch >= 'a' && ch <= 'f') {
			return ""
		}
	}
	return parts[1]
}
