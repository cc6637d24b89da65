package authz

const (
	RoleTenantAdmin  = "tenant-admin"
	RoleFinanceAdmin = "finance-admin"
	RoleKYCReviewer  = "kyc-reviewer"
	RoleDistributor  = "distributor"
	RoleAnonymous    = "anonymous"
	RoleSuperadmin   = "superadmin"
)

const (
	ActionRead  = "read"
	ActionWrite = "write"
	ActionAdmin = "admin"
)

const DomainGlobal = "global"

const (
	ObjectMembersMembers      = "members.members"
	ObjectMembersRecruits     = "members.recruits"
	ObjectGenealogyTree       = "genealogy.tree"
	ObjectGenealogyPlacements = "genealogy.placements"
	ObjectGenealogyPurchases  = "genealogy.purchases"
	ObjectCatalogProducts     = "catalog.products"
	ObjectCatalogPurchases    = "catalog.purchases"
	ObjectWalletAccounts      = "wallet.accounts"
	ObjectWalletWithdrawals   = "wallet.withdrawals"
	ObjectKYCDocuments        = "kyc.documents"
	ObjectRulesWithdrawals    = "rules.withdrawals"
)
