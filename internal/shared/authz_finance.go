package shared

// Finance permissions declared for RBAC.
const (
	PermFinancePeriodView   = "finance.period.view"
	PermFinancePeriodManage = "finance.period.manage"
	PermFinancePeriodClose  = "finance.period.close"
	PermFinancePeriodLock   = "finance.period.lock"

	PermOfferingView    = "finance.offering.view"
	PermOfferingCount   = "finance.offering.count"
	PermOfferingVerify  = "finance.offering.verify"
	PermOfferingApprove = "finance.offering.approve"
	PermFinanceGLPost   = "finance.gl.post"
)

// FinanceScopes lists all permissions related to the finance module.
func FinanceScopes() []string {
	return []string{
		PermFinancePeriodView,
		PermFinancePeriodManage,
		PermFinancePeriodClose,
		PermFinancePeriodLock,
		PermOfferingView,
		PermOfferingCount,
		PermOfferingVerify,
		PermOfferingApprove,
		PermFinanceGLPost,
	}
}
