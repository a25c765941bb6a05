package auth

// Permission keys consumed by business modules.
const (
	PermTenantsManage       = "tenants.manage"
	PermTenantAccessManage  = "tenant_access.manage"
	PermTenantContextSwitch = "tenant_context.switch"
	PermPrincipalsRead      = "principals.read"
	PermPrincipalsManage    = "principals.manage"
	PermStudentsRead        = "students.read"
	PermStudentsManage      = "students.manage"
	PermAttendanceRecord    = "attendance.record"
	PermGradesManage        = "grades.manage"
	PermGradesRead          = "grades.read"
	PermFeesRead            = "fees.read"
	PermFeesManage          = "fees.manage"
	PermStaffManage         = "staff.manage"
	PermPayrollManage       = "payroll.manage"
	PermReportsRead         = "reports.read"
	PermMessagesSend        = "messages.send"
	PermProfileSelf         = "profile.self"
)

// DefaultGrants is the built-in role table.
func DefaultGrants() []AccessGrant {
	return []AccessGrant{
		{
			Role: RoleSuperAdmin,
			Permissions: []string{
				PermTenantsManage, PermTenantAccessManage, PermTenantContextSwitch,
				PermPrincipalsRead, PermPrincipalsManage, PermStudentsRead, PermStudentsManage,
				PermFeesRead, PermFeesManage, PermStaffManage, PermPayrollManage,
				PermReportsRead, PermProfileSelf,
			},
			DashboardAccess: true,
			AppScopes:       []AppScope{ScopeAdminPortal, ScopeSchoolPortal},
			PlatformWide:    true,
		},
		{
			Role:        RolePlatformSupport,
			Permissions: []string{PermProfileSelf},
			Blocked:     true,
		},
		{
			Role: RoleDirector,
			Permissions: []string{
				PermTenantContextSwitch, PermPrincipalsRead, PermStudentsRead,
				PermGradesRead, PermFeesRead, PermReportsRead, PermMessagesSend, PermProfileSelf,
			},
			DashboardAccess:     true,
			AppScopes:           []AppScope{ScopeSchoolPortal, ScopeMobile},
			MultiTenantEligible: true,
		},
		{
			Role: RoleSchoolAdmin,
			Permissions: []string{
				PermPrincipalsRead, PermPrincipalsManage, PermStudentsRead, PermStudentsManage,
				PermFeesRead, PermStaffManage, PermReportsRead, PermMessagesSend, PermProfileSelf,
			},
			DashboardAccess: true,
			AppScopes:       []AppScope{ScopeSchoolPortal},
		},
		{
			Role: RoleTeacher,
			Permissions: []string{
				PermStudentsRead, PermAttendanceRecord, PermGradesManage, PermGradesRead,
				PermMessagesSend, PermProfileSelf,
			},
			DashboardAccess: true,
			AppScopes:       []AppScope{ScopeSchoolPortal, ScopeMobile},
		},
		{
			Role:            RoleAccountant,
			Permissions:     []string{PermFeesRead, PermFeesManage, PermReportsRead, PermProfileSelf},
			DashboardAccess: true,
			AppScopes:       []AppScope{ScopeSchoolPortal},
		},
		{
			Role:            RoleHRManager,
			Permissions:     []string{PermPrincipalsRead, PermStaffManage, PermPayrollManage, PermProfileSelf},
			DashboardAccess: true,
			AppScopes:       []AppScope{ScopeSchoolPortal},
		},
		{
			Role:            RoleParent,
			Permissions:     []string{PermGradesRead, PermFeesRead, PermMessagesSend, PermProfileSelf},
			DashboardAccess: true,
			AppScopes:       []AppScope{ScopeParentPortal, ScopeMobile},
		},
		{
			Role:        RoleStudent,
			Permissions: []string{PermGradesRead, PermProfileSelf},
			AppScopes:   []AppScope{ScopeMobile},
		},
	}
}
