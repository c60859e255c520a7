package authz

// Table names in the app schema. Policies and the data layer share these so
// a rename cannot silently detach a table from its policies.
const (
	TableOrganizations = "organizations"
	TableUsers         = "users"
	TableProperties    = "properties"
	TableUnits         = "units"
	TableTenants       = "tenants"
	TableLeases        = "leases"
	TableMaintenance   = "maintenance_requests"
	TableCustomers     = "customers"
	TableSubscriptions = "subscriptions"
	TableEntitlements  = "entitlements"
	TableWebhookEvents = "webhook_events"
	TableAuditLog      = "audit_log"
)

// Reachability chains. Each subquery derives an id set from a single
// principal binding so the filter stays computable once per statement.
const (
	ownedPropertyIDs = `SELECT id FROM app.properties WHERE owner_user_id = ?`
	orgPropertyIDs   = `SELECT id FROM app.properties WHERE org_id = ?`

	ownedUnitIDs = `SELECT u.id FROM app.units u
		JOIN app.properties pr ON pr.id = u.property_id
		WHERE pr.owner_user_id = ?`
	orgUnitIDs = `SELECT u.id FROM app.units u
		JOIN app.properties pr ON pr.id = u.property_id
		WHERE pr.org_id = ?`

	leasedPropertyIDs = `SELECT u.property_id FROM app.units u
		JOIN app.leases l ON l.unit_id = u.id
		JOIN app.tenants t ON t.id = l.tenant_id
		WHERE t.user_id = ? AND l.status = 'active'`
	leasedUnitIDs = `SELECT l.unit_id FROM app.leases l
		JOIN app.tenants t ON t.id = l.tenant_id
		WHERE t.user_id = ? AND l.status = 'active'`

	ownTenantIDs = `SELECT id FROM app.tenants WHERE user_id = ?`
)

// DefaultPolicies is the complete access map of the application. Anything
// not granted here is denied. The admin role is back-office staff: it reads
// everything and can requeue failed webhook deliveries, but it does not
// write tenant data. The service class is not listed because it is not
// policy-addressable.
func DefaultPolicies() []Policy {
	orgStaff := []Role{RoleOwner, RoleManager}

	return []Policy{
		// organizations -------------------------------------------------
		{
			Name: "organizations_select_member", Table: TableOrganizations, Op: OpSelect,
			Roles: []Role{RoleOwner, RoleManager, RoleTenant},
			Using: ColumnEquals{Column: "id", Bind: BindOrgID},
		},
		{
			Name: "organizations_select_admin", Table: TableOrganizations, Op: OpSelect,
			Roles: []Role{RoleAdmin}, Using: AllRows{},
		},
		{
			// First sign-in bootstraps the org row carried by the verified
			// token. The id is pinned to the claim, so a caller cannot
			// provision an org it does not belong to.
			Name: "organizations_insert_own", Table: TableOrganizations, Op: OpInsert,
			Roles: []Role{RoleOwner},
			Check: MustMatch("id", BindOrgID),
		},
		{
			Name: "organizations_update_owner", Table: TableOrganizations, Op: OpUpdate,
			Roles: []Role{RoleOwner},
			Using: ColumnEquals{Column: "id", Bind: BindOrgID},
			Check: Immutable("id", "provider_customer_id"),
		},

		// users ----------------------------------------------------------
		{
			Name: "users_select_self", Table: TableUsers, Op: OpSelect,
			Roles: []Role{RoleOwner, RoleManager, RoleTenant},
			Using: ColumnEquals{Column: "id", Bind: BindPrincipalID},
		},
		{
			Name: "users_select_org", Table: TableUsers, Op: OpSelect,
			Roles: orgStaff,
			Using: ColumnEquals{Column: "org_id", Bind: BindOrgID},
		},
		{
			Name: "users_select_admin", Table: TableUsers, Op: OpSelect,
			Roles: []Role{RoleAdmin}, Using: AllRows{},
		},
		{
			Name: "users_insert_self", Table: TableUsers, Op: OpInsert,
			Roles: []Role{RoleOwner, RoleManager, RoleTenant},
			Check: AllOf(MustMatch("id", BindPrincipalID), MustMatch("org_id", BindOrgID)),
		},
		{
			Name: "users_update_self", Table: TableUsers, Op: OpUpdate,
			Roles: []Role{RoleOwner, RoleManager, RoleTenant},
			Using: ColumnEquals{Column: "id", Bind: BindPrincipalID},
			Check: Immutable("id", "org_id", "role", "email"),
		},
		{
			// Role assignment stays an owner action.
			Name: "users_update_org_owner", Table: TableUsers, Op: OpUpdate,
			Roles: []Role{RoleOwner},
			Using: ColumnEquals{Column: "org_id", Bind: BindOrgID},
			Check: Immutable("id", "org_id", "email"),
		},

		// properties ------------------------------------------------------
		{
			// Owners read org-wide (quota counting needs the real total);
			// writes below stay pinned to direct ownership.
			Name: "properties_select_own", Table: TableProperties, Op: OpSelect,
			Roles: []Role{RoleOwner},
			Using: AnyOf{Preds: []Predicate{
				ColumnEquals{Column: "owner_user_id", Bind: BindPrincipalID},
				ColumnEquals{Column: "org_id", Bind: BindOrgID},
			}},
		},
		{
			Name: "properties_select_org", Table: TableProperties, Op: OpSelect,
			Roles: []Role{RoleManager},
			Using: ColumnEquals{Column: "org_id", Bind: BindOrgID},
		},
		{
			Name: "properties_select_leased", Table: TableProperties, Op: OpSelect,
			Roles: []Role{RoleTenant},
			Using: MemberOf{Column: "id", Query: leasedPropertyIDs, Binds: []Binding{BindPrincipalID}},
		},
		{
			Name: "properties_select_admin", Table: TableProperties, Op: OpSelect,
			Roles: []Role{RoleAdmin}, Using: AllRows{},
		},
		{
			Name: "properties_insert_own", Table: TableProperties, Op: OpInsert,
			Roles: []Role{RoleOwner},
			Check: AllOf(MustMatch("owner_user_id", BindPrincipalID), MustMatch("org_id", BindOrgID)),
		},
		{
			Name: "properties_update_own", Table: TableProperties, Op: OpUpdate,
			Roles: []Role{RoleOwner},
			Using: ColumnEquals{Column: "owner_user_id", Bind: BindPrincipalID},
			Check: Immutable("id", "owner_user_id", "org_id"),
		},
		{
			Name: "properties_update_org", Table: TableProperties, Op: OpUpdate,
			Roles: []Role{RoleManager},
			Using: ColumnEquals{Column: "org_id", Bind: BindOrgID},
			Check: Immutable("id", "owner_user_id", "org_id"),
		},
		{
			Name: "properties_delete_own", Table: TableProperties, Op: OpDelete,
			Roles: []Role{RoleOwner},
			Using: ColumnEquals{Column: "owner_user_id", Bind: BindPrincipalID},
		},

		// units ------------------------------------------------------------
		{
			Name: "units_select_org", Table: TableUnits, Op: OpSelect,
			Roles: orgStaff,
			Using: MemberOf{Column: "property_id", Query: orgPropertyIDs, Binds: []Binding{BindOrgID}},
		},
		{
			Name: "units_select_leased", Table: TableUnits, Op: OpSelect,
			Roles: []Role{RoleTenant},
			Using: MemberOf{Column: "id", Query: leasedUnitIDs, Binds: []Binding{BindPrincipalID}},
		},
		{
			Name: "units_select_admin", Table: TableUnits, Op: OpSelect,
			Roles: []Role{RoleAdmin}, Using: AllRows{},
		},
		{
			Name: "units_insert_org", Table: TableUnits, Op: OpInsert,
			Roles: orgStaff,
			Check: ScopedParent("property_id"),
		},
		{
			Name: "units_update_own", Table: TableUnits, Op: OpUpdate,
			Roles: []Role{RoleOwner},
			Using: MemberOf{Column: "property_id", Query: ownedPropertyIDs, Binds: []Binding{BindPrincipalID}},
			Check: Immutable("id", "property_id"),
		},
		{
			Name: "units_update_org", Table: TableUnits, Op: OpUpdate,
			Roles: []Role{RoleManager},
			Using: MemberOf{Column: "property_id", Query: orgPropertyIDs, Binds: []Binding{BindOrgID}},
			Check: Immutable("id", "property_id"),
		},
		{
			Name: "units_delete_own", Table: TableUnits, Op: OpDelete,
			Roles: []Role{RoleOwner},
			Using: MemberOf{Column: "property_id", Query: ownedPropertyIDs, Binds: []Binding{BindPrincipalID}},
		},

		// tenants -----------------------------------------------------------
		{
			Name: "tenants_select_org", Table: TableTenants, Op: OpSelect,
			Roles: orgStaff,
			Using: ColumnEquals{Column: "org_id", Bind: BindOrgID},
		},
		{
			Name: "tenants_select_self", Table: TableTenants, Op: OpSelect,
			Roles: []Role{RoleTenant},
			Using: ColumnEquals{Column: "user_id", Bind: BindPrincipalID},
		},
		{
			Name: "tenants_select_admin", Table: TableTenants, Op: OpSelect,
			Roles: []Role{RoleAdmin}, Using: AllRows{},
		},
		{
			Name: "tenants_insert_org", Table: TableTenants, Op: OpInsert,
			Roles: orgStaff,
			Check: MustMatch("org_id", BindOrgID),
		},
		{
			Name: "tenants_update_org", Table: TableTenants, Op: OpUpdate,
			Roles: orgStaff,
			Using: ColumnEquals{Column: "org_id", Bind: BindOrgID},
			Check: Immutable("id", "org_id", "user_id"),
		},
		{
			Name: "tenants_delete_own", Table: TableTenants, Op: OpDelete,
			Roles: []Role{RoleOwner},
			Using: ColumnEquals{Column: "org_id", Bind: BindOrgID},
		},

		// leases --------------------------------------------------------------
		{
			Name: "leases_select_own", Table: TableLeases, Op: OpSelect,
			Roles: []Role{RoleOwner},
			Using: MemberOf{Column: "unit_id", Query: ownedUnitIDs, Binds: []Binding{BindPrincipalID}},
		},
		{
			Name: "leases_select_org", Table: TableLeases, Op: OpSelect,
			Roles: []Role{RoleManager},
			Using: MemberOf{Column: "unit_id", Query: orgUnitIDs, Binds: []Binding{BindOrgID}},
		},
		{
			Name: "leases_select_self", Table: TableLeases, Op: OpSelect,
			Roles: []Role{RoleTenant},
			Using: MemberOf{Column: "tenant_id", Query: ownTenantIDs, Binds: []Binding{BindPrincipalID}},
		},
		{
			Name: "leases_select_admin", Table: TableLeases, Op: OpSelect,
			Roles: []Role{RoleAdmin}, Using: AllRows{},
		},
		{
			Name: "leases_insert_org", Table: TableLeases, Op: OpInsert,
			Roles: orgStaff,
			Check: AllOf(ScopedParent("unit_id"), ScopedParent("tenant_id")),
		},
		{
			// Termination is a status update. Relinking a lease to another
			// unit or tenant is never allowed.
			Name: "leases_update_org", Table: TableLeases, Op: OpUpdate,
			Roles: orgStaff,
			Using: MemberOf{Column: "unit_id", Query: orgUnitIDs, Binds: []Binding{BindOrgID}},
			Check: Immutable("id", "unit_id", "tenant_id"),
		},

		// maintenance_requests -------------------------------------------------
		{
			Name: "maintenance_select_own", Table: TableMaintenance, Op: OpSelect,
			Roles: []Role{RoleOwner},
			Using: MemberOf{Column: "unit_id", Query: ownedUnitIDs, Binds: []Binding{BindPrincipalID}},
		},
		{
			Name: "maintenance_select_org", Table: TableMaintenance, Op: OpSelect,
			Roles: []Role{RoleManager},
			Using: MemberOf{Column: "unit_id", Query: orgUnitIDs, Binds: []Binding{BindOrgID}},
		},
		{
			Name: "maintenance_select_self", Table: TableMaintenance, Op: OpSelect,
			Roles: []Role{RoleTenant},
			Using: MemberOf{Column: "tenant_id", Query: ownTenantIDs, Binds: []Binding{BindPrincipalID}},
		},
		{
			Name: "maintenance_select_admin", Table: TableMaintenance, Op: OpSelect,
			Roles: []Role{RoleAdmin}, Using: AllRows{},
		},
		{
			Name: "maintenance_insert_org", Table: TableMaintenance, Op: OpInsert,
			Roles: orgStaff,
			Check: ScopedParent("unit_id"),
		},
		{
			// The requester's tenant record is resolved server-side from the
			// principal's own scope, so the check pins only the unit.
			Name: "maintenance_insert_tenant", Table: TableMaintenance, Op: OpInsert,
			Roles: []Role{RoleTenant},
			Check: ScopedParent("unit_id"),
		},
		{
			Name: "maintenance_update_org", Table: TableMaintenance, Op: OpUpdate,
			Roles: orgStaff,
			Using: MemberOf{Column: "unit_id", Query: orgUnitIDs, Binds: []Binding{BindOrgID}},
			Check: Immutable("id", "unit_id", "tenant_id"),
		},

		// customers ---------------------------------------------------------
		{
			// Provider-linked ownership: the stored org link, a verified
			// email match, or a stored principal link all grant visibility.
			Name: "customers_select_linked", Table: TableCustomers, Op: OpSelect,
			Roles: []Role{RoleOwner},
			Using: AnyOf{Preds: []Predicate{
				ColumnEquals{Column: "org_id", Bind: BindOrgID},
				ColumnEquals{Column: "email", Bind: BindEmail},
				ColumnEquals{Column: "linked_user_id", Bind: BindPrincipalID},
			}},
		},
		{
			Name: "customers_select_admin", Table: TableCustomers, Op: OpSelect,
			Roles: []Role{RoleAdmin}, Using: AllRows{},
		},
		{
			Name: "customers_insert_own", Table: TableCustomers, Op: OpInsert,
			Roles: []Role{RoleOwner},
			Check: AllOf(MustMatch("org_id", BindOrgID), MatchIfSet("linked_user_id", BindPrincipalID)),
		},

		// subscriptions: written exclusively by the reconciliation worker.
		{
			Name: "subscriptions_select_org", Table: TableSubscriptions, Op: OpSelect,
			Roles: orgStaff,
			Using: ColumnEquals{Column: "org_id", Bind: BindOrgID},
		},
		{
			Name: "subscriptions_select_admin", Table: TableSubscriptions, Op: OpSelect,
			Roles: []Role{RoleAdmin}, Using: AllRows{},
		},

		// entitlements: recomputed by the reconciliation worker, read by all
		// org members so clients can render remaining quota.
		{
			Name: "entitlements_select_org", Table: TableEntitlements, Op: OpSelect,
			Roles: []Role{RoleOwner, RoleManager, RoleTenant},
			Using: ColumnEquals{Column: "org_id", Bind: BindOrgID},
		},
		{
			Name: "entitlements_select_admin", Table: TableEntitlements, Op: OpSelect,
			Roles: []Role{RoleAdmin}, Using: AllRows{},
		},

		// webhook_events: back-office only. Requeue flips status fields; the
		// recorded provider identity and raw payload are immutable.
		{
			Name: "webhook_events_select_admin", Table: TableWebhookEvents, Op: OpSelect,
			Roles: []Role{RoleAdmin}, Using: AllRows{},
		},
		{
			Name: "webhook_events_update_admin", Table: TableWebhookEvents, Op: OpUpdate,
			Roles: []Role{RoleAdmin},
			Using: AllRows{},
			Check: Immutable("id", "provider", "provider_event_id", "payload", "received_at"),
		},

		// audit_log: written by the audit recorder, readable by back-office.
		{
			Name: "audit_log_select_admin", Table: TableAuditLog, Op: OpSelect,
			Roles: []Role{RoleAdmin}, Using: AllRows{},
		},
	}
}
