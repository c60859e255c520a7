package database

// AppMigrations returns the forward-only migrations for the application
// database. Row-security policies ship in the same series as the schema they
// protect; a policy is only ever added or replaced by a later migration,
// never dropped in place.
func AppMigrations() []Migration {
	return []Migration{
		{
			Name: "001_app_schema.sql",
			SQL:  appSchemaSQL,
		},
		{
			Name: "002_row_security.sql",
			SQL:  rowSecuritySQL,
		},
	}
}

// Embedded directly so boot needs no file I/O.
const appSchemaSQL = `
CREATE SCHEMA IF NOT EXISTS app;

CREATE TABLE IF NOT EXISTS app.organizations (
  id UUID PRIMARY KEY,
  name VARCHAR(255) NOT NULL,
  provider_customer_id VARCHAR(255),
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS app.users (
  id UUID PRIMARY KEY,
  org_id UUID NOT NULL REFERENCES app.organizations(id) ON DELETE CASCADE,
  email VARCHAR(255) NOT NULL,
  full_name VARCHAR(255) NOT NULL DEFAULT '',
  role VARCHAR(32) NOT NULL CHECK (role IN ('owner', 'manager', 'tenant', 'admin')),
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_users_org ON app.users(org_id);
CREATE INDEX IF NOT EXISTS idx_users_email ON app.users(lower(email));

CREATE TABLE IF NOT EXISTS app.properties (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  org_id UUID NOT NULL REFERENCES app.organizations(id) ON DELETE CASCADE,
  owner_user_id UUID NOT NULL REFERENCES app.users(id),
  name VARCHAR(255) NOT NULL,
  address_line1 VARCHAR(255) NOT NULL,
  address_line2 VARCHAR(255),
  city VARCHAR(128) NOT NULL,
  state VARCHAR(64) NOT NULL,
  postal_code VARCHAR(32) NOT NULL,
  property_type VARCHAR(32) NOT NULL DEFAULT 'residential',
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_properties_org ON app.properties(org_id);
CREATE INDEX IF NOT EXISTS idx_properties_owner ON app.properties(owner_user_id);

CREATE TABLE IF NOT EXISTS app.units (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  property_id UUID NOT NULL REFERENCES app.properties(id) ON DELETE CASCADE,
  unit_number VARCHAR(64) NOT NULL,
  bedrooms INT NOT NULL DEFAULT 0,
  bathrooms INT NOT NULL DEFAULT 0,
  rent_cents BIGINT NOT NULL DEFAULT 0,
  status VARCHAR(32) NOT NULL DEFAULT 'vacant' CHECK (status IN ('vacant', 'occupied', 'maintenance')),
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  UNIQUE (property_id, unit_number)
);

CREATE INDEX IF NOT EXISTS idx_units_property ON app.units(property_id);

CREATE TABLE IF NOT EXISTS app.tenants (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  org_id UUID NOT NULL REFERENCES app.organizations(id) ON DELETE CASCADE,
  user_id UUID REFERENCES app.users(id),
  email VARCHAR(255) NOT NULL,
  full_name VARCHAR(255) NOT NULL,
  phone VARCHAR(64),
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tenants_org ON app.tenants(org_id);
CREATE INDEX IF NOT EXISTS idx_tenants_user ON app.tenants(user_id);

CREATE TABLE IF NOT EXISTS app.leases (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  unit_id UUID NOT NULL REFERENCES app.units(id) ON DELETE CASCADE,
  tenant_id UUID NOT NULL REFERENCES app.tenants(id) ON DELETE CASCADE,
  start_date DATE NOT NULL,
  end_date DATE NOT NULL,
  rent_cents BIGINT NOT NULL DEFAULT 0,
  deposit_cents BIGINT NOT NULL DEFAULT 0,
  status VARCHAR(32) NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'terminated', 'expired')),
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_leases_unit ON app.leases(unit_id);
CREATE INDEX IF NOT EXISTS idx_leases_tenant ON app.leases(tenant_id);

CREATE TABLE IF NOT EXISTS app.maintenance_requests (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  unit_id UUID NOT NULL REFERENCES app.units(id) ON DELETE CASCADE,
  tenant_id UUID REFERENCES app.tenants(id) ON DELETE SET NULL,
  title VARCHAR(255) NOT NULL,
  description TEXT,
  priority VARCHAR(32) NOT NULL DEFAULT 'medium' CHECK (priority IN ('low', 'medium', 'high', 'urgent')),
  status VARCHAR(32) NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'in_progress', 'resolved', 'cancelled')),
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_maintenance_unit ON app.maintenance_requests(unit_id);
CREATE INDEX IF NOT EXISTS idx_maintenance_tenant ON app.maintenance_requests(tenant_id);

CREATE TABLE IF NOT EXISTS app.customers (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  org_id UUID NOT NULL REFERENCES app.organizations(id) ON DELETE CASCADE,
  provider_customer_id VARCHAR(255) NOT NULL UNIQUE,
  email VARCHAR(255),
  linked_user_id UUID REFERENCES app.users(id),
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_customers_org ON app.customers(org_id);

CREATE TABLE IF NOT EXISTS app.subscriptions (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  org_id UUID NOT NULL REFERENCES app.organizations(id) ON DELETE CASCADE,
  customer_id UUID NOT NULL REFERENCES app.customers(id) ON DELETE CASCADE,
  provider_subscription_id VARCHAR(255) NOT NULL UNIQUE,
  plan VARCHAR(32) NOT NULL,
  status VARCHAR(32) NOT NULL,
  current_period_end TIMESTAMPTZ,
  cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_org ON app.subscriptions(org_id);

CREATE TABLE IF NOT EXISTS app.entitlements (
  org_id UUID PRIMARY KEY REFERENCES app.organizations(id) ON DELETE CASCADE,
  plan VARCHAR(32) NOT NULL,
  status VARCHAR(32) NOT NULL,
  properties_limit INT NOT NULL,
  units_limit INT NOT NULL,
  seats_limit INT NOT NULL,
  synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS app.webhook_events (
  id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
  provider VARCHAR(64) NOT NULL,
  provider_event_id VARCHAR(255) NOT NULL,
  event_type VARCHAR(128) NOT NULL,
  status VARCHAR(32) NOT NULL DEFAULT 'queued'
    CHECK (status IN ('queued', 'processing', 'processed', 'failed_retryable', 'failed_terminal')),
  attempts INT NOT NULL DEFAULT 0,
  last_error TEXT,
  payload BYTEA NOT NULL,
  signature_ts TIMESTAMPTZ NOT NULL,
  received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  processed_at TIMESTAMPTZ,
  UNIQUE (provider, provider_event_id)
);

CREATE INDEX IF NOT EXISTS idx_webhook_events_status ON app.webhook_events(status, updated_at);

CREATE TABLE IF NOT EXISTS app.audit_log (
  id BIGSERIAL PRIMARY KEY,
  actor_id UUID,
  actor_role VARCHAR(32) NOT NULL,
  org_id UUID,
  action VARCHAR(128) NOT NULL,
  table_name VARCHAR(64) NOT NULL,
  row_id VARCHAR(255),
  ip_address VARCHAR(64),
  user_agent TEXT NOT NULL DEFAULT '',
  detail JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_audit_log_action ON app.audit_log(action, created_at DESC);
`

// rowSecuritySQL installs the restricted application role and the database
// side of the access map. The pool's owning role keeps the tables and is not
// subject to these policies; WithPrincipal downgrades every request-scoped
// transaction to tenantflow_app, where they apply to each statement.
//
// The helper functions read the transaction-local settings published by
// WithPrincipal. They are STABLE, so the planner evaluates each once per
// statement instead of once per row.
const rowSecuritySQL = `
DO $$
BEGIN
  IF NOT EXISTS (SELECT FROM pg_roles WHERE rolname = 'tenantflow_app') THEN
    CREATE ROLE tenantflow_app NOLOGIN;
  END IF;
END
$$;

GRANT USAGE ON SCHEMA app TO tenantflow_app;
GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA app TO tenantflow_app;
GRANT USAGE ON ALL SEQUENCES IN SCHEMA app TO tenantflow_app;

CREATE OR REPLACE FUNCTION app.principal_id() RETURNS UUID
LANGUAGE sql STABLE AS
$$ SELECT NULLIF(current_setting('app.principal_id', true), '')::uuid $$;

CREATE OR REPLACE FUNCTION app.acting_org() RETURNS UUID
LANGUAGE sql STABLE AS
$$ SELECT NULLIF(current_setting('app.org_id', true), '')::uuid $$;

CREATE OR REPLACE FUNCTION app.acting_role() RETURNS TEXT
LANGUAGE sql STABLE AS
$$ SELECT COALESCE(NULLIF(current_setting('app.role', true), ''), 'none') $$;

CREATE OR REPLACE FUNCTION app.acting_email() RETURNS TEXT
LANGUAGE sql STABLE AS
$$ SELECT NULLIF(current_setting('app.email', true), '') $$;

-- RLS is enabled but not forced: the owning role (service class, webhook
-- workers, migrations) bypasses it, tenantflow_app cannot.

ALTER TABLE app.organizations ENABLE ROW LEVEL SECURITY;
CREATE POLICY organizations_select_member ON app.organizations FOR SELECT TO tenantflow_app
  USING (id = app.acting_org() OR app.acting_role() = 'admin');
CREATE POLICY organizations_insert_own ON app.organizations FOR INSERT TO tenantflow_app
  WITH CHECK (app.acting_role() = 'owner' AND id = app.acting_org());
CREATE POLICY organizations_update_owner ON app.organizations FOR UPDATE TO tenantflow_app
  USING (app.acting_role() = 'owner' AND id = app.acting_org())
  WITH CHECK (id = app.acting_org());

ALTER TABLE app.users ENABLE ROW LEVEL SECURITY;
CREATE POLICY users_select ON app.users FOR SELECT TO tenantflow_app
  USING (
    id = app.principal_id()
    OR (org_id = app.acting_org() AND app.acting_role() IN ('owner', 'manager'))
    OR app.acting_role() = 'admin'
  );
CREATE POLICY users_insert_self ON app.users FOR INSERT TO tenantflow_app
  WITH CHECK (id = app.principal_id() AND org_id = app.acting_org());
CREATE POLICY users_update ON app.users FOR UPDATE TO tenantflow_app
  USING (id = app.principal_id() OR (org_id = app.acting_org() AND app.acting_role() = 'owner'))
  WITH CHECK (org_id = app.acting_org());

ALTER TABLE app.properties ENABLE ROW LEVEL SECURITY;
CREATE POLICY properties_select ON app.properties FOR SELECT TO tenantflow_app
  USING (
    (org_id = app.acting_org() AND app.acting_role() IN ('owner', 'manager'))
    OR (app.acting_role() = 'tenant' AND id IN (
      SELECT u.property_id FROM app.units u
      JOIN app.leases l ON l.unit_id = u.id
      JOIN app.tenants t ON t.id = l.tenant_id
      WHERE t.user_id = app.principal_id() AND l.status = 'active'))
    OR app.acting_role() = 'admin'
  );
CREATE POLICY properties_insert_own ON app.properties FOR INSERT TO tenantflow_app
  WITH CHECK (
    app.acting_role() = 'owner'
    AND owner_user_id = app.principal_id()
    AND org_id = app.acting_org()
  );
CREATE POLICY properties_update ON app.properties FOR UPDATE TO tenantflow_app
  USING (
    (app.acting_role() = 'owner' AND owner_user_id = app.principal_id())
    OR (app.acting_role() = 'manager' AND org_id = app.acting_org())
  )
  WITH CHECK (owner_user_id = app.principal_id() OR org_id = app.acting_org());
CREATE POLICY properties_delete_own ON app.properties FOR DELETE TO tenantflow_app
  USING (app.acting_role() = 'owner' AND owner_user_id = app.principal_id());

ALTER TABLE app.units ENABLE ROW LEVEL SECURITY;
CREATE POLICY units_select ON app.units FOR SELECT TO tenantflow_app
  USING (
    (app.acting_role() IN ('owner', 'manager') AND property_id IN (
      SELECT id FROM app.properties WHERE org_id = app.acting_org()))
    OR (app.acting_role() = 'tenant' AND id IN (
      SELECT l.unit_id FROM app.leases l
      JOIN app.tenants t ON t.id = l.tenant_id
      WHERE t.user_id = app.principal_id() AND l.status = 'active'))
    OR app.acting_role() = 'admin'
  );
CREATE POLICY units_insert_org ON app.units FOR INSERT TO tenantflow_app
  WITH CHECK (
    app.acting_role() IN ('owner', 'manager')
    AND property_id IN (SELECT id FROM app.properties WHERE org_id = app.acting_org())
  );
CREATE POLICY units_update_org ON app.units FOR UPDATE TO tenantflow_app
  USING (
    (app.acting_role() = 'owner' AND property_id IN (
      SELECT id FROM app.properties WHERE owner_user_id = app.principal_id()))
    OR (app.acting_role() = 'manager' AND property_id IN (
      SELECT id FROM app.properties WHERE org_id = app.acting_org()))
  )
  WITH CHECK (property_id IN (SELECT id FROM app.properties WHERE org_id = app.acting_org()));
CREATE POLICY units_delete_own ON app.units FOR DELETE TO tenantflow_app
  USING (app.acting_role() = 'owner' AND property_id IN (
    SELECT id FROM app.properties WHERE owner_user_id = app.principal_id()));

ALTER TABLE app.tenants ENABLE ROW LEVEL SECURITY;
CREATE POLICY tenants_select ON app.tenants FOR SELECT TO tenantflow_app
  USING (
    (org_id = app.acting_org() AND app.acting_role() IN ('owner', 'manager'))
    OR (app.acting_role() = 'tenant' AND user_id = app.principal_id())
    OR app.acting_role() = 'admin'
  );
CREATE POLICY tenants_insert_org ON app.tenants FOR INSERT TO tenantflow_app
  WITH CHECK (app.acting_role() IN ('owner', 'manager') AND org_id = app.acting_org());
CREATE POLICY tenants_update_org ON app.tenants FOR UPDATE TO tenantflow_app
  USING (app.acting_role() IN ('owner', 'manager') AND org_id = app.acting_org())
  WITH CHECK (org_id = app.acting_org());
CREATE POLICY tenants_delete_own ON app.tenants FOR DELETE TO tenantflow_app
  USING (app.acting_role() = 'owner' AND org_id = app.acting_org());

ALTER TABLE app.leases ENABLE ROW LEVEL SECURITY;
CREATE POLICY leases_select ON app.leases FOR SELECT TO tenantflow_app
  USING (
    (app.acting_role() = 'owner' AND unit_id IN (
      SELECT u.id FROM app.units u
      JOIN app.properties pr ON pr.id = u.property_id
      WHERE pr.owner_user_id = app.principal_id()))
    OR (app.acting_role() = 'manager' AND unit_id IN (
      SELECT u.id FROM app.units u
      JOIN app.properties pr ON pr.id = u.property_id
      WHERE pr.org_id = app.acting_org()))
    OR (app.acting_role() = 'tenant' AND tenant_id IN (
      SELECT id FROM app.tenants WHERE user_id = app.principal_id()))
    OR app.acting_role() = 'admin'
  );
CREATE POLICY leases_insert_org ON app.leases FOR INSERT TO tenantflow_app
  WITH CHECK (
    app.acting_role() IN ('owner', 'manager')
    AND unit_id IN (
      SELECT u.id FROM app.units u
      JOIN app.properties pr ON pr.id = u.property_id
      WHERE pr.org_id = app.acting_org())
    AND tenant_id IN (SELECT id FROM app.tenants WHERE org_id = app.acting_org())
  );
CREATE POLICY leases_update_org ON app.leases FOR UPDATE TO tenantflow_app
  USING (app.acting_role() IN ('owner', 'manager') AND unit_id IN (
    SELECT u.id FROM app.units u
    JOIN app.properties pr ON pr.id = u.property_id
    WHERE pr.org_id = app.acting_org()))
  WITH CHECK (unit_id IN (
    SELECT u.id FROM app.units u
    JOIN app.properties pr ON pr.id = u.property_id
    WHERE pr.org_id = app.acting_org()));

ALTER TABLE app.maintenance_requests ENABLE ROW LEVEL SECURITY;
CREATE POLICY maintenance_select ON app.maintenance_requests FOR SELECT TO tenantflow_app
  USING (
    (app.acting_role() = 'owner' AND unit_id IN (
      SELECT u.id FROM app.units u
      JOIN app.properties pr ON pr.id = u.property_id
      WHERE pr.owner_user_id = app.principal_id()))
    OR (app.acting_role() = 'manager' AND unit_id IN (
      SELECT u.id FROM app.units u
      JOIN app.properties pr ON pr.id = u.property_id
      WHERE pr.org_id = app.acting_org()))
    OR (app.acting_role() = 'tenant' AND tenant_id IN (
      SELECT id FROM app.tenants WHERE user_id = app.principal_id()))
    OR app.acting_role() = 'admin'
  );
CREATE POLICY maintenance_insert ON app.maintenance_requests FOR INSERT TO tenantflow_app
  WITH CHECK (
    (app.acting_role() IN ('owner', 'manager') AND unit_id IN (
      SELECT u.id FROM app.units u
      JOIN app.properties pr ON pr.id = u.property_id
      WHERE pr.org_id = app.acting_org()))
    OR (app.acting_role() = 'tenant' AND unit_id IN (
      SELECT l.unit_id FROM app.leases l
      JOIN app.tenants t ON t.id = l.tenant_id
      WHERE t.user_id = app.principal_id() AND l.status = 'active'))
  );
CREATE POLICY maintenance_update_org ON app.maintenance_requests FOR UPDATE TO tenantflow_app
  USING (app.acting_role() IN ('owner', 'manager') AND unit_id IN (
    SELECT u.id FROM app.units u
    JOIN app.properties pr ON pr.id = u.property_id
    WHERE pr.org_id = app.acting_org()))
  WITH CHECK (unit_id IN (
    SELECT u.id FROM app.units u
    JOIN app.properties pr ON pr.id = u.property_id
    WHERE pr.org_id = app.acting_org()));

ALTER TABLE app.customers ENABLE ROW LEVEL SECURITY;
CREATE POLICY customers_select_linked ON app.customers FOR SELECT TO tenantflow_app
  USING (
    (app.acting_role() = 'owner' AND (
      org_id = app.acting_org()
      OR email = app.acting_email()
      OR linked_user_id = app.principal_id()))
    OR app.acting_role() = 'admin'
  );
CREATE POLICY customers_insert_own ON app.customers FOR INSERT TO tenantflow_app
  WITH CHECK (app.acting_role() = 'owner' AND org_id = app.acting_org());

ALTER TABLE app.subscriptions ENABLE ROW LEVEL SECURITY;
CREATE POLICY subscriptions_select ON app.subscriptions FOR SELECT TO tenantflow_app
  USING (
    (org_id = app.acting_org() AND app.acting_role() IN ('owner', 'manager'))
    OR app.acting_role() = 'admin'
  );

ALTER TABLE app.entitlements ENABLE ROW LEVEL SECURITY;
CREATE POLICY entitlements_select ON app.entitlements FOR SELECT TO tenantflow_app
  USING (org_id = app.acting_org() OR app.acting_role() = 'admin');

ALTER TABLE app.webhook_events ENABLE ROW LEVEL SECURITY;
CREATE POLICY webhook_events_select_admin ON app.webhook_events FOR SELECT TO tenantflow_app
  USING (app.acting_role() = 'admin');
CREATE POLICY webhook_events_update_admin ON app.webhook_events FOR UPDATE TO tenantflow_app
  USING (app.acting_role() = 'admin')
  WITH CHECK (app.acting_role() = 'admin');

ALTER TABLE app.audit_log ENABLE ROW LEVEL SECURITY;
CREATE POLICY audit_log_select_admin ON app.audit_log FOR SELECT TO tenantflow_app
  USING (app.acting_role() = 'admin');
`
