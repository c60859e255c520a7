package server

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hudsor01/tenant-flow-sub015/internal/audit"
	"github.com/hudsor01/tenant-flow-sub015/internal/authz"
	"github.com/hudsor01/tenant-flow-sub015/internal/billing"
	"github.com/hudsor01/tenant-flow-sub015/internal/metrics"
	"github.com/hudsor01/tenant-flow-sub015/internal/middleware"
	"github.com/hudsor01/tenant-flow-sub015/internal/tenancy"
)

type Server struct {
	mux                *http.ServeMux
	db                 *pgxpool.Pool
	auth               *middleware.Auth
	orgService         *tenancy.OrgService
	userService        *tenancy.UserService
	propertyService    *tenancy.PropertyService
	unitService        *tenancy.UnitService
	tenantService      *tenancy.TenantService
	leaseService       *tenancy.LeaseService
	maintenanceService *tenancy.MaintenanceService
	billingService     *billing.Service
	deadLetterService  *billing.DeadLetterService
	auditReader        *audit.Reader
	processor          *billing.Processor
	apiLimiter         *middleware.RateLimiter // per-IP budget for the session API
	webhookLimiter     *middleware.RateLimiter // 100 req/s, burst 200 for provider deliveries
}

func New(
	db *pgxpool.Pool,
	auth *middleware.Auth,
	orgService *tenancy.OrgService,
	userService *tenancy.UserService,
	propertyService *tenancy.PropertyService,
	unitService *tenancy.UnitService,
	tenantService *tenancy.TenantService,
	leaseService *tenancy.LeaseService,
	maintenanceService *tenancy.MaintenanceService,
	billingService *billing.Service,
	deadLetterService *billing.DeadLetterService,
	auditReader *audit.Reader,
	processor *billing.Processor,
	rateLimitPerMinute int,
) *Server {
	if rateLimitPerMinute < 1 {
		rateLimitPerMinute = 120
	}
	s := &Server{
		mux:                http.NewServeMux(),
		db:                 db,
		auth:               auth,
		orgService:         orgService,
		userService:        userService,
		propertyService:    propertyService,
		unitService:        unitService,
		tenantService:      tenantService,
		leaseService:       leaseService,
		maintenanceService: maintenanceService,
		billingService:     billingService,
		deadLetterService:  deadLetterService,
		auditReader:        auditReader,
		processor:          processor,
		apiLimiter:         middleware.NewRateLimiter(float64(rateLimitPerMinute)/60, rateLimitPerMinute),
		webhookLimiter:     middleware.NewRateLimiter(100, 200),
	}

	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return securityHeaders(cors(middleware.Metrics(s.mux)))
}

// securityHeaders adds security headers to every response. The service is
// API-only, so the CSP is locked down everywhere.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// HSTS — enable in production behind TLS
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// maxBody limits request body size to prevent DoS via large payloads.
func maxBody(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}

// adminOnly gates back-office routes. Non-admin sessions get the same
// not-found answer as a route that does not exist.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return middleware.RequireRole(next, authz.RoleAdmin)
}

func (s *Server) registerRoutes() {
	// Health check with DB ping
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.db.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": "database unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.mux.Handle("GET /metrics", metrics.Handler())

	// Provider webhooks: signature-verified, never behind session auth.
	s.mux.Handle("POST /webhooks/billing", s.webhookLimiter.Middleware(maxBody(http.HandlerFunc(s.handleBillingWebhook), 1<<20)))

	// Session bootstrap and organization
	s.mux.Handle("POST /api/v1/me/sync", s.apiLimiter.Middleware(s.auth.Middleware(maxBody(http.HandlerFunc(s.handleSyncMe), 1<<20))))
	s.mux.Handle("GET /api/v1/org", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleGetOrg))))
	s.mux.Handle("PATCH /api/v1/org", s.apiLimiter.Middleware(s.auth.Middleware(maxBody(http.HandlerFunc(s.handleUpdateOrg), 1<<20))))
	s.mux.Handle("GET /api/v1/users", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleListUsers))))
	s.mux.Handle("PATCH /api/v1/users/{id}/role", s.apiLimiter.Middleware(s.auth.Middleware(maxBody(http.HandlerFunc(s.handleUpdateUserRole), 1<<20))))

	// Properties
	s.mux.Handle("GET /api/v1/properties", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleListProperties))))
	s.mux.Handle("POST /api/v1/properties", s.apiLimiter.Middleware(s.auth.Middleware(maxBody(http.HandlerFunc(s.handleCreateProperty), 1<<20))))
	s.mux.Handle("GET /api/v1/properties/{id}", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleGetProperty))))
	s.mux.Handle("PATCH /api/v1/properties/{id}", s.apiLimiter.Middleware(s.auth.Middleware(maxBody(http.HandlerFunc(s.handleUpdateProperty), 1<<20))))
	s.mux.Handle("DELETE /api/v1/properties/{id}", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleDeleteProperty))))

	// Units
	s.mux.Handle("GET /api/v1/units", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleListUnits))))
	s.mux.Handle("POST /api/v1/units", s.apiLimiter.Middleware(s.auth.Middleware(maxBody(http.HandlerFunc(s.handleCreateUnit), 1<<20))))
	s.mux.Handle("GET /api/v1/units/{id}", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleGetUnit))))
	s.mux.Handle("PATCH /api/v1/units/{id}", s.apiLimiter.Middleware(s.auth.Middleware(maxBody(http.HandlerFunc(s.handleUpdateUnit), 1<<20))))
	s.mux.Handle("DELETE /api/v1/units/{id}", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleDeleteUnit))))

	// Tenants (renter records)
	s.mux.Handle("GET /api/v1/tenants", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleListTenants))))
	s.mux.Handle("POST /api/v1/tenants", s.apiLimiter.Middleware(s.auth.Middleware(maxBody(http.HandlerFunc(s.handleCreateTenant), 1<<20))))
	s.mux.Handle("GET /api/v1/tenants/{id}", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleGetTenant))))
	s.mux.Handle("PATCH /api/v1/tenants/{id}", s.apiLimiter.Middleware(s.auth.Middleware(maxBody(http.HandlerFunc(s.handleUpdateTenant), 1<<20))))
	s.mux.Handle("DELETE /api/v1/tenants/{id}", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleDeleteTenant))))

	// Leases
	s.mux.Handle("GET /api/v1/leases", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleListLeases))))
	s.mux.Handle("POST /api/v1/leases", s.apiLimiter.Middleware(s.auth.Middleware(maxBody(http.HandlerFunc(s.handleCreateLease), 1<<20))))
	s.mux.Handle("GET /api/v1/leases/{id}", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleGetLease))))
	s.mux.Handle("PATCH /api/v1/leases/{id}", s.apiLimiter.Middleware(s.auth.Middleware(maxBody(http.HandlerFunc(s.handleUpdateLease), 1<<20))))

	// Maintenance requests
	s.mux.Handle("GET /api/v1/maintenance", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleListMaintenance))))
	s.mux.Handle("POST /api/v1/maintenance", s.apiLimiter.Middleware(s.auth.Middleware(maxBody(http.HandlerFunc(s.handleCreateMaintenance), 1<<20))))
	s.mux.Handle("GET /api/v1/maintenance/{id}", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleGetMaintenance))))
	s.mux.Handle("PATCH /api/v1/maintenance/{id}", s.apiLimiter.Middleware(s.auth.Middleware(maxBody(http.HandlerFunc(s.handleUpdateMaintenance), 1<<20))))

	// Billing
	s.mux.Handle("POST /api/v1/billing/checkout", s.apiLimiter.Middleware(s.auth.Middleware(maxBody(http.HandlerFunc(s.handleCreateCheckout), 1<<20))))
	s.mux.Handle("GET /api/v1/billing/entitlements", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleEntitlements))))
	s.mux.Handle("GET /api/v1/billing/subscriptions", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleListSubscriptions))))
	s.mux.Handle("DELETE /api/v1/billing/subscriptions/{id}", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleCancelSubscription))))

	// Back-office (admin role)
	s.mux.Handle("GET /api/v1/admin/dead-letters", s.apiLimiter.Middleware(s.auth.Middleware(s.adminOnly(http.HandlerFunc(s.handleListDeadLetters)))))
	s.mux.Handle("GET /api/v1/admin/dead-letters/{id}", s.apiLimiter.Middleware(s.auth.Middleware(s.adminOnly(http.HandlerFunc(s.handleGetDeadLetter)))))
	s.mux.Handle("POST /api/v1/admin/dead-letters/{id}/requeue", s.apiLimiter.Middleware(s.auth.Middleware(s.adminOnly(http.HandlerFunc(s.handleRequeueDeadLetter)))))
	s.mux.Handle("GET /api/v1/admin/audit-log", s.apiLimiter.Middleware(s.auth.Middleware(s.adminOnly(http.HandlerFunc(s.handleAuditLog)))))
}

// principal returns the request principal. The auth middleware guarantees one
// on every route this is called from; a zero principal fails every policy.
func principal(r *http.Request) authz.Principal {
	p, _ := middleware.GetPrincipal(r)
	return p
}

// ---------- Webhook handler ----------

// handleBillingWebhook reads the raw body before any parsing: the signature
// covers the exact bytes on the wire.
func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	ack, status, err := s.processor.HandleWebhook(r.Context(), body, r.Header.Get(billing.SignatureHeader), r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, ack)
}

// ---------- Session and organization handlers ----------

func (s *Server) handleSyncMe(w http.ResponseWriter, r *http.Request) {
	var req tenancy.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, status, err := s.orgService.Sync(r.Context(), principal(r), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	resp, status, err := s.orgService.Get(r.Context(), principal(r))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleUpdateOrg(w http.ResponseWriter, r *http.Request) {
	var req tenancy.UpdateOrgRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, status, err := s.orgService.Update(r.Context(), principal(r), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	page, perPage := pagination(r)
	resp, status, err := s.userService.List(r.Context(), principal(r), page, perPage)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleUpdateUserRole(w http.ResponseWriter, r *http.Request) {
	var req tenancy.UpdateUserRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, status, err := s.userService.UpdateRole(r.Context(), principal(r), r.PathValue("id"), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

// ---------- Property handlers ----------

func (s *Server) handleListProperties(w http.ResponseWriter, r *http.Request) {
	resp, status, err := s.propertyService.List(r.Context(), principal(r))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCreateProperty(w http.ResponseWriter, r *http.Request) {
	var req tenancy.CreatePropertyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, status, err := s.propertyService.Create(r.Context(), principal(r), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	resp, status, err := s.propertyService.Get(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleUpdateProperty(w http.ResponseWriter, r *http.Request) {
	var req tenancy.UpdatePropertyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, status, err := s.propertyService.Update(r.Context(), principal(r), r.PathValue("id"), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleDeleteProperty(w http.ResponseWriter, r *http.Request) {
	status, err := s.propertyService.Delete(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, map[string]string{"status": "deleted"})
}

// ---------- Unit handlers ----------

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	resp, status, err := s.unitService.List(r.Context(), principal(r), r.URL.Query().Get("property_id"))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCreateUnit(w http.ResponseWriter, r *http.Request) {
	var req tenancy.CreateUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, status, err := s.unitService.Create(r.Context(), principal(r), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	resp, status, err := s.unitService.Get(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleUpdateUnit(w http.ResponseWriter, r *http.Request) {
	var req tenancy.UpdateUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, status, err := s.unitService.Update(r.Context(), principal(r), r.PathValue("id"), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleDeleteUnit(w http.ResponseWriter, r *http.Request) {
	status, err := s.unitService.Delete(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, map[string]string{"status": "deleted"})
}

// ---------- Tenant handlers ----------

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	resp, status, err := s.tenantService.List(r.Context(), principal(r))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req tenancy.CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, status, err := s.tenantService.Create(r.Context(), principal(r), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	resp, status, err := s.tenantService.Get(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	var req tenancy.UpdateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, status, err := s.tenantService.Update(r.Context(), principal(r), r.PathValue("id"), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	status, err := s.tenantService.Delete(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, map[string]string{"status": "deleted"})
}

// ---------- Lease handlers ----------

func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	resp, status, err := s.leaseService.List(r.Context(), principal(r), r.URL.Query().Get("unit_id"))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCreateLease(w http.ResponseWriter, r *http.Request) {
	var req tenancy.CreateLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, status, err := s.leaseService.Create(r.Context(), principal(r), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetLease(w http.ResponseWriter, r *http.Request) {
	resp, status, err := s.leaseService.Get(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleUpdateLease(w http.ResponseWriter, r *http.Request) {
	var req tenancy.UpdateLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, status, err := s.leaseService.Update(r.Context(), principal(r), r.PathValue("id"), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

// ---------- Maintenance handlers ----------

func (s *Server) handleListMaintenance(w http.ResponseWriter, r *http.Request) {
	resp, status, err := s.maintenanceService.List(r.Context(), principal(r), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCreateMaintenance(w http.ResponseWriter, r *http.Request) {
	var req tenancy.CreateMaintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, status, err := s.maintenanceService.Create(r.Context(), principal(r), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetMaintenance(w http.ResponseWriter, r *http.Request) {
	resp, status, err := s.maintenanceService.Get(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleUpdateMaintenance(w http.ResponseWriter, r *http.Request) {
	var req tenancy.UpdateMaintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, status, err := s.maintenanceService.Update(r.Context(), principal(r), r.PathValue("id"), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

// ---------- Billing handlers ----------

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req billing.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, status, err := s.billingService.CreateCheckout(r.Context(), principal(r), req)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleEntitlements(w http.ResponseWriter, r *http.Request) {
	resp, status, err := s.billingService.CurrentEntitlements(r.Context(), principal(r))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	resp, status, err := s.billingService.ListSubscriptions(r.Context(), principal(r))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	resp, status, err := s.billingService.CancelSubscription(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

// ---------- Back-office handlers ----------

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	page, perPage := pagination(r)
	resp, status, err := s.deadLetterService.List(r.Context(), principal(r), page, perPage)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	resp, status, err := s.deadLetterService.Get(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	status, err := s.deadLetterService.Requeue(r.Context(), principal(r), r.PathValue("id"))
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, map[string]string{"status": "requeued"})
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	page, perPage := pagination(r)
	resp, status, err := s.auditReader.List(r.Context(), principal(r), r.URL.Query().Get("action"), page, perPage)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, resp)
}

// ---------- Helpers ----------

func pagination(r *http.Request) (page, perPage int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	return page, perPage
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// allowedOrigins returns the list of origins permitted for CORS.
// In production, set ALLOWED_ORIGINS env var to a comma-separated list.
func allowedOrigins() map[string]bool {
	originsStr := os.Getenv("ALLOWED_ORIGINS")
	origins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:5173": true,
	}
	if originsStr != "" {
		for _, o := range strings.Split(originsStr, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				origins[o] = true
			}
		}
	}
	return origins
}

var corsOrigins = allowedOrigins()

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		// Only allow whitelisted origins with credentials
		if origin != "" && corsOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else if origin == "" {
			// No Origin header (same-origin or non-browser) — allow without credentials
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			// Unknown origin — allow without credentials (no cookies sent)
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}

		w.Header().Set("Vary", "Origin")

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Accept, X-Requested-With")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
