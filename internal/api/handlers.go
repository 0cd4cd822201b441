package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/clearkey-license-gateway/internal/audit"
	"github.com/kenneth/clearkey-license-gateway/internal/debug"
	"github.com/kenneth/clearkey-license-gateway/internal/keys"
	"github.com/kenneth/clearkey-license-gateway/internal/license"
	"github.com/kenneth/clearkey-license-gateway/internal/metrics"
)

// maxChallengeBytes bounds the opaque challenge payloads some clients
// POST with a license request. The payload is never interpreted.
const maxChallengeBytes = 64 * 1024

// routes listed in the 404 response body.
var knownRoutes = []string{
	"GET /license",
	"POST /license",
	"GET /health",
	"GET /status",
	"GET /metrics",
	"GET /content/",
}

// Handler handles HTTP requests for the license gateway.
type Handler struct {
	authority  *license.Authority
	holder     *keys.Holder
	storePath  string
	contentDir string
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	audit      audit.Logger
}

// NewHandler creates a new API handler. All collaborators are passed
// in explicitly; the handler holds no ambient state.
func NewHandler(authority *license.Authority, holder *keys.Holder, storePath, contentDir string, logger *logrus.Logger, m *metrics.Metrics, auditLog audit.Logger) *Handler {
	return &Handler{
		authority:  authority,
		holder:     holder,
		storePath:  storePath,
		contentDir: contentDir,
		logger:     logger,
		metrics:    m,
		audit:      auditLog,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/license", h.handleLicense).Methods(http.MethodGet, http.MethodPost, http.MethodOptions)
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)

	if h.contentDir != "" {
		r.PathPrefix("/content/").Handler(h.contentHandler()).Methods(http.MethodGet, http.MethodHead, http.MethodOptions)
	}

	r.NotFoundHandler = http.HandlerFunc(h.handleNotFound)
}

// handleLicense runs the authorize/respond sequence and returns the
// ClearKey JWK set to authorized clients.
func (h *Handler) handleLicense(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()

	if r.Method == http.MethodOptions {
		writePreflight(w)
		h.metrics.RecordHTTPRequest(r.Method, "/license", http.StatusOK, time.Since(start))
		return
	}

	// Challenge bodies are accepted but pass straight through unread.
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(r.Body, maxChallengeBytes))
	}

	credential := ExtractCredential(r)
	decision := h.authority.Process(credential, body)

	var status int
	var outcome string
	switch decision.State {
	case license.StateResponded:
		status = http.StatusOK
		outcome = "responded"
		writeJSON(w, status, decision.License)
		if debug.Enabled() {
			h.logger.WithFields(logrus.Fields{
				"request_id": requestID,
				"kid":        decision.License.Keys[0].Kid,
			}).Debug("License issued")
		}
	default:
		outcome = string(decision.Reason)
		if decision.Reason.ClientError() {
			status = http.StatusForbidden
			h.logger.WithFields(logrus.Fields{
				"request_id": requestID,
				"reason":     decision.Reason,
				"client":     audit.TruncateClient(r.RemoteAddr),
			}).Warn("License request rejected")
		} else {
			// Server misconfiguration, not the client's fault. Full
			// detail in the log, generic summary to the caller.
			status = http.StatusInternalServerError
			h.logger.WithFields(logrus.Fields{
				"request_id": requestID,
				"key_store":  h.storePath,
			}).Error("License request with no key record loaded")
		}
		writeError(w, status, decision.Reason.Message())
	}

	authOutcome := "ok"
	if decision.Reason.ClientError() {
		authOutcome = string(decision.Reason)
	}
	h.audit.LogRequest(audit.EventTypeLicense, r.Method, r.URL.Path, r.RemoteAddr, requestID, authOutcome, outcome, status, decision.Reason.Message(), time.Since(start))
	h.metrics.RecordLicenseRequest(outcome)
	h.metrics.RecordHTTPRequest(r.Method, "/license", status, time.Since(start))
}

// healthStatus is the ungated liveness response.
type healthStatus struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	KeysLoaded int       `json:"keysLoaded"`
	AuthTokens int       `json:"authTokens"`
}

// handleHealth reports liveness plus counts only: whether a record is
// loaded and how many credentials are configured. Unauthenticated.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	loaded := 0
	if h.holder.Loaded() {
		loaded = 1
	}
	writeJSON(w, http.StatusOK, healthStatus{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		KeysLoaded: loaded,
		AuthTokens: h.authority.TokenCount(),
	})
	h.metrics.RecordHTTPRequest(r.Method, "/health", http.StatusOK, time.Since(start))
}

// statusResponse is the configuration-revealing status variant.
type statusResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	KeysLoaded int       `json:"keysLoaded"`
	AuthTokens int       `json:"authTokens"`
	KeyStore   string    `json:"keyStore"`
	ActiveKID  string    `json:"activeKid,omitempty"`
	Generated  string    `json:"generated,omitempty"`
}

// handleStatus reveals configuration detail (store path, active kid in
// hex, generation time) and is gated by the same credentials as the
// license endpoint. The kid identifies a key but is not secret; the
// key itself never appears here.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()

	credential := ExtractCredential(r)
	status := http.StatusOK
	outcome := "responded"

	if reason := h.authority.Authenticate(credential); reason != license.ReasonNone {
		status = http.StatusForbidden
		outcome = string(reason)
		writeError(w, status, reason.Message())
	} else {
		resp := statusResponse{
			Status:     "ok",
			Timestamp:  time.Now().UTC(),
			AuthTokens: h.authority.TokenCount(),
			KeyStore:   h.storePath,
		}
		if record := h.holder.Active(); record != nil {
			resp.KeysLoaded = 1
			resp.ActiveKID = record.KID.Hex
			resp.Generated = record.GeneratedAt.Format(time.RFC3339)
		}
		writeJSON(w, status, resp)
	}

	h.audit.LogRequest(audit.EventTypeStatus, r.Method, r.URL.Path, r.RemoteAddr, requestID, outcome, outcome, status, "", time.Since(start))
	h.metrics.RecordHTTPRequest(r.Method, "/status", status, time.Since(start))
}

// notFoundResponse lists the available routes for unknown paths.
type notFoundResponse struct {
	Error  string   `json:"error"`
	Routes []string `json:"routes"`
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	writeJSON(w, http.StatusNotFound, notFoundResponse{
		Error:  "Not found",
		Routes: knownRoutes,
	})
	h.metrics.RecordHTTPRequest(r.Method, "unknown", http.StatusNotFound, time.Since(start))
}

// writeJSON writes v as the complete response body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError writes the {error: reason} body. The reason string never
// contains internal state.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeCORS adds the cross-origin headers the browser-based players
// need on every response.
func writeCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
	h.Set("Access-Control-Expose-Headers", "Content-Range, Content-Length, Accept-Ranges")
}

func writePreflight(w http.ResponseWriter) {
	writeCORS(w)
	w.WriteHeader(http.StatusOK)
}
