package queryapi

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cityworks/permit-pipeline/internal/logging"
	"github.com/cityworks/permit-pipeline/internal/pipeerr"
)

// Server exposes the Query API over HTTP, read-only and unauthenticated
// behind the operator's own network perimeter (§4.7).
type Server struct {
	api *API
	log *logging.Logger
}

func NewServer(api *API, log *logging.Logger) *Server {
	return &Server{api: api, log: log}
}

// Router builds the mux router: one logging+recovery wrapped subrouter
// under /api/v1, mirroring the gateway's public-route pattern.
func (s *Server) Router() *mux.Router {
	root := mux.NewRouter()
	root.Use(s.loggingMiddleware, s.recoveryMiddleware)

	api := root.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/entities/search", s.handleSearchEntity).Methods(http.MethodGet)
	api.HandleFunc("/entities/{id}/network", s.handleEntityNetwork).Methods(http.MethodGet)
	api.HandleFunc("/clusters", s.handleFindClusters).Methods(http.MethodGet)
	api.HandleFunc("/inspectors/{name}/links", s.handleInspectorLinks).Methods(http.MethodGet)
	api.HandleFunc("/anomalies", s.handleAnomalyScan).Methods(http.MethodGet)
	api.HandleFunc("/permits/{number}/diagnose", s.handleDiagnoseStuckPermit).Methods(http.MethodGet)
	api.HandleFunc("/timeline/estimate", s.handleEstimateTimeline).Methods(http.MethodGet)

	root.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return root
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithContext(r.Context()).Infof("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.WithContext(r.Context()).Errorf("panic handling %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSearchEntity(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	entityType := r.URL.Query().Get("entity_type")

	results, err := s.api.SearchEntity(r.Context(), name, entityType)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleEntityNetwork(w http.ResponseWriter, r *http.Request) {
	entityID, err := parseEntityID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hops := 1
	if v := r.URL.Query().Get("hops"); v != "" {
		hops, err = strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "hops must be an integer")
			return
		}
	}

	network, err := s.api.EntityNetwork(r.Context(), entityID, hops)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, network)
}

func (s *Server) handleFindClusters(w http.ResponseWriter, r *http.Request) {
	minSize := 3
	minWeight := 1
	if v := r.URL.Query().Get("min_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "min_size must be an integer")
			return
		}
		minSize = n
	}
	if v := r.URL.Query().Get("min_weight"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "min_weight must be an integer")
			return
		}
		minWeight = n
	}
	entityType := r.URL.Query().Get("entity_type")

	clusters, err := s.api.FindClusters(r.Context(), minSize, minWeight, entityType)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clusters)
}

func (s *Server) handleInspectorLinks(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	links, err := s.api.InspectorContractorLinks(r.Context(), name)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

func (s *Server) handleAnomalyScan(w http.ResponseWriter, r *http.Request) {
	minPermits := 10
	if v := r.URL.Query().Get("min_permits"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "min_permits must be an integer")
			return
		}
		minPermits = n
	}

	scan, err := s.api.AnomalyScan(r.Context(), minPermits)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

func (s *Server) handleDiagnoseStuckPermit(w http.ResponseWriter, r *http.Request) {
	permitNumber := mux.Vars(r)["number"]
	playbook, err := s.api.DiagnoseStuckPermit(r.Context(), permitNumber, time.Now())
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, playbook)
}

func (s *Server) handleEstimateTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	permitType := q.Get("permit_type")
	if permitType == "" {
		writeError(w, http.StatusBadRequest, "permit_type is required")
		return
	}
	triggers := q["trigger"]
	neighborhood := q.Get("neighborhood")

	estimate, err := s.api.EstimateTimeline(r.Context(), permitType, triggers, neighborhood)
	if err != nil {
		writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, estimate)
}

func parseEntityID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, pipeerr.NewBadRequest("entity id must be an integer")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeErrorFor(w http.ResponseWriter, err error) {
	switch pipeerr.Kind(err) {
	case "NotFound":
		writeError(w, http.StatusNotFound, err.Error())
	case "BadRequest":
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
