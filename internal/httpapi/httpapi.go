// Package httpapi exposes the till over HTTP. Handlers decode, call the
// service and encode; every business decision lives below this layer.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tillbook/internal/domain"
	"tillbook/internal/receipt"
	"tillbook/internal/service"
	"tillbook/internal/store"
)

type Server struct {
	svc  *service.Service
	auth *AuthManager
	log  *logrus.Logger
	mux  *http.ServeMux
}

func NewServer(svc *service.Service, auth *AuthManager, log *logrus.Logger) *Server {
	s := &Server{svc: svc, auth: auth, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /api/login", s.handleLogin)

	s.mux.Handle("POST /api/products", s.requireAuth(s.handleCreateProduct))
	s.mux.Handle("GET /api/products", s.requireAuth(s.handleListProducts))
	s.mux.Handle("GET /api/products/{ref}", s.requireAuth(s.handleGetProduct))
	s.mux.Handle("PATCH /api/products/{ref}", s.requireAuth(s.handleUpdateProduct))

	s.mux.Handle("POST /api/sessions/open", s.requireAuth(s.handleEnsureOpen))
	s.mux.Handle("GET /api/sessions/current", s.requireAuth(s.handleCurrentSession))
	s.mux.Handle("GET /api/sessions/{id}", s.requireAuth(s.handleGetSession))
	s.mux.Handle("POST /api/sessions/{id}/lines", s.requireAuth(s.handleAddLine))
	s.mux.Handle("GET /api/sessions/{id}/lines", s.requireAuth(s.handleListLines))
	s.mux.Handle("DELETE /api/sessions/{id}/lines", s.requireAuth(s.handleRemoveLine))
	s.mux.Handle("POST /api/sessions/{id}/close", s.requireAuth(s.handleCloseSession))

	s.mux.Handle("POST /api/sales", s.requireAuth(s.handleDirectSale))
	s.mux.Handle("GET /api/invoices/{id}", s.requireAuth(s.handleGetInvoice))
	s.mux.Handle("GET /api/invoices/{id}/stock-postings", s.requireAuth(s.handleStockPostings))

	s.mux.Handle("GET /api/receipts/{number}", s.requireAuth(s.handleParseReceipt))
}

func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, r, service.ErrUnauthorized)
			return
		}
		actor, err := s.auth.Verify(token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	})
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := "internal", http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		code, status = "invalid_input", http.StatusBadRequest
	case errors.Is(err, service.ErrPinRequired):
		code, status = "pin_required", http.StatusUnauthorized
	case errors.Is(err, service.ErrPinInvalid):
		code, status = "pin_invalid", http.StatusForbidden
	case errors.Is(err, service.ErrUnauthorized):
		code, status = "unauthorized", http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		code, status = "not_found", http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		code, status = "conflict", http.StatusConflict
	case errors.Is(err, store.ErrInvalidState):
		code, status = "invalid_state", http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrUnavailable):
		code, status = "unavailable", http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(store.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.auth.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	product, err := s.svc.CreateProduct(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.svc.ListProducts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := s.svc.GetProduct(r.Context(), r.PathValue("ref"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	product, err := s.svc.UpdateProduct(r.Context(), r.PathValue("ref"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (s *Server) handleEnsureOpen(w http.ResponseWriter, r *http.Request) {
	ses, err := s.svc.EnsureOpenSession(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ses)
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	ses, err := s.svc.GetOpenSession(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ses)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ses, err := s.svc.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ses)
}

func (s *Server) handleAddLine(w http.ResponseWriter, r *http.Request) {
	var req domain.AddLineRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	line, err := s.svc.AddLine(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, line)
}

func (s *Server) handleListLines(w http.ResponseWriter, r *http.Request) {
	afterID, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	page, err := s.svc.ListLines(r.Context(), r.PathValue("id"), afterID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	var req domain.RemoveLineRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	removed, err := s.svc.RemoveLine(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	var req domain.CloseSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.svc.CloseSession(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDirectSale(w http.ResponseWriter, r *http.Request) {
	var req domain.DirectSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	result, err := s.svc.DirectSale(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	invoice, err := s.svc.GetInvoice(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

func (s *Server) handleStockPostings(w http.ResponseWriter, r *http.Request) {
	postings, err := s.svc.ListStockPostings(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, postings)
}

func (s *Server) handleParseReceipt(w http.ResponseWriter, r *http.Request) {
	c, err := receipt.Parse(r.PathValue("number"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"return":       c.Return,
		"storeId":      c.StoreID,
		"businessDate": c.BusinessDate,
		"sequence":     c.Sequence,
	})
}

// NewHTTPServer wraps the API in an http.Server with sane timeouts.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
