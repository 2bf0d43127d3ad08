package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/caffeineduck/vmrt/internal/store"
	"github.com/caffeineduck/vmrt/system"
	"github.com/caffeineduck/vmrt/vm"
	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20
	maxModuleSize    = 64 << 20
)

type healthResponse struct {
	Status string `json:"status"`
	Driver string `json:"driver"`
}

type driverResponse struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type moduleResponse struct {
	moduleInfo
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type invokeRequest struct {
	Inputs []string `json:"inputs"`
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Driver: s.sys.DriverName()})
}

func (s *server) handleListDrivers(w http.ResponseWriter, _ *http.Request) {
	active := s.sys.DriverName()
	var out []driverResponse
	for _, name := range s.drivers.Query() {
		out = append(out, driverResponse{Name: name, Active: name == active})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"drivers": out})
}

func (s *server) handleListModules(w http.ResponseWriter, r *http.Request) {
	modules, err := s.store.ListModules(r.Context())
	if err != nil {
		s.logger.Error("list modules", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list modules")
		return
	}
	if modules == nil {
		modules = []*store.Module{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"modules": modules})
}

// handlePutModule stores a module binary under {name}. The binary must
// declare the same name and link against the hal module.
func (s *server) handlePutModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	r.Body = http.MaxBytesReader(w, r.Body, maxModuleSize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "module too large")
		return
	}

	mod, err := vm.LoadModule(data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if mod.Name() != name {
		s.writeError(w, http.StatusBadRequest, "module binary is named "+strconv.Quote(mod.Name()))
		return
	}
	sc, err := system.LoadModules(s.sys, mod)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	rec, err := s.store.PutModule(r.Context(), name, data)
	if err != nil {
		s.logger.Error("put module", zap.String("module", name), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to store module")
		return
	}
	s.cacheModule(name, sc)
	s.logger.Info("module stored", zap.String("module", name), zap.Int("bytes", len(data)))

	s.writeJSON(w, http.StatusCreated, moduleResponse{
		moduleInfo: describeModule(mod),
		Size:       rec.Size,
		CreatedAt:  rec.CreatedAt,
	})
}

func (s *server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	rec, err := s.store.GetModule(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "module not found")
		return
	}
	if err != nil {
		s.logger.Error("get module", zap.String("module", name), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to get module")
		return
	}
	mod, err := vm.LoadModule(rec.Data)
	if err != nil {
		s.logger.Error("decode stored module", zap.String("module", name), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "stored module is unreadable")
		return
	}

	s.writeJSON(w, http.StatusOK, moduleResponse{
		moduleInfo: describeModule(mod),
		Size:       rec.Size,
		CreatedAt:  rec.CreatedAt,
	})
}

func (s *server) handleDeleteModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := s.store.DeleteModule(r.Context(), name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "module not found")
			return
		}
		s.logger.Error("delete module", zap.String("module", name), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to delete module")
		return
	}
	s.cacheModule(name, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleInvoke runs one function and records the invocation. Failures raised
// while the function runs are recorded and answered with 422.
func (s *server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name, function := chi.URLParam(r, "name"), chi.URLParam(r, "function")

	var req invokeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sc, err := s.moduleContext(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "module not found")
		return
	}
	if err != nil {
		s.logger.Error("load module", zap.String("module", name), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load module")
		return
	}
	bound, _ := sc.Module(name)
	fn, ok := bound.Function(function)
	if !ok {
		s.writeError(w, http.StatusNotFound, "function not found")
		return
	}

	args, err := parseInputs(req.Inputs)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	abi, err := fn.Abi()
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	inputs, err := abi.RawPackInputs(args...)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer inputs.Clear()
	results, err := abi.AllocateResults(inputs, false)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer results.Clear()

	inv, err := sc.Context().InvokeAsync(r.Context(), fn.Function(), inputs, results)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	<-inv.Done()

	rec := &store.Invocation{
		ID:         inv.ID().String(),
		Module:     name,
		Function:   function,
		Driver:     s.sys.DriverName(),
		Status:     store.StatusOK,
		Inputs:     append([]string{}, req.Inputs...),
		Outputs:    []string{},
		DurationMS: inv.Duration().Milliseconds(),
		CreatedAt:  ulid.Time(inv.ID().Time()).UTC(),
	}
	status := http.StatusOK
	if err := inv.Err(); err != nil {
		rec.Status, rec.Error, status = store.StatusFailed, err.Error(), http.StatusUnprocessableEntity
	} else if outs, err := abi.RawUnpackResults(results); err != nil {
		rec.Status, rec.Error, status = store.StatusFailed, err.Error(), http.StatusUnprocessableEntity
	} else {
		rec.Outputs = formatResults(outs)
	}

	if err := s.store.CreateInvocation(r.Context(), rec); err != nil {
		s.logger.Error("record invocation", zap.String("id", rec.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to record invocation")
		return
	}
	s.writeJSON(w, status, rec)
}

func (s *server) handleGetInvocation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	inv, err := s.store.GetInvocation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "invocation not found")
		return
	}
	if err != nil {
		s.logger.Error("get invocation", zap.String("id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to get invocation")
		return
	}
	s.writeJSON(w, http.StatusOK, inv)
}

func (s *server) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	invs, err := s.store.ListInvocations(r.Context(), r.URL.Query().Get("module"), limit)
	if err != nil {
		s.logger.Error("list invocations", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list invocations")
		return
	}
	if invs == nil {
		invs = []*store.Invocation{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"invocations": invs, "limit": limit})
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return defaultVal
	}
	return v
}
