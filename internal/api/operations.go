package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/kalambet/jobharvest/internal/harvest"
	"github.com/kalambet/jobharvest/internal/operations"
	"github.com/kalambet/jobharvest/internal/storage"
)

// CancelRequest asks for the active operation of Kind to stop.
type CancelRequest struct {
	Kind string `json:"kind" validate:"required,oneof=collection enrichment"`
}

// CancelResponse reports whether an operation was found.
type CancelResponse struct {
	Found bool `json:"found"`
}

// StatusList is returned by the status endpoint when no kind is given.
type StatusList struct {
	Operations []operations.Status `json:"operations"`
}

// RunList is the response of the run history endpoint.
type RunList struct {
	Runs []storage.Run `json:"runs"`
}

// decode reads a JSON body into v and validates it. An empty body leaves v
// at its zero value before validation.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, v); err != nil {
			httpError(w, r, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return false
		}
	}
	if err := validate.Struct(v); err != nil {
		httpError(w, r, http.StatusBadRequest, "invalid_request_error", "%s", validationMessage(err))
		return false
	}
	return true
}

// operationError maps errors returned before an operation ran.
func operationError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *operations.ConflictError
	switch {
	case errors.As(err, &conflict):
		httpError(w, r, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, harvest.ErrInvalidRequest), errors.Is(err, operations.ErrUnknownKind):
		httpError(w, r, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, r, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func handleCollect(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req harvest.CollectRequest
		if !decode(w, r, &req) {
			return
		}
		rep, err := deps.Ops.Collect(r.Context(), req)
		if err != nil {
			operationError(w, r, err)
			return
		}
		render.JSON(w, r, rep)
	}
}

func handleEnrich(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req harvest.EnrichRequest
		if !decode(w, r, &req) {
			return
		}
		rep, err := deps.Ops.Enrich(r.Context(), req)
		if err != nil {
			operationError(w, r, err)
			return
		}
		render.JSON(w, r, rep)
	}
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CancelRequest
		if !decode(w, r, &req) {
			return
		}
		found := deps.Ops.Cancel(operations.Kind(req.Kind))
		deps.Logger.Info("cancel requested over http", "kind", req.Kind, "found", found)
		render.JSON(w, r, CancelResponse{Found: found})
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("kind")
		if raw == "" {
			var list StatusList
			for _, k := range operations.Kinds() {
				list.Operations = append(list.Operations, deps.Ops.Status(k))
			}
			render.JSON(w, r, list)
			return
		}
		kind, err := operations.ParseKind(raw)
		if err != nil {
			operationError(w, r, err)
			return
		}
		render.JSON(w, r, deps.Ops.Status(kind))
	}
}

func handleRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := r.URL.Query().Get("kind")
		if kind != "" {
			if _, err := operations.ParseKind(kind); err != nil {
				operationError(w, r, err)
				return
			}
		}
		limit := parseIntParam(r, "limit", 20, 200)

		runs, err := deps.Ops.Runs(r.Context(), kind, limit)
		if err != nil {
			httpError(w, r, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.Run{}
		}
		render.JSON(w, r, RunList{Runs: runs})
	}
}
