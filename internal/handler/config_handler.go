/*
Package handler provides HTTP handler functions for the overlay config CRUD
endpoints used by the frontend's settings page.
*/
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"blivecast/internal/app/store"
	"blivecast/internal/pkg/errs"
	"blivecast/internal/pkg/req"
	"blivecast/internal/pkg/resp"
)

// ConfigInput is the request body for creating or updating an overlay config.
type ConfigInput struct {
	// Name is the operator-facing label of the config.
	Name string `json:"name"`

	// Data holds the overlay appearance settings, opaque to the server.
	Data json.RawMessage `json:"data"`
}

func (in *ConfigInput) validate() *errs.CustomError {
	if strings.TrimSpace(in.Name) == "" {
		return errs.NewError(errs.ErrInvalidParams)
	}

	// A missing data field decodes as empty, an explicit null as "null".
	if len(in.Data) == 0 || string(in.Data) == "null" {
		in.Data = json.RawMessage("{}")
	}

	return nil
}

// HandleListConfigs returns all stored overlay configs.
func HandleListConfigs(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		configs, err := deps.Store.List(r.Context())
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrConfigStorageFailed))
			return
		}

		resp.RespondSuccess(w, r, configs)
	}
}

// HandleCreateConfig stores a new overlay config.
func HandleCreateConfig(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input ConfigInput

		if customErr := req.BindJSON(r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if customErr := input.validate(); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		cfg, err := deps.Store.Create(r.Context(), input.Name, input.Data)
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrConfigStorageFailed))
			return
		}

		resp.RespondSuccess(w, r, cfg)
	}
}

// HandleGetConfig returns a single overlay config by id.
func HandleGetConfig(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			resp.RespondError(w, r, storeError(err))
			return
		}

		resp.RespondSuccess(w, r, cfg)
	}
}

// HandleUpdateConfig replaces an overlay config's name and data.
func HandleUpdateConfig(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input ConfigInput

		if customErr := req.BindJSON(r, &input); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		if customErr := input.validate(); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		cfg, err := deps.Store.Update(r.Context(), chi.URLParam(r, "id"), input.Name, input.Data)
		if err != nil {
			resp.RespondError(w, r, storeError(err))
			return
		}

		resp.RespondSuccess(w, r, cfg)
	}
}

// HandleDeleteConfig removes an overlay config.
func HandleDeleteConfig(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			resp.RespondError(w, r, storeError(err))
			return
		}

		resp.RespondSuccess(w, r, nil)
	}
}

func storeError(err error) *errs.CustomError {
	if errors.Is(err, store.ErrNotFound) {
		return errs.NewError(errs.ErrConfigNotFound)
	}
	return errs.NewError(errs.ErrConfigStorageFailed)
}
