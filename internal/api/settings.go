package api

import (
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/karstenhoffmann/nexus-os/internal/server"
)

type settingRequest struct {
	Value string `json:"value"`
}

// SettingsHandler reads and writes the key-value settings table.
//
// GET /api/settings
// GET /api/settings/{key}
// PUT /api/settings/{key}
func SettingsHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := pathTail(r, "/api/settings")

		switch {
		case len(parts) == 0:
			if r.Method != http.MethodGet {
				respondError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			settings, err := srv.Store.ListSettings(r.Context())
			if err != nil {
				srv.Logger.Error("list settings", "error", err)
				respondError(w, http.StatusInternalServerError, "list settings failed")
				return
			}
			respondJSON(w, http.StatusOK, map[string]any{"settings": settings})

		case len(parts) == 1:
			key := parts[0]
			switch r.Method {
			case http.MethodGet:
				value, err := srv.Store.GetSetting(r.Context(), key, "")
				if err != nil {
					srv.Logger.Error("get setting", "key", key, "error", err)
					respondError(w, http.StatusInternalServerError, "get setting failed")
					return
				}
				respondJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
			case http.MethodPut, http.MethodPost:
				var req settingRequest
				if err := decodeJSON(r, &req); err != nil {
					respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
					return
				}
				if err := srv.Store.SetSetting(r.Context(), key, req.Value); err != nil {
					srv.Logger.Error("set setting", "key", key, "error", err)
					respondError(w, http.StatusInternalServerError, "set setting failed")
					return
				}
				respondJSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
			default:
				respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			}

		default:
			respondError(w, http.StatusNotFound, "not found")
		}
	})
}

type promptSaveRequest struct {
	Template    string  `json:"template"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

func (req promptSaveRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Template, validation.Required, validation.Length(1, 20000)),
		validation.Field(&req.Temperature, validation.Min(0.0), validation.Max(2.0)),
		validation.Field(&req.MaxTokens, validation.Min(0), validation.Max(32768)),
	)
}

// PromptsHandler lists prompt templates and manages per-key overrides.
// Deleting an override resets the key to its built-in default.
//
// GET    /api/prompts
// GET    /api/prompts/{key}
// PUT    /api/prompts/{key}
// DELETE /api/prompts/{key}
func PromptsHandler(srv *server.Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := pathTail(r, "/api/prompts")

		switch {
		case len(parts) == 0:
			if r.Method != http.MethodGet {
				respondError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			prompts, err := srv.Prompts.List(r.Context())
			if err != nil {
				srv.Logger.Error("list prompts", "error", err)
				respondError(w, http.StatusInternalServerError, "list prompts failed")
				return
			}
			respondJSON(w, http.StatusOK, map[string]any{"prompts": prompts})

		case len(parts) == 1:
			key := parts[0]
			switch r.Method {
			case http.MethodGet:
				p, err := srv.Prompts.Get(r.Context(), key)
				if err != nil {
					respondError(w, http.StatusNotFound, err.Error())
					return
				}
				respondJSON(w, http.StatusOK, p)
			case http.MethodPut:
				var req promptSaveRequest
				if err := decodeJSON(r, &req); err != nil {
					respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
					return
				}
				if err := req.Validate(); err != nil {
					respondError(w, http.StatusBadRequest, err.Error())
					return
				}
				if err := srv.Prompts.Save(r.Context(), key, req.Template, req.Temperature, req.MaxTokens); err != nil {
					respondError(w, http.StatusBadRequest, err.Error())
					return
				}
				p, err := srv.Prompts.Get(r.Context(), key)
				if err != nil {
					respondError(w, http.StatusInternalServerError, err.Error())
					return
				}
				respondJSON(w, http.StatusOK, p)
			case http.MethodDelete:
				if err := srv.Prompts.Reset(r.Context(), key); err != nil {
					respondError(w, http.StatusBadRequest, err.Error())
					return
				}
				respondJSON(w, http.StatusOK, map[string]string{"reset": key})
			default:
				respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			}

		default:
			respondError(w, http.StatusNotFound, "not found")
		}
	})
}
