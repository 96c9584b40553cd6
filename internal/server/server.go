package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/eventstore"
	"actionline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unknown_recipe"`
	Message string         `json:"message" example:"unknown recipe \"Task\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Actionline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Actionline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerActions(group, cfg.Engine)
	registerReferences(group, cfg.Engine)
	registerRecords(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var unknownRecipe engine.UnknownRecipeError
	if errors.As(err, &unknownRecipe) {
		return newAPIError(http.StatusUnprocessableEntity, "unknown_recipe", err.Error(), map[string]any{"type": unknownRecipe.Type})
	}
	var unknownField engine.UnknownFieldError
	if errors.As(err, &unknownField) {
		return newAPIError(http.StatusUnprocessableEntity, "unknown_field", err.Error(), map[string]any{"field": unknownField.Field})
	}
	var missingField engine.MissingRequiredFieldError
	if errors.As(err, &missingField) {
		return newAPIError(http.StatusUnprocessableEntity, "missing_required_field", err.Error(), map[string]any{"field": missingField.Field})
	}
	var unknownSlot engine.UnknownReferenceSlotError
	if errors.As(err, &unknownSlot) {
		return newAPIError(http.StatusUnprocessableEntity, "unknown_reference_slot", err.Error(), map[string]any{"slot": unknownSlot.Slot})
	}
	var retracted engine.ActionRetractedError
	if errors.As(err, &retracted) {
		return newAPIError(http.StatusConflict, "action_retracted", err.Error(), map[string]any{"action_id": retracted.ActionID})
	}
	if errors.Is(err, eventstore.ErrConflict) {
		return newAPIError(http.StatusConflict, "concurrent_append_conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Actionline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "compose-action",
		Method:        http.MethodPost,
		Path:          "/actions",
		Summary:       "Declare an action",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ComposeRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		if input.Body.ContextID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "context_id is required", nil)
		}
		state, err := e.Compose(ctx, composeOptions(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(state)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}",
		Summary:     "Projected action state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		state, err := e.GetAction(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(state)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-action-events",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}/events",
		Summary:     "Action event history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		events, err := e.History(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "emit-action-event",
		Method:        http.MethodPost,
		Path:          "/actions/{action_id}/events",
		Summary:       "Append a single event",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string           `path:"action_id"`
		Body     EmitEventRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		data, err := json.Marshal(input.Body.Payload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
		}
		payload, err := domain.DecodePayload(domain.EventType(input.Body.Type), data)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		state, err := e.Emit(ctx, input.ActionID, input.Body.BaseSequence, payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(state)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "amend-action",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/amend",
		Summary:     "Append field values and references",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string       `path:"action_id"`
		Body     AmendRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		state, err := e.Amend(ctx, engine.AmendOptions{
			ActionID:     input.ActionID,
			BaseSequence: input.Body.BaseSequence,
			FieldValues:  fieldValueMap(input.Body.FieldValues),
			References:   referenceOptions(input.Body.References),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(state)}, nil
	})
}

func registerReferences(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-reference",
		Method:      http.MethodGet,
		Path:        "/references/{reference_id}/resolve",
		Summary:     "Resolve a reference",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ReferenceID string `path:"reference_id"`
	}) (*struct {
		Body struct {
			Resolved ResolvedResponse `json:"resolved"`
		} `json:"body"`
	}, error) {
		resolved, err := e.ResolveReference(ctx, input.ReferenceID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Resolved ResolvedResponse `json:"resolved"`
			} `json:"body"`
		}{}
		out.Body.Resolved = resolvedResponse(resolved)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-reference-drift",
		Method:      http.MethodGet,
		Path:        "/references/{reference_id}/drift",
		Summary:     "Check snapshot drift",
		Description: "Manual trigger only; drift is never checked automatically.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ReferenceID string `path:"reference_id"`
	}) (*struct {
		Body DriftResponse `json:"body"`
	}, error) {
		result, err := e.CheckDrift(ctx, input.ReferenceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DriftResponse `json:"body"`
		}{Body: driftResponse(result)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-references",
		Method:      http.MethodPost,
		Path:        "/references/resolve",
		Summary:     "Resolve a batch of references",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body BatchResolveRequest `json:"body"`
	}) (*struct {
		Body map[string]ResolvedResponse `json:"body"`
	}, error) {
		if len(input.Body.ReferenceIDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reference_ids is required", nil)
		}
		resolved, err := e.ResolveReferences(ctx, input.Body.ReferenceIDs)
		if err != nil {
			return nil, handleError(err)
		}
		out := make(map[string]ResolvedResponse, len(resolved))
		for id, v := range resolved {
			out[id] = resolvedResponse(v)
		}
		return &struct {
			Body map[string]ResolvedResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-reference-mode",
		Method:      http.MethodPatch,
		Path:        "/references/{reference_id}/mode",
		Summary:     "Convert a reference between static and dynamic",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ReferenceID string                  `path:"reference_id"`
		Body        SetReferenceModeRequest `json:"body"`
	}) (*struct {
		Body ReferenceResponse `json:"body"`
	}, error) {
		ref, err := e.ChangeReferenceMode(ctx, input.ReferenceID, domain.RefMode(input.Body.Mode))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReferenceResponse `json:"body"`
		}{Body: referenceResponse(ref)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "overwrite-reference-snapshot",
		Method:      http.MethodPatch,
		Path:        "/references/{reference_id}/snapshot",
		Summary:     "Overwrite a static snapshot",
		Description: "Sync-to-live materialized as a new reference event.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ReferenceID string                   `path:"reference_id"`
		Body        OverwriteSnapshotRequest `json:"body"`
	}) (*struct {
		Body ReferenceResponse `json:"body"`
	}, error) {
		ref, err := e.OverwriteSnapshot(ctx, input.ReferenceID, input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReferenceResponse `json:"body"`
		}{Body: referenceResponse(ref)}, nil
	})
}

func registerRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "put-record",
		Method:      http.MethodPut,
		Path:        "/records/{record_id}",
		Summary:     "Create or replace a record",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RecordID string           `path:"record_id"`
		Body     PutRecordRequest `json:"body"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		rec, err := e.Repo.UpsertRecord(ctx, domain.Record{ID: input.RecordID, Fields: input.Body.Fields})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: recordResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{record_id}",
		Summary:     "Get a record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecordID string `path:"record_id"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		rec, err := e.Repo.GetRecord(ctx, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: recordResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List records",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RecordResponse `json:"body"`
	}, error) {
		records, err := e.Repo.ListRecords(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RecordResponse, len(records))
		for i, r := range records {
			out[i] = recordResponse(r)
		}
		return &struct {
			Body []RecordResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-record-field",
		Method:      http.MethodPatch,
		Path:        "/records/{record_id}/fields/{field_key}",
		Summary:     "Set one record field",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecordID string                `path:"record_id"`
		FieldKey string                `path:"field_key"`
		Body     SetRecordFieldRequest `json:"body"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		rec, err := e.Repo.SetRecordField(ctx, input.RecordID, input.FieldKey, input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: recordResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-record",
		Method:      http.MethodDelete,
		Path:        "/records/{record_id}",
		Summary:     "Delete a record",
		Description: "References pointing at the record become dangling and resolve stale.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecordID string `path:"record_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteRecord(ctx, input.RecordID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
