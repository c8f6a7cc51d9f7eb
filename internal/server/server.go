package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/engine/auth"
	"bountyline/internal/metrics"
	"bountyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      zerolog.Logger
	// CORSOrigins lists allowed browser origins. Empty disables CORS headers.
	CORSOrigins []string
	// Metrics mounts the prometheus handler at /metrics.
	Metrics bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"event SELECT_LAB is not allowed in state drafting"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"legal_events\":[\"SUBMIT_DRAFT\",\"CANCEL_BOUNTY\"]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

const devTokenTTL = 12 * time.Hour

// New returns an HTTP handler exposing the Bountyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Api-Key", "X-Actor-Id"},
			AllowCredentials: true,
		}).Handler)
	}
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, cfg.Log))
	if cfg.Metrics {
		router.Handle("/metrics", metrics.Handler())
	}
	hcfg := huma.DefaultConfig("Bountyline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerBounties(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerProposals(group, cfg.Engine)
	registerEscrow(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

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

// handleError maps an engine error onto the envelope by its kind.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var de *domain.Error
	if !errors.As(err, &de) {
		if errors.Is(err, repo.ErrNotFound) {
			return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
		}
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
	switch de.Kind {
	case domain.KindAuthentication:
		return newAPIError(http.StatusUnauthorized, "unauthorized", de.Message, nil)
	case domain.KindAuthorization:
		var fe auth.ForbiddenError
		if errors.As(err, &fe) {
			return newAPIError(http.StatusForbidden, "forbidden", de.Message, map[string]any{"required": fe.Required})
		}
		return newAPIError(http.StatusForbidden, "forbidden", de.Message, nil)
	case domain.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", de.Message, nil)
	case domain.KindValidation:
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", de.Message, nil)
	case domain.KindIllegalTransition:
		return newAPIError(http.StatusConflict, "illegal_transition", de.Message, map[string]any{"legal_events": nonNilSlice(de.LegalEvents)})
	case domain.KindConflict:
		return newAPIError(http.StatusConflict, "conflict", de.Message, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": de.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
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
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Bountyline API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
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

type bountyPath struct {
	BountyID string `path:"bounty_id"`
}

func registerBounties(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-bounty",
		Method:        http.MethodPost,
		Path:          "/bounties",
		Summary:       "Create a bounty in drafting",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateBountyRequest `json:"body"`
	}) (*struct {
		Body domain.Aggregate `json:"body"`
	}, error) {
		actor, err := actorFromRequest(ctx, e.Repo)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.CreateBountyOptions{
			Actor:       actor,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			TotalBudget: input.Body.TotalBudget,
			Currency:    input.Body.Currency,
			Milestones:  milestoneInputs(input.Body.Milestones),
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		agg, err := e.CreateBounty(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Aggregate `json:"body"`
		}{Body: aggregateResponse(agg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bounties",
		Method:      http.MethodGet,
		Path:        "/bounties",
		Summary:     "List bounties",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		State    string `query:"state"`
		FunderID string `query:"funder_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Bounty `json:"body"`
	}, error) {
		if _, err := actorFromRequest(ctx, e.Repo); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListBounties(ctx, repo.BountyFilters{
			State:    input.State,
			FunderID: input.FunderID,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Bounty `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bounty",
		Method:      http.MethodGet,
		Path:        "/bounties/{bounty_id}",
		Summary:     "Get a bounty with milestones, proposals, escrow and disputes",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *bountyPath) (*struct {
		Body domain.Aggregate `json:"body"`
	}, error) {
		if _, err := actorFromRequest(ctx, e.Repo); err != nil {
			return nil, handleError(err)
		}
		agg, err := e.GetAggregate(ctx, input.BountyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Aggregate `json:"body"`
		}{Body: aggregateResponse(agg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-bounty",
		Method:        http.MethodDelete,
		Path:          "/bounties/{bounty_id}",
		Summary:       "Delete a drafting bounty",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *bountyPath) (*struct{}, error) {
		actor, err := actorFromRequest(ctx, e.Repo)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteBounty(ctx, input.BountyID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bounty-history",
		Method:      http.MethodGet,
		Path:        "/bounties/{bounty_id}/history",
		Summary:     "State history, oldest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *bountyPath) (*struct {
		Body []domain.StateEntry `json:"body"`
	}, error) {
		if _, err := actorFromRequest(ctx, e.Repo); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.History(ctx, input.BountyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StateEntry `json:"body"`
		}{Body: nonNilSlice(entries)}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-event",
		Method:      http.MethodPost,
		Path:        "/bounties/{bounty_id}/events",
		Summary:     "Apply a lifecycle event",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		BountyID string            `path:"bounty_id"`
		Body     ApplyEventRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		actor, err := actorFromRequest(ctx, e.Repo)
		if err != nil {
			return nil, handleError(err)
		}
		var raw json.RawMessage
		if input.Body.Data != nil {
			raw, err = json.Marshal(input.Body.Data)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid data", nil)
			}
		}
		payload, err := e.DecodeEvent(ctx, input.BountyID, domain.Event(input.Body.Event), raw)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Apply(ctx, engine.Command{
			BountyID: input.BountyID,
			Actor:    actor,
			Payload:  payload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "legal-events",
		Method:      http.MethodGet,
		Path:        "/bounties/{bounty_id}/legal-events",
		Summary:     "Events legal in the bounty's current state",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *bountyPath) (*struct {
		Body LegalEventsResponse `json:"body"`
	}, error) {
		if _, err := actorFromRequest(ctx, e.Repo); err != nil {
			return nil, handleError(err)
		}
		b, err := e.Repo.GetBounty(ctx, input.BountyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LegalEventsResponse `json:"body"`
		}{Body: LegalEventsResponse{State: b.State, Events: nonNilSlice(engine.LegalEvents(b.State))}}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-proposal",
		Method:        http.MethodPost,
		Path:          "/bounties/{bounty_id}/proposals",
		Summary:       "Submit a proposal while bidding",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		BountyID string                `path:"bounty_id"`
		Body     SubmitProposalRequest `json:"body"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		actor, err := actorFromRequest(ctx, e.Repo)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.SubmitProposal(ctx, engine.SubmitProposalOptions{
			BountyID:      input.BountyID,
			Actor:         actor,
			LabID:         input.Body.LabID,
			BidAmount:     input.Body.BidAmount,
			StakedAmount:  input.Body.StakedAmount,
			PayoutAddress: input.Body.PayoutAddress,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-proposal",
		Method:      http.MethodPost,
		Path:        "/bounties/{bounty_id}/proposals/{proposal_id}/withdraw",
		Summary:     "Withdraw a pending proposal",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		BountyID   string `path:"bounty_id"`
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		actor, err := actorFromRequest(ctx, e.Repo)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.WithdrawProposal(ctx, input.BountyID, input.ProposalID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})
}

func registerEscrow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "confirm-deposit",
		Method:      http.MethodPost,
		Path:        "/bounties/{bounty_id}/deposits",
		Summary:     "Verify the escrow deposit on its rail and lock the escrow",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		BountyID string                `path:"bounty_id"`
		Body     ConfirmDepositRequest `json:"body"`
	}) (*struct {
		Body domain.Escrow `json:"body"`
	}, error) {
		actor, err := actorFromRequest(ctx, e.Repo)
		if err != nil {
			return nil, handleError(err)
		}
		escrow, err := e.ConfirmDeposit(ctx, input.BountyID, input.Body.TxRef, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Escrow `json:"body"`
		}{Body: escrow}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-refund",
		Method:        http.MethodPost,
		Path:          "/bounties/{bounty_id}/refunds",
		Summary:       "Record a refund to the funder",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		BountyID string              `path:"bounty_id"`
		Body     RecordRefundRequest `json:"body"`
	}) (*struct {
		Body domain.EscrowLineItem `json:"body"`
	}, error) {
		actor, err := actorFromRequest(ctx, e.Repo)
		if err != nil {
			return nil, handleError(err)
		}
		item, err := e.RecordRefund(ctx, input.BountyID, input.Body.Amount, input.Body.TxRef, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EscrowLineItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BountyID string `query:"bounty_id"`
		Type     string `query:"type"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actor, err := actorFromRequest(ctx, e.Repo)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requireEventAccess(ctx, e, actor, input.BountyID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			BountyID: input.BountyID,
			Type:     input.Type,
			Cursor:   cursorID,
			Limit:    limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// requireEventAccess lets admins read every event. Other actors may read the
// events of a bounty they take part in.
func requireEventAccess(ctx context.Context, e engine.Engine, actor domain.Actor, bountyID string) error {
	if actor.HasRole(domain.RoleAdmin) {
		return nil
	}
	if bountyID == "" {
		return domain.Forbidden("actor %s may not read the global event log; requires admin", actor.ID)
	}
	b, err := e.Repo.GetBounty(ctx, bountyID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.NotFound("bounty %s not found", bountyID)
		}
		return domain.Internal(err, "load bounty %s", bountyID)
	}
	return auth.Check(actor, b, "read events", auth.Funder, auth.Lab, auth.Arbitrator)
}

func registerRBAC(api huma.API, e engine.Engine) {
	roleOp := func(id, route, summary string, grant bool) {
		huma.Register(api, huma.Operation{
			OperationID:   id,
			Method:        http.MethodPost,
			Path:          route,
			Summary:       summary,
			DefaultStatus: http.StatusNoContent,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusUnauthorized,
				http.StatusForbidden,
				http.StatusUnprocessableEntity,
			},
		}, func(ctx context.Context, input *struct {
			Body RoleChangeRequest `json:"body"`
		}) (*struct{}, error) {
			actor, err := actorFromRequest(ctx, e.Repo)
			if err != nil {
				return nil, handleError(err)
			}
			if grant {
				err = e.GrantRole(ctx, actor, input.Body.ActorID, input.Body.Role)
			} else {
				err = e.RevokeRole(ctx, actor, input.Body.ActorID, input.Body.Role)
			}
			if err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		})
	}
	roleOp("grant-role", "/rbac/roles/grant", "Grant a platform role", true)
	roleOp("revoke-role", "/rbac/roles/revoke", "Revoke a platform role", false)
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actor, err := actorFromRequest(ctx, e.Repo)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: actor.ID,
			Roles:   nonNilSlice(actor.Roles),
			Source:  principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signToken(authCfg.JWTSecret, actor, input.Body.Roles, devTokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
