package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"memevault/internal/domain"
	"memevault/internal/engine"
	"memevault/internal/engine/auth"
	"memevault/internal/payment"
	"memevault/internal/repo"
	"memevault/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	// Scheduler backs the sweep trigger endpoint. Optional.
	Scheduler *scheduler.Scheduler
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"challenge is already active"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// New returns an HTTP handler exposing the memevault API.
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
			// schema validation failures are malformed requests, not rejected transitions
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", cfg.Engine.Metrics.Handler())

	hcfg := huma.DefaultConfig("memevault API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerActions(group, cfg.Engine)
	registerChallenges(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
	registerPayouts(group, cfg.Engine)
	registerGroups(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerSweeps(group, cfg.Scheduler)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath, publicPaths(basePath, cfg.Auth.AllowDevLogin))

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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", fe.Reason, map[string]any{"action": fe.Action})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", ce.State, nil)
	}
	switch {
	case engine.IsValidation(err):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", engine.PublicMessage(err), nil)
	case payment.IsInvalidInput(err):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_input", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "request timed out, please retry", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", engine.PublicMessage(err), nil)
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
		OperationID: "dispatch-action",
		Method:      http.MethodPost,
		Path:        "/actions",
		Summary:     "Dispatch an inline action pressed by a participant",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body engine.ActionRequest `json:"body"`
	}) (*struct {
		Body engine.Reply `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		reply, err := e.Dispatch(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Reply `json:"body"`
		}{Body: reply}, nil
	})
}

func registerChallenges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-challenge",
		Method:        http.MethodPost,
		Path:          "/challenges",
		Summary:       "Create challenge",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateChallengeRequest `json:"body"`
	}) (*struct {
		Body ChallengeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		opts := engine.CreateChallengeOptions{
			ID:             stringOrEmpty(input.Body.ID),
			GroupID:        input.Body.GroupID,
			CreatorID:      input.Body.CreatorID,
			Title:          input.Body.Title,
			Description:    stringOrEmpty(input.Body.Description),
			Currency:       input.Body.Currency,
			PrizePool:      input.Body.PrizePool,
			VotingMethod:   domain.VotingMethod(input.Body.VotingMethod),
			EntriesPerUser: input.Body.EntriesPerUser,
			MaxEntries:     input.Body.MaxEntries,
			EndDate:        input.Body.EndDate,
		}
		if input.Body.StartDate != nil {
			opts.StartDate = *input.Body.StartDate
		}
		c, err := e.CreateChallenge(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChallengeResponse `json:"body"`
		}{Body: challengeResponse(c, time.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-challenges",
		Method:      http.MethodGet,
		Path:        "/challenges",
		Summary:     "List challenges",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		GroupID   string `query:"group_id"`
		CreatorID string `query:"creator_id"`
		Phase     string `query:"phase" enum:"awaiting_funding,awaiting_activation,open,awaiting_resolution,completed"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedChallenges `json:"body"`
	}, error) {
		items, err := e.Repo.ListChallenges(ctx, repo.ChallengeFilters{GroupID: input.GroupID, CreatorID: input.CreatorID})
		if err != nil {
			return nil, handleError(err)
		}
		now := time.Now()
		limit := normalizeLimit(input.Limit)
		resp := paginatedChallenges{Items: []ChallengeResponse{}}
		for _, c := range items {
			if input.Phase != "" && c.Phase(now) != input.Phase {
				continue
			}
			resp.Items = append(resp.Items, challengeResponse(c, now))
			if len(resp.Items) == limit {
				break
			}
		}
		return &struct {
			Body paginatedChallenges `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-challenge",
		Method:      http.MethodGet,
		Path:        "/challenges/{challenge_id}",
		Summary:     "Get challenge",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChallengeID string `path:"challenge_id"`
	}) (*struct {
		Body ChallengeResponse `json:"body"`
	}, error) {
		c, err := e.GetChallenge(ctx, input.ChallengeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChallengeResponse `json:"body"`
		}{Body: challengeResponse(c, time.Now())}, nil
	})

	replyOp := func(id, method, route, summary string, fn func(ctx context.Context, challengeID, actorID string) (engine.Reply, error)) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      method,
			Path:        route,
			Summary:     summary,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
			},
		}, func(ctx context.Context, input *struct {
			ChallengeID string       `path:"challenge_id"`
			Body        ActorRequest `json:"body"`
		}) (*struct {
			Body engine.Reply `json:"body"`
		}, error) {
			if strings.TrimSpace(input.Body.ActorID) == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
			}
			reply, err := fn(ctx, input.ChallengeID, input.Body.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body engine.Reply `json:"body"`
			}{Body: reply}, nil
		})
	}
	replyOp("activate-challenge", http.MethodPost, "/challenges/{challenge_id}/activate", "Activate a funded challenge",
		func(ctx context.Context, id, actor string) (engine.Reply, error) { return e.Activate(ctx, actor, id) })
	replyOp("check-funding", http.MethodPost, "/challenges/{challenge_id}/funding-check", "Check the deposit balance on demand",
		func(ctx context.Context, id, actor string) (engine.Reply, error) { return e.ManualCheckFunding(ctx, actor, id) })
	replyOp("cancel-challenge", http.MethodPost, "/challenges/{challenge_id}/cancel", "Delete an unfunded challenge",
		func(ctx context.Context, id, actor string) (engine.Reply, error) { return e.CancelChallenge(ctx, actor, id) })

	huma.Register(api, huma.Operation{
		OperationID: "run-funding-check",
		Method:      http.MethodPost,
		Path:        "/challenges/{challenge_id}/funding-check/scheduled",
		Summary:     "Run the scheduled funding check now (operator)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChallengeID string `path:"challenge_id"`
	}) (*struct {
		Body FundingResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, RoleOperator); err != nil {
			return nil, err
		}
		res, err := e.CheckFunding(ctx, input.ChallengeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FundingResponse `json:"body"`
		}{Body: fundingResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-challenge",
		Method:      http.MethodPost,
		Path:        "/challenges/{challenge_id}/finalize",
		Summary:     "Resolve an ended challenge now (operator)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ChallengeID string `path:"challenge_id"`
	}) (*struct {
		Body engine.FinalizeResult `json:"body"`
	}, error) {
		if err := requireRole(ctx, RoleOperator); err != nil {
			return nil, err
		}
		p, _ := principalFromContext(ctx)
		res, err := e.Finalize(ctx, input.ChallengeID, p.Subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.FinalizeResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-voting",
		Method:      http.MethodPost,
		Path:        "/challenges/{challenge_id}/ballot",
		Summary:     "Build the shuffled ballot for a voter",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ChallengeID string      `path:"challenge_id"`
		Body        VoteRequest `json:"body"`
	}) (*struct {
		Body BallotResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.VoterID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "voter_id is required", nil)
		}
		ballot, err := e.StartVoting(ctx, input.Body.VoterID, input.ChallengeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BallotResponse `json:"body"`
		}{Body: BallotResponse{ChallengeID: ballot.ChallengeID, Entries: nonNilSlice(ballot.Entries)}}, nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-submission",
		Method:        http.MethodPost,
		Path:          "/challenges/{challenge_id}/submissions",
		Summary:       "Enter a challenge",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ChallengeID string        `path:"challenge_id"`
		Body        SubmitRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.UserID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		s, err := e.Submit(ctx, engine.SubmitOptions{
			ChallengeID: input.ChallengeID,
			UserID:      input.Body.UserID,
			Username:    stringOrEmpty(input.Body.Username),
			ContentRef:  input.Body.ContentRef,
			Caption:     stringOrEmpty(input.Body.Caption),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/challenges/{challenge_id}/submissions",
		Summary:     "List submissions with their votes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChallengeID string `path:"challenge_id"`
	}) (*struct {
		Body []domain.Submission `json:"body"`
	}, error) {
		if _, err := e.GetChallenge(ctx, input.ChallengeID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListSubmissions(ctx, input.ChallengeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Submission `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cast-vote",
		Method:      http.MethodPost,
		Path:        "/submissions/{submission_id}/votes",
		Summary:     "Vote for a submission",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SubmissionID string      `path:"submission_id"`
		Body         VoteRequest `json:"body"`
	}) (*struct {
		Body engine.Reply `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.VoterID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "voter_id is required", nil)
		}
		reply, err := e.Vote(ctx, input.Body.VoterID, input.SubmissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Reply `json:"body"`
		}{Body: reply}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-winner",
		Method:      http.MethodPost,
		Path:        "/submissions/{submission_id}/select",
		Summary:     "Creator selects the winner of an admin challenge",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SubmissionID string       `path:"submission_id"`
		Body         ActorRequest `json:"body"`
	}) (*struct {
		Body engine.Reply `json:"body"`
	}, error) {
		reply, err := e.AdminSelect(ctx, input.Body.ActorID, input.SubmissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Reply `json:"body"`
		}{Body: reply}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-prize",
		Method:      http.MethodPost,
		Path:        "/submissions/{submission_id}/claim",
		Summary:     "Winner claims the prize to a wallet address",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SubmissionID string       `path:"submission_id"`
		Body         ClaimRequest `json:"body"`
	}) (*struct {
		Body engine.Reply `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		reply, err := e.Claim(ctx, input.Body.ActorID, input.SubmissionID, input.Body.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Reply `json:"body"`
		}{Body: reply}, nil
	})
}

func registerPayouts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-payouts",
		Method:      http.MethodGet,
		Path:        "/payouts",
		Summary:     "List payouts",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,paid,manual"`
	}) (*struct {
		Body []domain.Payout `json:"body"`
	}, error) {
		if err := requireRole(ctx, RoleOperator); err != nil {
			return nil, err
		}
		items, err := e.Repo.ListPayouts(ctx, domain.PayoutStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Payout `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-payout",
		Method:      http.MethodPost,
		Path:        "/payouts/{payout_id}/retry",
		Summary:     "Re-run a payout marked manual",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PayoutID string `path:"payout_id"`
	}) (*struct {
		Body domain.Payout `json:"body"`
	}, error) {
		if err := requireRole(ctx, RoleOperator); err != nil {
			return nil, err
		}
		p, _ := principalFromContext(ctx)
		payout, err := e.RetryPayout(ctx, input.PayoutID, p.Subject)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Payout `json:"body"`
		}{Body: payout}, nil
	})
}

func registerGroups(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-group-admins",
		Method:      http.MethodPut,
		Path:        "/groups/{group_id}/admins",
		Summary:     "Replace the known administrators of a group chat",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		GroupID string             `path:"group_id"`
		Body    GroupAdminsRequest `json:"body"`
	}) (*struct {
		Body GroupAdminsResponse `json:"body"`
	}, error) {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.SetGroupAdmins(ctx, tx, input.GroupID, input.Body.UserIDs); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GroupAdminsResponse `json:"body"`
		}{Body: GroupAdminsResponse{GroupID: input.GroupID, UserIDs: nonNilSlice(input.Body.UserIDs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-group-admins",
		Method:      http.MethodGet,
		Path:        "/groups/{group_id}/admins",
		Summary:     "List the known administrators of a group chat",
	}, func(ctx context.Context, input *struct {
		GroupID string `path:"group_id"`
	}) (*struct {
		Body GroupAdminsResponse `json:"body"`
	}, error) {
		ids, err := e.Repo.GroupAdmins(ctx, input.GroupID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GroupAdminsResponse `json:"body"`
		}{Body: GroupAdminsResponse{GroupID: input.GroupID, UserIDs: nonNilSlice(ids)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"challenge,submission,payout"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			BeforeID:   cursorID,
			Limit:      limit + 1,
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

func registerSweeps(api huma.API, s *scheduler.Scheduler) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/sweeps/{job}",
		Summary:     "Run a sweep now unless another instance holds its lock (operator)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Job string `path:"job" enum:"funding,voting,finalization,payouts"`
	}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		if err := requireRole(ctx, RoleOperator); err != nil {
			return nil, err
		}
		if s == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "scheduler not enabled", nil)
		}
		ran, err := s.RunOnce(ctx, input.Job)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Job: input.Job, Ran: ran}}, nil
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
		subject := strings.TrimSpace(input.Body.Subject)
		if subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, subject, input.Body.Roles, time.Hour)
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
