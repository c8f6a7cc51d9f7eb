package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
)

const (
	testSecret = "test-secret"
	funderID   = "funder-1"
	labID      = "lab-owner-1"
	adminID    = "admin-1"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	e := engine.New(conn, config.Default())
	e.Log = zerolog.Nop()
	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, e.Repo.GrantRole(context.Background(), tx, adminID, domain.RoleAdmin, time.Now().UTC().Format(time.RFC3339)))
	require.NoError(t, tx.Commit())

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			AllowLegacyActorHeader: true,
			DevLogin:               true,
		},
		Log:     zerolog.Nop(),
		Metrics: true,
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func as(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func createBounty(t *testing.T, srv *testServer) domain.Aggregate {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/bounties", map[string]any{
		"title":        "Enzyme kinetics",
		"description":  "Characterise enzyme kinetics across three temperature regimes with replicates.",
		"total_budget": 100000,
		"milestones": []map[string]any{
			{"title": "Assay", "payout_percentage": 60},
			{"title": "Report", "payout_percentage": 40},
		},
	}, as(funderID))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var agg domain.Aggregate
	require.NoError(t, json.Unmarshal(data, &agg))
	return agg
}

func applyEvent(t *testing.T, srv *testServer, bountyID, actorID, event string, payload map[string]any) TransitionResponse {
	t.Helper()
	body := map[string]any{"event": event}
	if payload != nil {
		body["data"] = payload
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/bounties/"+bountyID+"/events", body, as(actorID))
	require.Equal(t, http.StatusOK, res.StatusCode, "%s: %s", event, string(data))
	var out TransitionResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestBountyLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	agg := createBounty(t, srv)
	id := agg.Bounty.ID
	assert.Equal(t, domain.StateDrafting, agg.Bounty.State)
	require.Len(t, agg.Milestones, 2)

	applyEvent(t, srv, id, funderID, "SUBMIT_DRAFT", nil)
	applyEvent(t, srv, id, adminID, "ADMIN_APPROVE_PROTOCOL", map[string]any{"notes": "fine"})
	funding := applyEvent(t, srv, id, funderID, "INITIATE_FUNDING", map[string]any{"payer_address": "funder-wallet"})
	assert.Equal(t, domain.StateFundingEscrow, funding.NewState)
	require.NotNil(t, funding.Aggregate.Escrow)
	assert.Equal(t, int64(105000), funding.Aggregate.Escrow.TotalAmount)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/bounties/"+id+"/deposits", map[string]any{"tx_ref": "wire-42"}, as(funderID))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var escrow domain.Escrow
	require.NoError(t, json.Unmarshal(data, &escrow))
	assert.Equal(t, domain.EscrowLocked, escrow.Status)

	applyEvent(t, srv, id, adminID, "FUNDING_CONFIRMED", nil)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bounties/"+id+"/proposals", map[string]any{
		"lab_id":         "lab-a",
		"bid_amount":     95000,
		"staked_amount":  5000,
		"payout_address": "lab-wallet",
	}, as(labID))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var proposal domain.Proposal
	require.NoError(t, json.Unmarshal(data, &proposal))

	active := applyEvent(t, srv, id, funderID, "SELECT_LAB", map[string]any{"proposal_id": proposal.ID})
	assert.Equal(t, domain.StateActiveResearch, active.NewState)

	m1, m2 := agg.Milestones[0].ID, agg.Milestones[1].ID
	applyEvent(t, srv, id, labID, "SUBMIT_MILESTONE", map[string]any{"milestone_id": m1, "evidence_ref": "s3://assay"})
	first := applyEvent(t, srv, id, funderID, "APPROVE_MILESTONE", map[string]any{"milestone_id": m1})
	assert.Equal(t, domain.StateActiveResearch, first.NewState)
	assert.Equal(t, int64(60000), first.ReleasedAmount)

	applyEvent(t, srv, id, labID, "SUBMIT_MILESTONE", map[string]any{"milestone_id": m2, "evidence_ref": "s3://report"})
	last := applyEvent(t, srv, id, funderID, "APPROVE_MILESTONE", map[string]any{"milestone_id": m2})
	assert.Equal(t, domain.StateCompletedPayout, last.NewState)
	assert.Equal(t, int64(40000), last.ReleasedAmount)
	assert.Equal(t, int64(100000), last.Aggregate.Escrow.ReleasedAmount)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/bounties/"+id+"/history", nil, as(funderID))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var history []domain.StateEntry
	require.NoError(t, json.Unmarshal(data, &history))
	require.NotEmpty(t, history)
	assert.Equal(t, domain.StateDrafting, history[0].State)
	assert.Equal(t, domain.StateCompletedPayout, history[len(history)-1].State)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/bounties/"+id+"/legal-events", nil, as(funderID))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var legal LegalEventsResponse
	require.NoError(t, json.Unmarshal(data, &legal))
	assert.Equal(t, []domain.Event{domain.EventConfirmPayout}, legal.Events)
}

func TestIllegalTransitionListsLegalEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	agg := createBounty(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/bounties/"+agg.Bounty.ID+"/events", map[string]any{
		"event": "SELECT_LAB",
		"data":  map[string]any{"proposal_id": "p-1"},
	}, as(funderID))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "illegal_transition", env.Error.Code)
	assert.Equal(t, []any{"SUBMIT_DRAFT", "CANCEL_BOUNTY"}, env.Error.Details["legal_events"])

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/bounties/"+agg.Bounty.ID, nil, as(funderID))
	require.Equal(t, http.StatusOK, res.StatusCode)
	var after domain.Aggregate
	require.NoError(t, json.Unmarshal(data, &after))
	assert.Equal(t, domain.StateDrafting, after.Bounty.State)
	assert.Equal(t, agg.Bounty.Version, after.Bounty.Version)
}

func TestErrorEnvelopes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	agg := createBounty(t, srv)
	eventsURL := srv.URL + "/v0/bounties/" + agg.Bounty.ID + "/events"

	res, data := doJSON(t, client, http.MethodPost, eventsURL, map[string]any{"event": "SUBMIT_DRAFT"}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "unauthorized", decodeError(t, data).Error.Code)

	res, data = doJSON(t, client, http.MethodPost, eventsURL, map[string]any{"event": "SUBMIT_DRAFT"}, as("stranger"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "forbidden", env.Error.Code)
	assert.Equal(t, []any{"funder"}, env.Error.Details["required"])

	res, data = doJSON(t, client, http.MethodPost, eventsURL, map[string]any{"event": "SELECT_LABS"}, as(funderID))
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	env = decodeError(t, data)
	assert.Equal(t, "illegal_transition", env.Error.Code)
	assert.Equal(t, []any{"SUBMIT_DRAFT", "CANCEL_BOUNTY"}, env.Error.Details["legal_events"])

	res, data = doJSON(t, client, http.MethodPost, eventsURL, map[string]any{"event": ""}, as(funderID))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/bounties/missing", nil, as(funderID))
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", decodeError(t, data).Error.Code)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bounties", map[string]any{
		"title":        "Bad plan",
		"total_budget": 1000,
		"milestones":   []map[string]any{{"title": "Only", "payout_percentage": 60}},
	}, as(funderID))
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	assert.Equal(t, "validation_failed", decodeError(t, data).Error.Code)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bounties/"+agg.Bounty.ID+"/deposits", map[string]any{"tx_ref": "x"}, as(funderID))
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
}

func TestDeleteDraftingBounty(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	agg := createBounty(t, srv)
	url := srv.URL + "/v0/bounties/" + agg.Bounty.ID

	res, data := doJSON(t, client, http.MethodDelete, url, nil, as(labID))
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodDelete, url, nil, as(funderID))
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))

	res, _ = doJSON(t, client, http.MethodGet, url, nil, as(funderID))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestEventsAccessAndPaging(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	agg := createBounty(t, srv)
	applyEvent(t, srv, agg.Bounty.ID, funderID, "SUBMIT_DRAFT", nil)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, as(funderID))
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?bounty_id="+agg.Bounty.ID, nil, as("stranger"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=1&bounty_id="+agg.Bounty.ID, nil, as(funderID))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "bounty.submit_draft", page.Items[0].Type)
	assert.Equal(t, "admin_review", page.Items[0].Payload["to"])
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=1&bounty_id="+agg.Bounty.ID+"&cursor="+page.NextCursor, nil, as(funderID))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var next paginatedEvents
	require.NoError(t, json.Unmarshal(data, &next))
	require.Len(t, next.Items, 1)
	assert.Equal(t, "bounty.created", next.Items[0].Type)
	assert.Empty(t, next.NextCursor)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events", nil, as(adminID))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Error.Code)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "arb-1",
		"roles":    []string{"arbitrator"},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "arb-1", me.ActorID)
	assert.Equal(t, []string{"arbitrator"}, me.Roles)
	assert.Equal(t, "jwt", me.Source)

	admin := domain.Actor{ID: adminID, Roles: []string{domain.RoleAdmin}}
	_, secret, err := srv.Engine.CreateAPIKey(context.Background(), admin, labID, "ci")
	require.NoError(t, err)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": secret})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, labID, me.ActorID)
	assert.Equal(t, "api_key", me.Source)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "bl_unknown"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestRoleGrantRequiresAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	grant := srv.URL + "/v0/rbac/roles/grant"
	body := map[string]any{"actor_id": "arb-2", "role": "arbitrator"}

	res, data := doJSON(t, client, http.MethodPost, grant, body, as(funderID))
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodPost, grant, body, as(adminID))
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, as("arb-2"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, []string{"arbitrator"}, me.Roles)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rbac/roles/revoke", body, as(adminID))
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v0/bounties/{bounty_id}/events")
	assert.Contains(t, paths, "/v0/bounties/{bounty_id}/legal-events")
}
