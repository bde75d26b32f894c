package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/erazemk/custody/internal/db"
	"github.com/erazemk/custody/internal/idempotency"
	"github.com/erazemk/custody/internal/ledger"
	"github.com/erazemk/custody/internal/model"
	"github.com/erazemk/custody/internal/registry"
	"github.com/erazemk/custody/internal/store"
)

const testJWTSecret = "test-secret"

type testEnv struct {
	server *httptest.Server
	db     *db.DB
	admin  *model.Holder
	token  string
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	database := db.NewTestDB(t)
	reg := prometheus.NewRegistry()
	l := ledger.New(database, ledger.WithMetrics(ledger.NewMetrics(reg)))

	router := NewRouter(Config{
		DB:          database,
		Ledger:      l,
		Registry:    registry.New(database, l, nil),
		Idempotency: idempotency.NewMemoryStore(idempotency.DefaultTTL),
		JWTSecret:   testJWTSecret,
		Metrics:     reg,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	ctx := context.Background()
	admin, err := store.CreateHolder(ctx, database, "Admin", model.HolderTypePerson)
	if err != nil {
		t.Fatalf("creating admin holder: %v", err)
	}
	e := &testEnv{server: server, db: database, admin: admin}
	e.createUser(t, "admin", model.RoleAdmin, &admin.ID)
	e.token = e.login(t, "admin")
	return e
}

// createUser adds an account whose password is "password".
func (e *testEnv) createUser(t *testing.T, username, role string, holderID *int64) {
	t.Helper()
	hash, _ := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	if _, err := store.CreateUser(context.Background(), e.db, username, string(hash), role, holderID); err != nil {
		t.Fatalf("creating user %s: %v", username, err)
	}
}

func (e *testEnv) login(t *testing.T, username string) string {
	t.Helper()
	var resp loginResponse
	status := e.call(t, "POST", "/api/auth/login", "", map[string]string{
		"username": username, "password": "password",
	}, &resp)
	if status != http.StatusOK || resp.Token == "" {
		t.Fatalf("login %s failed: %d", username, status)
	}
	return resp.Token
}

func authRequest(method, url, token string, body any) (*http.Request, error) {
	var bodyReader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// call sends a JSON request, decodes the response into out (if non-nil) and
// returns the status code.
func (e *testEnv) call(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	req, err := authRequest(method, e.server.URL+path, token, body)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// expectKind asserts a rejected request's status and error kind.
func (e *testEnv) expectKind(t *testing.T, method, path, token string, body any, status int, kind string) {
	t.Helper()
	var resp map[string]string
	got := e.call(t, method, path, token, body, &resp)
	if got != status || resp["kind"] != kind {
		t.Errorf("%s %s: expected %d %s, got %d %v", method, path, status, kind, got, resp)
	}
}

func (e *testEnv) holder(t *testing.T, name, holderType string) *model.Holder {
	t.Helper()
	var h model.Holder
	status := e.call(t, "POST", "/api/holders", e.token, map[string]string{"name": name, "type": holderType}, &h)
	if status != http.StatusCreated {
		t.Fatalf("creating holder %s: %d", name, status)
	}
	return &h
}

func (e *testEnv) intake(t *testing.T, body map[string]any) *intakeResponse {
	t.Helper()
	var resp intakeResponse
	status := e.call(t, "POST", "/api/items", e.token, body, &resp)
	if status != http.StatusCreated {
		t.Fatalf("intake: expected 201, got %d", status)
	}
	return &resp
}

func TestLoginEndpoint(t *testing.T) {
	e := setupTestServer(t)

	status := e.call(t, "POST", "/api/auth/login", "", map[string]string{"username": "admin", "password": "wrong"}, nil)
	if status != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad password, got %d", status)
	}
	status = e.call(t, "POST", "/api/auth/login", "", map[string]string{"username": "nobody", "password": "password"}, nil)
	if status != http.StatusUnauthorized {
		t.Errorf("expected 401 for unknown user, got %d", status)
	}
}

func TestSessionCarriesHolder(t *testing.T) {
	e := setupTestServer(t)
	in := e.intake(t, map[string]any{"name": "Lot"})

	var login loginResponse
	status := e.call(t, "POST", "/api/auth/login", "", map[string]string{"username": "admin", "password": "password"}, &login)
	if status != http.StatusOK || login.Holder == nil || login.Holder.ID != e.admin.ID {
		t.Fatalf("expected login linked to admin holder, got %d %+v", status, login.Holder)
	}

	var me profile
	if status := e.call(t, "GET", "/api/auth/me", login.Token, nil, &me); status != http.StatusOK {
		t.Fatalf("expected 200 from me, got %d", status)
	}
	if me.User == nil || me.User.Username != "admin" {
		t.Errorf("unexpected user %+v", me.User)
	}
	if len(me.Holding) != 1 || me.Holding[0].ItemID != in.Item.ID || me.Holding[0].Status != model.StatusUnconfirmed {
		t.Errorf("expected the intake lot in custody, got %+v", me.Holding)
	}

	// Accounts without a holder still log in but hold nothing.
	e.createUser(t, "auditor", model.RoleManager, nil)
	token := e.login(t, "auditor")
	me = profile{}
	if status := e.call(t, "GET", "/api/auth/me", token, nil, &me); status != http.StatusOK {
		t.Fatalf("expected 200 from me, got %d", status)
	}
	if me.Holder != nil || len(me.Holding) != 0 {
		t.Errorf("expected no holder and no custody, got %+v %+v", me.Holder, me.Holding)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	e := setupTestServer(t)

	if status := e.call(t, "GET", "/api/items", e.token, nil, nil); status != http.StatusOK {
		t.Fatalf("expected 200 before logout, got %d", status)
	}
	if status := e.call(t, "POST", "/api/auth/logout", e.token, nil, nil); status != http.StatusOK {
		t.Fatalf("expected 200 from logout, got %d", status)
	}
	if status := e.call(t, "GET", "/api/items", e.token, nil, nil); status != http.StatusUnauthorized {
		t.Errorf("expected 401 after logout, got %d", status)
	}

	// A fresh login still works.
	token := e.login(t, "admin")
	if status := e.call(t, "GET", "/api/items", token, nil, nil); status != http.StatusOK {
		t.Errorf("expected 200 with new token, got %d", status)
	}
}

func TestHoldersAPIFlow(t *testing.T) {
	e := setupTestServer(t)

	vault := e.holder(t, "Vault", model.HolderTypeLocation)
	e.holder(t, "Grading Lab", model.HolderTypeLab)

	var holders []model.Holder
	if status := e.call(t, "GET", "/api/holders?type=lab", e.token, nil, &holders); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(holders) != 1 || holders[0].Name != "Grading Lab" {
		t.Errorf("expected only the lab, got %+v", holders)
	}

	status := e.call(t, "POST", "/api/holders", e.token, map[string]string{"name": "Split", "type": model.HolderTypeSystem}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("expected 400 creating a system holder, got %d", status)
	}

	e.intake(t, map[string]any{"name": "Lot", "to_holder_id": vault.ID})
	status = e.call(t, "DELETE", fmt.Sprintf("/api/holders/%d", vault.ID), e.token, nil, nil)
	if status != http.StatusConflict {
		t.Errorf("expected 409 deleting a holder with custody, got %d", status)
	}

	var held []model.Location
	e.call(t, "GET", fmt.Sprintf("/api/holders/%d/items", vault.ID), e.token, nil, &held)
	if len(held) != 1 || held[0].Status != model.StatusUnconfirmed {
		t.Errorf("expected one unconfirmed item at the vault, got %+v", held)
	}
}

func TestCustodyScenario(t *testing.T) {
	e := setupTestServer(t)
	vault := e.holder(t, "Vault", model.HolderTypeLocation)
	grader := e.holder(t, "Grader", model.HolderTypeLab)
	e.createUser(t, "clerk", model.RoleUser, &vault.ID)
	clerk := e.login(t, "clerk")

	in := e.intake(t, map[string]any{"name": "Parcel 7", "carats": "3.50", "to_holder_id": vault.ID})
	if in.Transfer.FromHolderID != e.admin.ID || in.Transfer.CreatedByID != e.admin.ID {
		t.Errorf("expected intake sent and recorded by the admin's holder, got %+v", in.Transfer)
	}
	item := fmt.Sprintf("/api/items/%d", in.Item.ID)

	var loc model.Location
	e.call(t, "GET", item+"/location", clerk, nil, &loc)
	if loc.HolderID != vault.ID || loc.Status != model.StatusUnconfirmed {
		t.Errorf("expected unconfirmed at vault, got %+v", loc)
	}

	if status := e.call(t, "GET", item+"/confirm", clerk, nil, nil); status != http.StatusOK {
		t.Errorf("expected clerk to be able to confirm, got %d", status)
	}
	if status := e.call(t, "POST", item+"/confirm", clerk, nil, nil); status != http.StatusOK {
		t.Fatalf("expected 200 confirming, got %d", status)
	}
	e.expectKind(t, "POST", item+"/confirm", clerk, nil, http.StatusConflict, "already_confirmed")

	// Vault sends to the grader.
	send := map[string]any{"item_id": in.Item.ID, "to_holder_id": grader.ID, "remarks": "for grading"}
	var rec model.TransferRecord
	if status := e.call(t, "POST", "/api/transfers", clerk, send, &rec); status != http.StatusCreated {
		t.Fatalf("expected 201 initiating, got %d", status)
	}
	if rec.FromHolderID != vault.ID || rec.CreatedByID != vault.ID || !rec.InTransit() {
		t.Errorf("unexpected transfer %+v", rec)
	}

	e.expectKind(t, "POST", "/api/transfers", clerk, send, http.StatusForbidden, "not_current_owner")
	e.expectKind(t, "POST", "/api/transfers", e.token,
		map[string]any{"item_id": in.Item.ID, "from_holder_id": grader.ID, "to_holder_id": e.admin.ID},
		http.StatusConflict, "transfer_pending")
	e.expectKind(t, "POST", "/api/transfers/check", e.token,
		map[string]any{"item_id": in.Item.ID, "from_holder_id": grader.ID, "to_holder_id": grader.ID},
		http.StatusUnprocessableEntity, "self_transfer")
	e.expectKind(t, "POST", item+"/confirm", clerk, nil, http.StatusForbidden, "not_recipient")

	// The grader has no operator account; a manager confirms for it.
	if status := e.call(t, "POST", item+"/confirm", e.token, map[string]any{"holder_id": grader.ID}, nil); status != http.StatusOK {
		t.Fatalf("expected 200 confirming for grader, got %d", status)
	}
	e.call(t, "GET", item+"/location", clerk, nil, &loc)
	if loc.HolderID != grader.ID || loc.Status != model.StatusConfirmed {
		t.Errorf("expected confirmed at grader, got %+v", loc)
	}

	var history []model.TransferRecord
	e.call(t, "GET", item+"/history", clerk, nil, &history)
	if len(history) != 2 || history[0].ToHolderID != grader.ID {
		t.Errorf("expected two records newest first, got %+v", history)
	}

	var active []model.TransferRecord
	e.call(t, "GET", fmt.Sprintf("/api/transfers?item_id=%d&active=true&status=confirmed", in.Item.ID), clerk, nil, &active)
	if len(active) != 1 || active[0].ToHolderID != grader.ID {
		t.Errorf("expected the grader leg only, got %+v", active)
	}

	// Split the parcel at the grader.
	var split splitResponse
	status := e.call(t, "POST", item+"/split", e.token, map[string]any{
		"children": []map[string]any{
			{"name": "Stone A", "carats": "1.50"},
			{"name": "Stone B", "carats": "2.00"},
		},
	}, &split)
	if status != http.StatusCreated || len(split.Children) != 2 || len(split.Transfers) != 2 {
		t.Fatalf("expected two children, got %d %+v", status, split)
	}
	e.expectKind(t, "GET", item+"/location", clerk, nil, http.StatusConflict, "item_retired")
	e.expectKind(t, "POST", "/api/transfers", e.token,
		map[string]any{"item_id": in.Item.ID, "from_holder_id": grader.ID, "to_holder_id": vault.ID},
		http.StatusConflict, "item_retired")

	child := split.Children[0]
	e.call(t, "GET", fmt.Sprintf("/api/items/%d/location", child.ID), clerk, nil, &loc)
	if loc.HolderID != grader.ID || loc.Status != model.StatusUnconfirmed {
		t.Errorf("expected child unconfirmed at grader, got %+v", loc)
	}
	if child.Kind != model.ItemKindStone || child.ParentID == nil || *child.ParentID != in.Item.ID {
		t.Errorf("unexpected child %+v", child)
	}

	var detail struct {
		Item     model.Item      `json:"item"`
		Location *model.Location `json:"location"`
		Children []model.Item    `json:"children"`
	}
	e.call(t, "GET", item, clerk, nil, &detail)
	if detail.Location != nil || len(detail.Children) != 2 || detail.Item.RetiredAt == nil {
		t.Errorf("unexpected retired parent detail %+v", detail)
	}

	e.expectKind(t, "POST", fmt.Sprintf("/api/items/%d/split", child.ID), e.token, map[string]any{
		"children": []map[string]any{{"name": "Too big", "carats": "9"}},
	}, http.StatusUnprocessableEntity, "invalid_split")
}

func TestIntakeValidation(t *testing.T) {
	e := setupTestServer(t)

	e.expectKind(t, "POST", "/api/items", e.token, map[string]any{"name": ""}, http.StatusUnprocessableEntity, "invalid_item")
	e.expectKind(t, "POST", "/api/items", e.token, map[string]any{"name": "Lot", "to_holder_id": 9999},
		http.StatusNotFound, "holder_not_found")
	e.expectKind(t, "GET", "/api/items/9999/location", e.token, nil, http.StatusNotFound, "item_not_found")
}

func TestIdempotentTransfer(t *testing.T) {
	e := setupTestServer(t)
	vault := e.holder(t, "Vault", model.HolderTypeLocation)
	in := e.intake(t, map[string]any{"name": "Lot", "confirmed": true})

	send := func() *http.Response {
		req, _ := authRequest("POST", e.server.URL+"/api/transfers", e.token,
			map[string]any{"item_id": in.Item.ID, "to_holder_id": vault.ID})
		req.Header.Set(idempotency.Header, "send-lot-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("sending: %v", err)
		}
		return resp
	}

	first := send()
	firstBody, _ := io.ReadAll(first.Body)
	first.Body.Close()
	second := send()
	secondBody, _ := io.ReadAll(second.Body)
	second.Body.Close()

	if first.StatusCode != http.StatusCreated || second.StatusCode != http.StatusCreated {
		t.Fatalf("expected both 201, got %d and %d", first.StatusCode, second.StatusCode)
	}
	if second.Header.Get("Idempotent-Replayed") != "true" {
		t.Error("expected the second response to be a replay")
	}
	if !bytes.Equal(firstBody, secondBody) {
		t.Errorf("expected identical bodies, got %s and %s", firstBody, secondBody)
	}

	var history []model.TransferRecord
	e.call(t, "GET", fmt.Sprintf("/api/items/%d/history", in.Item.ID), e.token, nil, &history)
	if len(history) != 2 {
		t.Errorf("expected intake plus one transfer, got %d records", len(history))
	}
}

func TestUnlinkedOperatorCannotTransfer(t *testing.T) {
	e := setupTestServer(t)
	vault := e.holder(t, "Vault", model.HolderTypeLocation)
	in := e.intake(t, map[string]any{"name": "Lot", "confirmed": true})
	e.createUser(t, "drifter", model.RoleUser, nil)
	token := e.login(t, "drifter")

	status := e.call(t, "POST", "/api/transfers", token, map[string]any{"item_id": in.Item.ID, "to_holder_id": vault.ID}, nil)
	if status != http.StatusForbidden {
		t.Errorf("expected 403 for an operator without a holder, got %d", status)
	}
}

func TestLinkUserToHolder(t *testing.T) {
	e := setupTestServer(t)
	vault := e.holder(t, "Vault", model.HolderTypeLocation)

	var u model.User
	status := e.call(t, "POST", "/api/users", e.token, map[string]any{
		"username": "clerk", "password": "longenough", "role": model.RoleUser,
	}, &u)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}

	status = e.call(t, "PUT", fmt.Sprintf("/api/users/%d", u.ID), e.token, map[string]any{
		"role": model.RoleUser, "holder_id": vault.ID,
	}, &u)
	if status != http.StatusOK || u.HolderID == nil || *u.HolderID != vault.ID {
		t.Errorf("expected clerk linked to vault, got %d %+v", status, u)
	}

	status = e.call(t, "PUT", fmt.Sprintf("/api/users/%d", u.ID), e.token, map[string]any{
		"role": model.RoleUser, "holder_id": 9999,
	}, nil)
	if status != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 linking to a missing holder, got %d", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := setupTestServer(t)
	e.intake(t, map[string]any{"name": "Lot"})

	resp, err := http.Get(e.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `custody_ledger_operations_total{op="seed_initial_custody",result="ok"} 1`) {
		t.Errorf("expected seed counter in metrics output, got:\n%s", body)
	}
}

func TestUnauthenticatedAccess(t *testing.T) {
	e := setupTestServer(t)

	resp, _ := http.Get(e.server.URL + "/api/items")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for unauthenticated request, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRoleBasedAccess(t *testing.T) {
	e := setupTestServer(t)
	e.createUser(t, "user1", model.RoleUser, &e.admin.ID)
	userToken := e.login(t, "user1")

	// Regular users cannot register items (manager+ required).
	if status := e.call(t, "POST", "/api/items", userToken, map[string]string{"name": "Test"}, nil); status != http.StatusForbidden {
		t.Errorf("expected 403 for user registering item, got %d", status)
	}
	if status := e.call(t, "GET", "/api/users", userToken, nil, nil); status != http.StatusForbidden {
		t.Errorf("expected 403 for user accessing users, got %d", status)
	}
}
