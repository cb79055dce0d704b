package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/adamscao/nodetrust/internal/auth"
	"github.com/adamscao/nodetrust/internal/certs"
	"github.com/adamscao/nodetrust/internal/csr"
	"github.com/adamscao/nodetrust/internal/db"
	"github.com/adamscao/nodetrust/internal/db/repository"
	"github.com/adamscao/nodetrust/internal/metrics"
	"github.com/adamscao/nodetrust/internal/models"
	"github.com/adamscao/nodetrust/internal/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const instance = "instanceA"

type testEnv struct {
	root    string
	server  *Server
	store   *certs.Store
	users   *users.Store
	manager *csr.Manager
	audit   *repository.AuditRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

func newTestEnvWith(t *testing.T, configure func(*Deps)) *testEnv {
	t.Helper()

	root := t.TempDir()

	database, err := db.New(filepath.Join(root, "certificates", certs.CADBDir, "ca.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.RunMigrations(database))
	audit := repository.NewAuditRepository(database.DB)

	store, err := certs.New(certs.Options{
		Root:         filepath.Join(root, "certificates"),
		InstanceName: instance,
		Index:        repository.NewCertRepository(database.DB),
	})
	require.NoError(t, err)
	_, err = store.CreateRootCA(certs.CertificateData{Organization: "pnnl"})
	require.NoError(t, err)

	userStore, err := users.New(root)
	require.NoError(t, err)

	secret, err := auth.GenerateSecretKey()
	require.NoError(t, err)
	tokens, err := auth.NewTokenManager(userStore, auth.TokenConfig{Secret: secret})
	require.NoError(t, err)

	recorder := metrics.NewRecorder()
	manager := csr.NewManager(store, csr.Config{Auditor: audit, Metrics: recorder})

	deps := Deps{
		Store:   store,
		CSR:     manager,
		Users:   userStore,
		Tokens:  tokens,
		Auditor: audit,
		Metrics: recorder,
	}
	if configure != nil {
		configure(&deps)
	}
	server, err := NewServer(deps)
	require.NoError(t, err)

	return &testEnv{root: root, server: server, store: store, users: userStore, manager: manager, audit: audit}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) submitCSR(t *testing.T, csrPEM []byte) (*httptest.ResponseRecorder, map[string]string) {
	t.Helper()

	body, err := json.Marshal(map[string]string{"csr": string(csrPEM)})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/csr/request_new", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := e.do(t, req)
	out := map[string]string{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func (e *testEnv) login(t *testing.T, username, password string) *auth.TokenPair {
	t.Helper()

	rec := e.do(t, formRequest(http.MethodPost, "/authenticate", url.Values{
		"username": {username},
		"password": {password},
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	return &pair
}

func formRequest(method, target string, form url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func bearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func nodeCSR(t *testing.T, identity string) []byte {
	t.Helper()

	node, err := certs.New(certs.Options{Root: t.TempDir(), InstanceName: "node"})
	require.NoError(t, err)
	csrPEM, err := node.CreateCSR(identity, instance)
	require.NoError(t, err)
	return csrPEM
}

func TestCSRLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.users.AddUser("admin", "s3cret", []string{"admin"}, false))
	csrPEM := nodeCSR(t, "instanceA.device1")

	rec, out := env.submitCSR(t, csrPEM)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "PENDING", out["status"])
	assert.Equal(t, csr.MessagePending, out["message"])

	pair := env.login(t, "admin", "s3cret")

	rec = env.do(t, bearer(httptest.NewRequest(http.MethodGet, "/admin/api/csrs", nil), pair.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	var records []models.CSRRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusPending, records[0].Status)

	rec = env.do(t, bearer(httptest.NewRequest(http.MethodPost, "/admin/api/csrs/instanceA.device1/approve", nil), pair.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var approved csr.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &approved))
	assert.Equal(t, "APPROVED", approved.Status)
	require.NoError(t, env.store.VerifyCert([]byte(approved.Cert)))

	rec, out = env.submitCSR(t, csrPEM)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "APPROVED", out["status"])
	assert.Equal(t, approved.Cert, out["cert"])

	// approval again is harmless, deny is refused
	rec = env.do(t, bearer(httptest.NewRequest(http.MethodPost, "/admin/api/csrs/instanceA.device1/deny", nil), pair.AccessToken))
	assert.Equal(t, http.StatusConflict, rec.Code)

	logs, err := env.audit.List("instanceA.device1", models.ActionCSRSubmit, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	rec = env.do(t, bearer(httptest.NewRequest(http.MethodDelete, "/admin/api/csrs/instanceA.device1", nil), pair.AccessToken))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, bearer(httptest.NewRequest(http.MethodGet, "/admin/api/csrs/instanceA.device1", nil), pair.AccessToken))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCSRRejections(t *testing.T) {
	env := newTestEnv(t)

	rec, out := env.submitCSR(t, nodeCSR(t, "instanceB.device1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, csr.StatusError, out["status"])
	assert.Contains(t, out["message"], "CSR must start with instance name: instanceA")

	req := httptest.NewRequest(http.MethodPost, "/csr/request_new", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")
	rec = env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ERROR"`)
}

func TestCSRAutoAllowToggle(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.users.AddUser("admin", "s3cret", []string{"admin"}, false))
	pair := env.login(t, "admin", "s3cret")

	req := bearer(httptest.NewRequest(http.MethodPut, "/admin/api/csr/auto_allow", strings.NewReader(`{"auto_allow": true}`)), pair.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.manager.AutoAllow())

	rec, out := env.submitCSR(t, nodeCSR(t, "instanceA.device2"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, csr.StatusSuccessful, out["status"])
	assert.NotEmpty(t, out["cert"])

	req = bearer(httptest.NewRequest(http.MethodPut, "/admin/api/csr/auto_allow", strings.NewReader(`{}`)), pair.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	rec = env.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthenticateMethods(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.users.AddUser("bob", "goodpw", nil, false))

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/authenticate", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	rec = env.do(t, httptest.NewRequest(http.MethodDelete, "/authenticate", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	rec = env.do(t, formRequest(http.MethodPost, "/authenticate", url.Values{"username": {"bob"}, "password": {"hazzah"}}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	pair := env.login(t, "bob", "goodpw")
	assert.Len(t, strings.Split(pair.AccessToken, "."), 3)
	assert.Len(t, strings.Split(pair.RefreshToken, "."), 3)

	rec = env.do(t, bearer(httptest.NewRequest(http.MethodPut, "/authenticate", nil), pair.RefreshToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var refreshed map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refreshed))
	assert.NotEmpty(t, refreshed["access_token"])
	assert.NotEqual(t, pair.AccessToken, refreshed["access_token"])

	rec = env.do(t, bearer(httptest.NewRequest(http.MethodPut, "/authenticate", nil), pair.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodPut, "/authenticate", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	logs, err := env.audit.List("bob", models.ActionTokenIssue, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestAdminUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.users.AddUser("testing", "funky", nil, false))

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/admin/api/boo", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unauthorized User")

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/admin/api/csrs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// logged in, but not an administrator
	pair := env.login(t, "testing", "funky")
	rec = env.do(t, bearer(httptest.NewRequest(http.MethodGet, "/admin/api/csrs", nil), pair.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unauthorized User")

	// refresh tokens do not open the admin api
	require.NoError(t, env.users.AddUser("admin", "pw", []string{"admin"}, false))
	admin := env.login(t, "admin", "pw")
	rec = env.do(t, bearer(httptest.NewRequest(http.MethodGet, "/admin/api/users", nil), admin.RefreshToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, bearer(httptest.NewRequest(http.MethodGet, "/admin/api/boo", nil), admin.AccessToken))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/api/users", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: admin.AccessToken})
	rec = env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["admin","testing"]`, rec.Body.String())
}

func TestRevokeAllTokens(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.users.AddUser("admin", "pw", []string{"admin"}, false))
	pair := env.login(t, "admin", "pw")

	rec := env.do(t, bearer(httptest.NewRequest(http.MethodPost, "/admin/api/auth/revoke_all", nil), pair.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, bearer(httptest.NewRequest(http.MethodGet, "/admin/api/users", nil), pair.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, bearer(httptest.NewRequest(http.MethodPut, "/authenticate", nil), pair.RefreshToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	fresh := env.login(t, "admin", "pw")
	rec = env.do(t, bearer(httptest.NewRequest(http.MethodGet, "/admin/api/users", nil), fresh.AccessToken))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetPlatformPassword(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/admin/setpassword", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	rec = env.do(t, formRequest(http.MethodPost, "/admin/setpassword", url.Values{
		"username": {"bart"}, "password1": {"goodwin"}, "password2": {"wowsa"},
	}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "must match")

	rec = env.do(t, formRequest(http.MethodPost, "/admin/setpassword", url.Values{
		"username": {"bart"}, "password1": {"wowsa"}, "password2": {"wowsa"},
	}))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/admin/login.html", rec.Header().Get("Location"))

	data, err := os.ReadFile(filepath.Join(env.root, users.FileName))
	require.NoError(t, err)
	var stored map[string]models.WebUser
	require.NoError(t, json.Unmarshal(data, &stored))
	require.Contains(t, stored, "bart")
	assert.Equal(t, []string{"admin"}, stored["bart"].Groups)
	ok, err := auth.VerifyPassword("wowsa", stored["bart"].HashedPassword)
	require.NoError(t, err)
	assert.True(t, ok)

	// the form closes once an administrator exists
	rec = env.do(t, formRequest(http.MethodPost, "/admin/setpassword", url.Values{
		"username": {"mallory"}, "password1": {"x"}, "password2": {"x"},
	}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/admin/setpassword", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminLoginPage(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.users.AddUser("mytest", "value-plus", []string{"admin"}, false))

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/admin/login.html", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `action="/authenticate"`)
}

func TestPublicRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/ca/certificate", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	caPEM, err := env.store.CACertificate()
	require.NoError(t, err)
	assert.Equal(t, caPEM, rec.Body.Bytes())

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	env.submitCSR(t, nodeCSR(t, "instanceA.device3"))
	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `nodetrust_csr_requests_total{status="PENDING"} 1`)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminDeleteOutsideNamespace(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.users.AddUser("admin", "s3cret", []string{"admin"}, false))
	pair := env.login(t, "admin", "s3cret")

	target := "/admin/api/csrs/" + env.store.RootCAName()
	rec := env.do(t, bearer(httptest.NewRequest(http.MethodDelete, target, nil), pair.AccessToken))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/ca/certificate", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.store.CAExists())
}

func TestCSRRemoteAddress(t *testing.T) {
	submit := func(t *testing.T, env *testEnv, identity string) string {
		body, err := json.Marshal(map[string]string{"csr": string(nodeCSR(t, identity))})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/csr/request_new", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "192.0.2.1:4711"
		req.Header.Set("X-Forwarded-For", "203.0.113.9")
		require.Equal(t, http.StatusOK, env.do(t, req).Code)

		record, err := env.manager.Get(identity)
		require.NoError(t, err)
		return record.RemoteAddr
	}

	// forwarding headers from an arbitrary peer are ignored
	env := newTestEnv(t)
	assert.Equal(t, "192.0.2.1", submit(t, env, "instanceA.device1"))

	env = newTestEnvWith(t, func(deps *Deps) { deps.TrustedProxies = []string{"192.0.2.0/24"} })
	assert.Equal(t, "203.0.113.9", submit(t, env, "instanceA.device1"))
}

func TestInvalidTrustedProxies(t *testing.T) {
	_, err := NewServer(Deps{TrustedProxies: []string{"not-an-address"}})
	assert.Error(t, err)
}
