package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"testing"
	"time"

	"taxdesk/internal/aggregate"
	"taxdesk/internal/documents"
	"taxdesk/internal/dualwrite"
	"taxdesk/internal/identity"
	"taxdesk/internal/memstore"
	"taxdesk/pkg/types"

	"github.com/gorilla/securecookie"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifier map[string]*Claims

func (f fakeVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	c, ok := f[token]
	if !ok {
		return nil, errors.New("token signature invalid")
	}
	return c, nil
}

type fakeAccounts struct {
	store     *memstore.Store
	forgotten []string
	// stale pins the owner a provisioner cache would still hand out
	stale map[string]*types.Owner
}

func (a *fakeAccounts) Login(ctx context.Context, email, password string) (*identity.Session, error) {
	if email != "alice@example.com" || password != "secret" {
		return nil, identity.ErrInvalidCredentials
	}
	return &identity.Session{AccessToken: "alice-token", ExpiresIn: time.Hour}, nil
}

func (a *fakeAccounts) EnsureOwner(ctx context.Context, subject string) (*types.Owner, error) {
	if o, ok := a.stale[subject]; ok {
		cp := *o
		return &cp, nil
	}
	return a.store.Owner(ctx, subject)
}

func (a *fakeAccounts) Forget(subject string) {
	a.forgotten = append(a.forgotten, subject)
}

type fixture struct {
	store    *memstore.Store
	blobs    *memstore.Blobs
	accounts *fakeAccounts
	svc      *Service
	handler  http.Handler
	mirrors  map[string]string
}

type apiResponse struct {
	Notification *types.Notification `json:"notification"`
	Data         json.RawMessage     `json:"data"`
}

func appointment(id, name string, status types.Status) *types.ChildRecord {
	return &types.ChildRecord{
		ID:     id,
		Type:   types.ChildTypeAppointment,
		Status: status,
		Appointment: &types.AppointmentFields{
			FullName:    name,
			Email:       strings.ToLower(strings.Fields(name)[0]) + "@example.com",
			RequestDate: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger, _ := test.NewNullLogger()

	f := &fixture{
		store:   memstore.New(),
		blobs:   memstore.NewBlobs(),
		mirrors: make(map[string]string),
	}
	f.accounts = &fakeAccounts{store: f.store}

	signup := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	owners := []*types.Owner{
		{ID: "admin1", FirstName: "Ada", Email: "ada@example.com", Role: types.OwnerRoleAdmin, SignupDate: signup},
		{ID: "cust1", FirstName: "Alice", LastName: "Johnson", Email: "alice@example.com", SignupDate: signup.Add(time.Hour)},
		{ID: "cust2", FirstName: "Bob", LastName: "Williams", Email: "bob@example.com", SignupDate: signup.Add(2 * time.Hour)},
	}
	for _, o := range owners {
		require.NoError(t, f.store.UpsertOwner(ctx, o))
	}

	coord := dualwrite.New(f.store, logger)
	for _, seed := range []struct {
		owner string
		child *types.ChildRecord
	}{
		{"cust1", appointment("A", "Alice Johnson", types.StatusPending)},
		{"cust1", appointment("B", "Alice Johnson", types.StatusConfirmed)},
		{"cust2", appointment("C", "Bob Williams", types.StatusPending)},
	} {
		created, err := coord.CreateChild(ctx, seed.owner, seed.child)
		require.NoError(t, err)
		f.mirrors[created.ID] = created.MirrorID
	}

	cfg := &types.Config{
		CookieHashKey:  base64.StdEncoding.EncodeToString(securecookie.GenerateRandomKey(32)),
		CookieBlockKey: base64.StdEncoding.EncodeToString(securecookie.GenerateRandomKey(32)),
		MaxUploadBytes: 1 << 20,
	}

	docs := documents.New(f.store, coord, f.blobs, logger).WithPathPrefix("customers")
	verifier := fakeVerifier{
		"admin-token": {Subject: "admin1", Email: "ada@example.com"},
		"alice-token": {Subject: "cust1", Email: "alice@example.com"},
	}

	svc, err := New(cfg, logger, f.store, aggregate.New(f.store, logger), coord, docs, f.accounts, verifier)
	require.NoError(t, err)
	f.svc = svc
	f.handler = svc.Handler()
	t.Cleanup(func() { svc.views.Close() })
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, form url.Values) (*httptest.ResponseRecorder, *apiResponse) {
	t.Helper()
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return f.serve(t, req)
}

func (f *fixture) serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, *apiResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var resp apiResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, &resp
}

func (f *fixture) view(t *testing.T, childType string) *types.AggregateView {
	t.Helper()
	rec, resp := f.do(t, http.MethodGet, "/api/admin/views/"+childType, "admin-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view types.AggregateView
	require.NoError(t, json.Unmarshal(resp.Data, &view))
	return &view
}

func statusOf(view *types.AggregateView, childID string) types.Status {
	for _, e := range view.Entries {
		if e.ID == childID {
			return e.Status
		}
	}
	return ""
}

func TestRequireAuth(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, http.MethodGet, "/api/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, resp.Notification)
	assert.Equal(t, types.NotificationError, resp.Notification.Level)

	rec, _ = f.do(t, http.MethodGet, "/api/me", "forged", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, resp = f.do(t, http.MethodGet, "/api/me", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me types.Owner
	require.NoError(t, json.Unmarshal(resp.Data, &me))
	assert.Equal(t, "cust1", me.ID)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/api/admin/summary", "alice-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/admin/views/appointments", "alice-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminViewIsEnrichedAndOrdered(t *testing.T) {
	f := newFixture(t)

	view := f.view(t, "appointments")
	require.Len(t, view.Entries, 3)
	assert.Equal(t, "A", view.Entries[0].ID)
	assert.Equal(t, "B", view.Entries[1].ID)
	assert.Equal(t, "C", view.Entries[2].ID)
	assert.Equal(t, "Alice Johnson", view.Entries[0].OwnerName)
	assert.Equal(t, "bob@example.com", view.Entries[2].OwnerEmail)
	assert.False(t, view.Partial)

	mirrorView := f.view(t, "appointments?source=mirror")
	assert.Equal(t, types.ViewSourceMirror, mirrorView.Source)
	assert.Len(t, mirrorView.Entries, 3)
}

// Two appointments for cust1: A moves to Completed, its mirror follows
// without the client naming it, B stays Confirmed, and the cached view is
// patched without a refetch.
func TestAdminStatusChangePatchesView(t *testing.T) {
	f := newFixture(t)

	f.view(t, "appointments")
	listed := f.store.Calls(memstore.OpListOwners)

	rec, resp := f.do(t, http.MethodPost, "/api/admin/owners/cust1/appointments/A/status", "admin-token", url.Values{
		"status": {"Completed"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.NotificationSuccess, resp.Notification.Level)
	assert.False(t, resp.Notification.Flagged)

	view := f.view(t, "appointments")
	assert.Equal(t, listed, f.store.Calls(memstore.OpListOwners))
	assert.Equal(t, types.StatusCompleted, statusOf(view, "A"))
	assert.Equal(t, types.StatusConfirmed, statusOf(view, "B"))

	child, err := f.store.Child(context.Background(), "cust1", types.ChildTypeAppointment, "A")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, child.Status)

	mirror, ok := f.store.Mirror(types.MirrorRef{Type: types.ChildTypeAppointment, ID: f.mirrors["A"]})
	require.True(t, ok)
	assert.Equal(t, types.StatusCompleted, mirror.Child.Status)
}

func TestAdminStatusChangePartialWriteIsFlagged(t *testing.T) {
	f := newFixture(t)
	f.view(t, "appointments")

	f.store.FailOn(memstore.OpUpdateMirror, f.mirrors["B"], types.ErrStoreUnavailable)

	rec, resp := f.do(t, http.MethodPost, "/api/admin/owners/cust1/appointments/B/status", "admin-token", url.Values{
		"status": {"Cancelled"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.NotificationWarning, resp.Notification.Level)
	assert.True(t, resp.Notification.Flagged)

	assert.Equal(t, types.StatusCancelled, statusOf(f.view(t, "appointments"), "B"))

	mirror, ok := f.store.Mirror(types.MirrorRef{Type: types.ChildTypeAppointment, ID: f.mirrors["B"]})
	require.True(t, ok)
	assert.Equal(t, types.StatusConfirmed, mirror.Child.Status)
}

// A mirror id sent by the client is ignored. The mirror linked from the
// stored record is the only one written.
func TestAdminStatusChangeIgnoresClientMirrorID(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, http.MethodPost, "/api/admin/owners/cust1/appointments/A/status", "admin-token", url.Values{
		"status":    {"Cancelled"},
		"mirror_id": {f.mirrors["C"]},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.NotificationSuccess, resp.Notification.Level)

	mirrorA, ok := f.store.Mirror(types.MirrorRef{Type: types.ChildTypeAppointment, ID: f.mirrors["A"]})
	require.True(t, ok)
	assert.Equal(t, types.StatusCancelled, mirrorA.Child.Status)

	mirrorC, ok := f.store.Mirror(types.MirrorRef{Type: types.ChildTypeAppointment, ID: f.mirrors["C"]})
	require.True(t, ok)
	assert.Equal(t, types.StatusPending, mirrorC.Child.Status)
	assert.Equal(t, "cust2", mirrorC.OwnerID)

	childC, err := f.store.Child(context.Background(), "cust2", types.ChildTypeAppointment, "C")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, childC.Status)

	mirrorView := f.view(t, "appointments?source=mirror")
	assert.Equal(t, types.StatusCancelled, statusOf(mirrorView, "A"))
	assert.Equal(t, types.StatusPending, statusOf(mirrorView, "C"))
}

func TestAdminStatusChangeStoreUnavailable(t *testing.T) {
	f := newFixture(t)
	f.view(t, "appointments")
	f.store.FailOn(memstore.OpUpdateChild, "cust1", types.ErrStoreUnavailable)

	rec, resp := f.do(t, http.MethodPost, "/api/admin/owners/cust1/appointments/A/status", "admin-token", url.Values{
		"status": {"Completed"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Something went wrong", resp.Notification.Title)

	f.store.ClearFaults()
	assert.Equal(t, types.StatusPending, statusOf(f.view(t, "appointments"), "A"))
}

func TestAdminStatusChangeNotFoundInvalidatesView(t *testing.T) {
	f := newFixture(t)
	f.view(t, "appointments")
	listed := f.store.Calls(memstore.OpListOwners)

	rec, _ := f.do(t, http.MethodPost, "/api/admin/owners/cust1/appointments/Z/status", "admin-token", url.Values{
		"status": {"Completed"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.view(t, "appointments")
	assert.Equal(t, listed+1, f.store.Calls(memstore.OpListOwners))
}

func TestAdminStatusChangeRejectsForeignStatus(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/admin/owners/cust1/appointments/A/status", "admin-token", url.Values{
		"status": {"Verified"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusMenu(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, http.MethodGet, "/api/admin/owners/cust1/appointments/B/statuses", "admin-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var menu statusMenu
	require.NoError(t, json.Unmarshal(resp.Data, &menu))
	assert.Equal(t, types.StatusConfirmed, menu.Current)
	assert.Equal(t, []types.Status{types.StatusPending, types.StatusCompleted, types.StatusCancelled}, menu.Options)
}

func TestAdminSummary(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, http.MethodGet, "/api/admin/summary", "admin-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary types.DashboardSummary
	require.NoError(t, json.Unmarshal(resp.Data, &summary))
	assert.Equal(t, 2, summary.Counts[types.ChildTypeAppointment][types.StatusPending])
	assert.Equal(t, 1, summary.Counts[types.ChildTypeAppointment][types.StatusConfirmed])
	assert.Len(t, summary.RecentOwners, 2)
	assert.Nil(t, resp.Notification)
}

func TestCustomerCancelsAppointment(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/me/appointments/A/status", "alice-token", url.Values{"status": {"Cancelled"}})
	require.Equal(t, http.StatusOK, rec.Code)

	mirror, ok := f.store.Mirror(types.MirrorRef{Type: types.ChildTypeAppointment, ID: f.mirrors["A"]})
	require.True(t, ok)
	assert.Equal(t, types.StatusCancelled, mirror.Child.Status)

	rec, _ = f.do(t, http.MethodPost, "/api/me/appointments/B/status", "alice-token", url.Values{"status": {"Completed"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// another owner's record is simply not there
	rec, _ = f.do(t, http.MethodPost, "/api/me/appointments/C/status", "alice-token", url.Values{"status": {"Cancelled"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCustomerCreatesAppointmentAndReferral(t *testing.T) {
	f := newFixture(t)
	f.view(t, "appointments")

	rec, resp := f.do(t, http.MethodPost, "/api/me/appointments", "alice-token", url.Values{
		"service":      {"Individual return"},
		"request_date": {"2025-04-01"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created types.ChildRecord
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	assert.NotEmpty(t, created.MirrorID)
	assert.Equal(t, "Alice Johnson", created.Appointment.FullName)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), created.Appointment.RequestDate)

	assert.Len(t, f.view(t, "appointments").Entries, 4)

	rec, _ = f.do(t, http.MethodPost, "/api/me/appointments", "alice-token", url.Values{"service": {"x"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, resp = f.do(t, http.MethodPost, "/api/me/referrals", "alice-token", url.Values{
		"referred_name":  {"Charlie Brown"},
		"referred_email": {"Charlie@Example.com"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	assert.Equal(t, "charlie@example.com", created.Referral.ReferredEmail)
	assert.Equal(t, "alice@example.com", created.Referral.ReferrerEmail)

	rec, _ = f.do(t, http.MethodPost, "/api/me/referrals", "alice-token", url.Values{"referred_email": {"alice@example.com"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCustomerListsOwnChildren(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, http.MethodGet, "/api/me/appointments", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list childList
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	require.Len(t, list.Entries, 2)
	assert.Equal(t, "A", list.Entries[0].ID)

	rec, _ = f.do(t, http.MethodGet, "/api/me/invoices", "alice-token", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func uploadRequest(t *testing.T, path, token, name, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	h.Set("Content-Type", "application/pdf")
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)

	require.NoError(t, mw.WriteField("document_type", "W-2"))
	require.NoError(t, mw.WriteField("tax_year", "2024"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestDocumentUploadAndDelete(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.serve(t, uploadRequest(t, "/api/me/documents", "alice-token", "w2.pdf", "%PDF w2"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var doc types.ChildRecord
	require.NoError(t, json.Unmarshal(resp.Data, &doc))
	assert.Equal(t, "application/pdf", doc.Document.MimeType)
	assert.Equal(t, 2024, doc.Document.TaxYear)
	assert.Equal(t, types.UploaderCustomer, doc.Document.Uploader)
	assert.True(t, strings.HasPrefix(doc.Document.StoragePath, "customers/cust1/documents/"))
	assert.Equal(t, 1, f.blobs.Len())

	rec, _ = f.do(t, http.MethodDelete, "/api/me/documents/"+doc.ID, "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, f.blobs.Len())

	rec, resp = f.do(t, http.MethodGet, "/api/me/documents", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list childList
	require.NoError(t, json.Unmarshal(resp.Data, &list))
	assert.Empty(t, list.Entries)

	rec, _ = f.do(t, http.MethodDelete, "/api/me/documents/"+doc.ID, "alice-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminUploadsForOwner(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.serve(t, uploadRequest(t, "/api/admin/owners/cust2/documents", "admin-token", "1099.pdf", "%PDF 1099"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var doc types.ChildRecord
	require.NoError(t, json.Unmarshal(resp.Data, &doc))
	assert.Equal(t, "cust2", doc.OwnerID)
	assert.Equal(t, types.UploaderAdmin, doc.Document.Uploader)

	rec, _ = f.serve(t, uploadRequest(t, "/api/admin/owners/nobody/documents", "admin-token", "1099.pdf", "%PDF"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1, f.blobs.Len())
}

func TestLoginSetsSessionCookie(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/login", "", url.Values{"email": {"alice@example.com"}, "password": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/login", "", url.Values{"email": {"alice@example.com"}, "password": {"secret"}})
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, cookieAccessTokenName, cookies[0].Name)
	assert.NotEqual(t, "alice-token", cookies[0].Value)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(cookies[0])
	rec, _ = f.serve(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProfileUpdateInvalidatesViews(t *testing.T) {
	f := newFixture(t)
	f.view(t, "appointments")

	rec, resp := f.do(t, http.MethodPost, "/api/me", "alice-token", url.Values{
		"first_name": {"Alicia"},
		"last_name":  {"Johnson"},
		"city":       {"Austin"},
		"state":      {"TX"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var me types.Owner
	require.NoError(t, json.Unmarshal(resp.Data, &me))
	assert.Equal(t, "Austin", me.City)
	assert.Equal(t, []string{"cust1"}, f.accounts.forgotten)

	view := f.view(t, "appointments")
	assert.Equal(t, "Alicia Johnson", view.Entries[0].OwnerName)

	rec, _ = f.do(t, http.MethodPost, "/api/me", "alice-token", url.Values{"first_name": {" "}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
