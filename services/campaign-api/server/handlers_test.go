package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"

	"github.com/Mutter0815/CampaignMailer/internal/auth"
	"github.com/Mutter0815/CampaignMailer/internal/campaign"
	"github.com/Mutter0815/CampaignMailer/internal/dispatch"
	"github.com/Mutter0815/CampaignMailer/internal/genai"
	"github.com/Mutter0815/CampaignMailer/internal/leads"
	"github.com/Mutter0815/CampaignMailer/internal/preview"
	"github.com/Mutter0815/CampaignMailer/internal/settings"
	"github.com/Mutter0815/CampaignMailer/internal/store/storetest"
	"github.com/Mutter0815/CampaignMailer/pkg/jobq"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeQueue struct {
	next      int64
	enqueued  []int64
	cancelErr error
	enqErr    error
}

func (q *fakeQueue) Enqueue(ctx context.Context, args river.JobArgs) (int64, error) {
	return q.EnqueueAt(ctx, time.Time{}, args)
}

func (q *fakeQueue) EnqueueAt(_ context.Context, _ time.Time, _ river.JobArgs) (int64, error) {
	if q.enqErr != nil {
		return 0, q.enqErr
	}
	q.next++
	q.enqueued = append(q.enqueued, q.next)
	return q.next, nil
}

func (q *fakeQueue) Cancel(context.Context, int64) error { return q.cancelErr }

type fakeGen struct {
	html string
	err  error
	req  genai.Request
}

func (g *fakeGen) Generate(_ context.Context, req genai.Request) (string, error) {
	g.req = req
	return g.html, g.err
}

func (g *fakeGen) Sanitize(html string) string {
	return genai.New(genai.Config{}).Sanitize(html)
}

type fakeUsers map[string]auth.User

func (f fakeUsers) GetUserByLogin(_ context.Context, login string) (auth.User, error) {
	u, ok := f[login]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return u, nil
}

var (
	hashOnce sync.Once
	pwHash   string
)

func users(t *testing.T) fakeUsers {
	hashOnce.Do(func() {
		h, err := auth.HashPassword("secret")
		if err != nil {
			t.Fatal(err)
		}
		pwHash = h
	})
	return fakeUsers{
		"editor":  {ID: 5, Username: "editor", PasswordHash: pwHash, Role: auth.RoleEditor, Active: true},
		"retired": {ID: 6, Username: "retired", PasswordHash: pwHash, Role: auth.RoleEditor, Active: false},
		"viewer":  {ID: 7, Username: "viewer", PasswordHash: pwHash, Role: auth.Role("viewer"), Active: true},
	}
}

type env struct {
	srv   *http.Server
	store *storetest.MemStore
	queue *fakeQueue
	gen   *fakeGen
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := storetest.New()
	st.SetSettings(map[string]string{settings.KeyAPIKey: "k", settings.KeyCompanyName: "Acme"})
	q := &fakeQueue{}
	g := &fakeGen{html: "<p>Hello [NAME]</p>"}

	h := &Handlers{
		Store:     st,
		Dispatch:  dispatch.New(st, q),
		Gen:       g,
		Previews:  preview.New(rdb, time.Minute),
		Settings:  settings.NewLoader(st),
		Columns:   leads.DefaultColumns(),
		MaxUpload: 1 << 20,
	}
	return &env{srv: NewHTTPServer(":0", h, auth.NewAuthenticator(users(t))), store: st, queue: q, gen: g}
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func authed(req *http.Request) *http.Request {
	req.SetBasicAuth("editor", "secret")
	return req
}

func previewRequest(t *testing.T, fields map[string]string, filename, file string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("leads", filename)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte(file))
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/campaigns/preview", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return authed(req)
}

var goodFields = map[string]string{"subject": "Spring", "theme": "spring sale", "cta_url": "https://acme.com/sale"}

const goodCSV = "name,email\nAna Silva,ana@x.com\n,skip@x.com\nBo,bo@x.com\n"

func approveRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/campaigns", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return authed(req)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rr.Body.String(), err)
	}
	return v
}

func (e *env) preview(t *testing.T) campaign.PreviewResp {
	t.Helper()
	rr := e.do(previewRequest(t, goodFields, "leads.csv", goodCSV))
	if rr.Code != http.StatusOK {
		t.Fatalf("preview status=%d body=%s", rr.Code, rr.Body.String())
	}
	return decode[campaign.PreviewResp](t, rr)
}

func TestPreviewAndApprove_OK(t *testing.T) {
	e := newEnv(t)

	p := e.preview(t)
	if p.Recipients != 2 || p.Dropped != 1 {
		t.Fatalf("want 2 recipients / 1 dropped, got %d/%d", p.Recipients, p.Dropped)
	}
	if p.HTML != "<p>Hello [NAME]</p>" || p.Token == "" {
		t.Fatalf("unexpected preview: %+v", p)
	}
	if e.gen.req.CompanyName != "Acme" || e.gen.req.CTAURL != "https://acme.com/sale" {
		t.Fatalf("generator got %+v", e.gen.req)
	}

	rr := e.do(approveRequest(`{"preview_token":"` + p.Token + `","html":"<p onclick=\"x()\">Edited [NAME]</p><script>alert(1)</script>"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("approve status=%d body=%s", rr.Code, rr.Body.String())
	}
	resp := decode[campaign.ApproveCampaignResp](t, rr)
	if resp.Status != campaign.StatusQueued || resp.JobID == nil || resp.Recipients != 2 {
		t.Fatalf("unexpected approve response: %+v", resp)
	}

	c, err := e.store.GetCampaign(context.Background(), resp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.GeneratedHTML != "<p>Edited [NAME]</p>" || c.CreatedBy == nil || *c.CreatedBy != 5 {
		t.Fatalf("stored campaign: %+v", c)
	}

	// токен одноразовый
	rr = e.do(approveRequest(`{"preview_token":"` + p.Token + `"}`))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("reused token: expected 404, got %d", rr.Code)
	}
	if err := e.store.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestApprove_Scheduled(t *testing.T) {
	e := newEnv(t)
	p := e.preview(t)

	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rr := e.do(approveRequest(`{"preview_token":"` + p.Token + `","scheduled_at":"` + at + `"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := decode[campaign.ApproveCampaignResp](t, rr).Status; got != campaign.StatusScheduled {
		t.Fatalf("want scheduled, got %s", got)
	}
}

func TestApprove_QueueDown(t *testing.T) {
	e := newEnv(t)
	p := e.preview(t)
	e.queue.enqErr = errors.New("connection refused")

	rr := e.do(approveRequest(`{"preview_token":"` + p.Token + `"}`))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d body=%s", rr.Code, rr.Body.String())
	}
	resp := decode[campaign.ApproveCampaignResp](t, rr)
	if resp.Status != campaign.StatusQueueError || resp.ID == 0 || resp.Error == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	stats, _ := e.store.GetCampaignStats(context.Background(), resp.ID)
	if stats.Failed != 2 {
		t.Fatalf("recipients should be failed, got %+v", stats)
	}
}

func TestApprove_ValidationError(t *testing.T) {
	e := newEnv(t)
	rr := e.do(approveRequest(`{}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestPreview_Errors(t *testing.T) {
	cases := []struct {
		name     string
		fields   map[string]string
		filename string
		file     string
		setup    func(e *env)
		want     int
	}{
		{name: "missing subject", fields: map[string]string{"theme": "t", "cta_url": "https://a.b"}, filename: "l.csv", file: goodCSV, want: http.StatusBadRequest},
		{name: "no file", fields: goodFields, want: http.StatusBadRequest},
		{name: "missing columns", fields: goodFields, filename: "l.csv", file: "nome,email\nAna,a@x.com\n", want: http.StatusBadRequest},
		{name: "bad format", fields: goodFields, filename: "l.pdf", file: "x", want: http.StatusBadRequest},
		{name: "no usable rows", fields: goodFields, filename: "l.csv", file: "name,email\n,a@x.com\n", want: http.StatusBadRequest},
		{
			name: "missing settings", fields: goodFields, filename: "l.csv", file: goodCSV,
			setup: func(e *env) { e.store.SetSettings(map[string]string{settings.KeyAPIKey: ""}) },
			want:  http.StatusUnprocessableEntity,
		},
		{
			name: "generator down", fields: goodFields, filename: "l.csv", file: goodCSV,
			setup: func(e *env) {
				e.gen.err = &campaign.CollaboratorError{Collaborator: "genai", Err: context.DeadlineExceeded}
			},
			want: http.StatusBadGateway,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			if tc.setup != nil {
				tc.setup(e)
			}
			rr := e.do(previewRequest(t, tc.fields, tc.filename, tc.file))
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d body=%s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestAuth(t *testing.T) {
	e := newEnv(t)

	cases := []struct {
		name       string
		user, pass string
		want       int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong password", "editor", "nope", http.StatusUnauthorized},
		{"unknown user", "ghost", "secret", http.StatusUnauthorized},
		{"inactive", "retired", "secret", http.StatusForbidden},
		{"no role", "viewer", "secret", http.StatusForbidden},
		{"ok", "editor", "secret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
			if tc.user != "" {
				req.SetBasicAuth(tc.user, tc.pass)
			}
			if rr := e.do(req); rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
		})
	}
}

func seedScheduled(e *env) int64 {
	job := int64(900)
	at := time.Now().Add(time.Hour)
	return e.store.Seed(campaign.Campaign{
		Subject: "S", GeneratedHTML: "<p/>", Status: campaign.StatusScheduled, JobID: &job, ScheduledAt: &at,
	}, campaign.Lead{Name: "Ana", Email: "a@x.com"})
}

func TestCancelCampaign(t *testing.T) {
	cases := []struct {
		name        string
		cancelErr   error
		want        int
		wantStatus  campaign.Status
		wantWarning bool
	}{
		{"cancelled", nil, http.StatusOK, campaign.StatusCancelled, false},
		{"job missing", jobq.ErrJobNotFound, http.StatusOK, campaign.StatusCancelledMissingJob, true},
		{"job started", jobq.ErrJobStarted, http.StatusConflict, campaign.StatusScheduled, false},
		{"queue down", errors.New("dial tcp: refused"), http.StatusBadGateway, campaign.StatusScheduled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			id := seedScheduled(e)
			e.queue.cancelErr = tc.cancelErr

			rr := e.do(authed(httptest.NewRequest(http.MethodPost, "/campaigns/"+itoa(id)+"/cancel", nil)))
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d body=%s", tc.want, rr.Code, rr.Body.String())
			}
			if rr.Code == http.StatusOK {
				resp := decode[campaign.ActionResp](t, rr)
				if (resp.Warning != "") != tc.wantWarning {
					t.Fatalf("warning mismatch: %+v", resp)
				}
			}
			c, _ := e.store.GetCampaign(context.Background(), id)
			if c.Status != tc.wantStatus {
				t.Fatalf("want %s, got %s", tc.wantStatus, c.Status)
			}
		})
	}
}

func TestCancelCampaign_NotScheduledOrMissing(t *testing.T) {
	e := newEnv(t)
	id := e.store.Seed(campaign.Campaign{Status: campaign.StatusCompleted, GeneratedHTML: "<p/>"})

	if rr := e.do(authed(httptest.NewRequest(http.MethodPost, "/campaigns/"+itoa(id)+"/cancel", nil))); rr.Code != http.StatusConflict {
		t.Fatalf("completed: expected 409, got %d", rr.Code)
	}
	if rr := e.do(authed(httptest.NewRequest(http.MethodPost, "/campaigns/999/cancel", nil))); rr.Code != http.StatusNotFound {
		t.Fatalf("missing: expected 404, got %d", rr.Code)
	}
	if rr := e.do(authed(httptest.NewRequest(http.MethodPost, "/campaigns/abc/cancel", nil))); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", rr.Code)
	}
}

func TestSendNow(t *testing.T) {
	e := newEnv(t)
	id := seedScheduled(e)

	rr := e.do(authed(httptest.NewRequest(http.MethodPost, "/campaigns/"+itoa(id)+"/send-now", nil)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	c, _ := e.store.GetCampaign(context.Background(), id)
	if c.Status != campaign.StatusQueued || c.ScheduledAt != nil || c.JobID == nil || *c.JobID == 900 {
		t.Fatalf("unexpected campaign after send-now: %+v", c)
	}
}

func TestListAndGetCampaign(t *testing.T) {
	e := newEnv(t)
	first := seedScheduled(e)
	second := e.store.Seed(campaign.Campaign{Subject: "B", Status: campaign.StatusCompleted, GeneratedHTML: "<p/>", SuccessCount: 1},
		campaign.Lead{Name: "Ana", Email: "a@x.com"}, campaign.Lead{Name: "Bo", Email: "b@x.com"})

	rr := e.do(authed(httptest.NewRequest(http.MethodGet, "/campaigns?limit=10", nil)))
	if rr.Code != http.StatusOK {
		t.Fatalf("list status=%d", rr.Code)
	}
	list := decode[[]campaign.CampaignListItem](t, rr)
	if len(list) != 2 || list[0].ID != second || list[1].ID != first {
		t.Fatalf("want newest first, got %+v", list)
	}
	if list[0].Stats.Total != 2 {
		t.Fatalf("stats not attached: %+v", list[0].Stats)
	}

	rr = e.do(authed(httptest.NewRequest(http.MethodGet, "/campaigns/"+itoa(second), nil)))
	if rr.Code != http.StatusOK {
		t.Fatalf("get status=%d", rr.Code)
	}
	d := decode[campaign.CampaignDetails](t, rr)
	if d.ID != second || len(d.Recipients) != 2 || d.Stats.Awaiting != 2 {
		t.Fatalf("unexpected details: %+v", d)
	}

	if rr := e.do(authed(httptest.NewRequest(http.MethodGet, "/campaigns/12345", nil))); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestDocsEndpoints(t *testing.T) {
	e := newEnv(t)

	t.Run("html", func(t *testing.T) {
		rr := e.do(httptest.NewRequest(http.MethodGet, "/docs", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "SwaggerUIBundle") {
			t.Fatalf("swagger bundle not rendered: %s", rr.Body.String())
		}
	})

	t.Run("openapi", func(t *testing.T) {
		rr := e.do(httptest.NewRequest(http.MethodGet, "/docs/campaign-api/openapi.yaml", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "yaml") {
			t.Fatalf("unexpected content type: %s", ct)
		}
		if !strings.Contains(rr.Body.String(), "openapi: 3.0.3") {
			t.Fatalf("unexpected body: %s", rr.Body.String())
		}
	})

	t.Run("healthz is public", func(t *testing.T) {
		if rr := e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
	})
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
