package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okian/irtengine/internal/adapters/http/api"
	service "github.com/okian/irtengine/internal/app"
	"github.com/okian/irtengine/internal/domain/aggregate"
	"github.com/okian/irtengine/internal/domain/model"
	"github.com/okian/irtengine/internal/domain/scoring"
	. "github.com/smartystreets/goconvey/convey"
)

const catalog = `{"items":[
	{"id":"k-1","topic_key":"kinematics","difficulty":0,"discrimination":1,"format":"numeric","answer":"4","active":true},
	{"id":"k-2","topic_key":"motion-1d","difficulty":-0.2,"discrimination":1,"format":"numeric","answer":"2","active":true},
	{"id":"a-1","topic_key":"algebra","difficulty":0.3,"discrimination":1.2,"option_count":4,"answer":"C","active":true}
]}`

func newTestServer() (http.Handler, *service.Service) {
	tax, err := aggregate.NewTaxonomy(aggregate.TaxonomyConfig{
		Subjects: map[string]string{"kinematics": "physics", "algebra": "math"},
		Aliases:  map[string]string{"motion-1d": "kinematics"},
		Broad:    map[string][]string{"mechanics": {"kinematics", "dynamics"}},
	})
	if err != nil {
		panic(err)
	}
	svc := service.New(
		service.WithAggregator(aggregate.New(aggregate.WithTaxonomy(tax))),
		service.WithWorkerCount(1),
	)
	return api.NewServer(svc, svc).Handler(), svc
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(rec *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		panic(err)
	}
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	Convey("Given the API router", t, func() {
		h, svc := newTestServer()
		defer svc.Stop()

		Convey("When GET /healthz is requested", func() {
			rec := do(h, http.MethodGet, "/healthz", "")

			Convey("Then it reports ok", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(rec)["status"], ShouldEqual, "ok")
			})
		})

		Convey("When GET /metrics is requested after some traffic", func() {
			do(h, http.MethodGet, "/healthz", "")
			rec := do(h, http.MethodGet, "/metrics", "")

			Convey("Then the service metrics are exposed", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(rec.Body.String(), ShouldContainSubstring, "irt_engine_http_requests_total")
			})
		})

		Convey("When GET /stats is requested", func() {
			do(h, http.MethodPut, "/items", catalog)
			rec := do(h, http.MethodGet, "/stats", "")

			Convey("Then the catalog size is reported", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(rec)["active_items"], ShouldEqual, 3.0)
			})
		})
	})
}

func TestStudentFlow(t *testing.T) {
	Convey("Given a catalog loaded through PUT /items", t, func() {
		h, svc := newTestServer()
		defer svc.Stop()
		rec := do(h, http.MethodPut, "/items", catalog)
		So(rec.Code, ShouldEqual, http.StatusOK)
		So(decodeBody(rec)["upserted"], ShouldEqual, 3.0)

		Convey("When a response is posted", func() {
			rec := do(h, http.MethodPost, "/students/s-1/responses",
				`{"response_id":"r-1","item_id":"k-1","is_correct":true,"occurred_at":"2026-03-01T09:00:00Z"}`)

			Convey("Then the updated topic estimate is returned", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				body := decodeBody(rec)
				So(body["status"], ShouldEqual, "applied")
				topic := body["topic"].(map[string]any)
				So(topic["key"], ShouldEqual, "kinematics")
				So(topic["theta"], ShouldAlmostEqual, 0.2, 1e-9)
			})

			Convey("And posting it again is reported as a duplicate", func() {
				rec := do(h, http.MethodPost, "/students/s-1/responses",
					`{"response_id":"r-1","item_id":"k-1","is_correct":false}`)
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(decodeBody(rec)["duplicate"], ShouldBeTrue)
			})

			Convey("And the abilities endpoint shows the hierarchy", func() {
				rec := do(h, http.MethodGet, "/students/s-1/abilities", "")
				So(rec.Code, ShouldEqual, http.StatusOK)
				body := decodeBody(rec)
				So(body["subjects"], ShouldContainKey, "physics")
				So(body["overall"].(map[string]any)["derived"], ShouldBeTrue)
			})

			Convey("And the legacy topic key resolves directly", func() {
				rec := do(h, http.MethodGet, "/students/s-1/topics/motion-1d", "")
				So(rec.Code, ShouldEqual, http.StatusOK)
				body := decodeBody(rec)
				So(body["resolution"], ShouldEqual, "direct")
				So(body["resolved_to"], ShouldResemble, []any{"kinematics"})
			})

			Convey("And the broad topic key is derived", func() {
				rec := do(h, http.MethodGet, "/students/s-1/topics/mechanics", "")
				So(rec.Code, ShouldEqual, http.StatusOK)
				body := decodeBody(rec)
				So(body["resolution"], ShouldEqual, "derived")
				So(body["estimate"].(map[string]any)["derived"], ShouldBeTrue)
			})
		})

		Convey("When the next item is requested", func() {
			rec := do(h, http.MethodGet, "/students/s-1/next-item?topic=kinematics", "")

			Convey("Then an item is served without its answer key", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				body := decodeBody(rec)
				item := body["item"].(map[string]any)
				So(item["id"], ShouldEqual, "k-1")
				So(item, ShouldNotContainKey, "answer")
				So(body["fallback"], ShouldBeFalse)
				So(body["threshold"], ShouldEqual, 0.5)
			})
		})

		Convey("When the next item is requested for a topic without items", func() {
			rec := do(h, http.MethodGet, "/students/s-1/next-item?topic=optics", "")

			Convey("Then a fallback item is served", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				body := decodeBody(rec)
				So(body["fallback"], ShouldBeTrue)
				So(body["threshold"], ShouldBeNil)
			})
		})

		Convey("When a test is scored", func() {
			rec := do(h, http.MethodPost, "/tests/score",
				`{"item_ids":["k-1","k-2","a-1"],"answers":[{"item_id":"k-1","value":"4"},{"item_id":"a-1","value":"c"}]}`)

			Convey("Then marks and the subject breakdown are returned", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				body := decodeBody(rec)
				So(body["total_marks"], ShouldEqual, 8.0)
				So(body["correct"], ShouldEqual, 2.0)
				So(body["unattempted"], ShouldEqual, 1.0)
				So(body["subject_breakdown"], ShouldContainKey, "math")
			})
		})
	})
}

func TestErrorMapping(t *testing.T) {
	Convey("Given the API router", t, func() {
		h, svc := newTestServer()
		defer svc.Stop()

		cases := []struct {
			name   string
			method string
			path   string
			body   string
			status int
		}{
			{"malformed json", http.MethodPost, "/students/s-1/responses", `{"response_id":`, http.StatusBadRequest},
			{"unknown field", http.MethodPost, "/students/s-1/responses", `{"response_id":"r","item_id":"i","is_correct":true,"extra":1}`, http.StatusBadRequest},
			{"missing is_correct", http.MethodPost, "/students/s-1/responses", `{"response_id":"r","item_id":"i"}`, http.StatusBadRequest},
			{"bad timestamp", http.MethodPost, "/students/s-1/responses", `{"response_id":"r","item_id":"i","is_correct":true,"occurred_at":"yesterday"}`, http.StatusBadRequest},
			{"unknown item", http.MethodPost, "/students/s-1/responses", `{"response_id":"r","item_id":"nope","is_correct":true}`, http.StatusNotFound},
			{"item out of range", http.MethodPut, "/items", `{"items":[{"id":"x","topic_key":"algebra","difficulty":9,"discrimination":1,"active":true}]}`, http.StatusUnprocessableEntity},
			{"empty catalog", http.MethodGet, "/students/s-1/next-item?topic=algebra", "", http.StatusNotFound},
			{"missing topic", http.MethodGet, "/students/s-1/next-item", "", http.StatusBadRequest},
			{"recompute before start", http.MethodPost, "/admin/recompute", "", http.StatusServiceUnavailable},
		}

		for _, c := range cases {
			Convey("When the request is a "+c.name, func() {
				rec := do(h, c.method, c.path, c.body)

				Convey("Then the status is mapped", func() {
					So(rec.Code, ShouldEqual, c.status)
					So(decodeBody(rec)["code"], ShouldNotBeEmpty)
				})
			})
		}
	})

	Convey("Given a service failing with an internal error", t, func() {
		h := api.NewServer(failingDeps{}, failingDeps{}).Handler()

		Convey("When abilities are requested", func() {
			rec := do(h, http.MethodGet, "/students/s-1/abilities", "")

			Convey("Then a generic 500 is returned", func() {
				So(rec.Code, ShouldEqual, http.StatusInternalServerError)
				So(rec.Body.String(), ShouldNotContainSubstring, "disk on fire")
			})
		})
	})
}

func TestRecompute(t *testing.T) {
	Convey("Given a started service with one student", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h, svc := newTestServer()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()
		do(h, http.MethodPut, "/items", catalog)
		do(h, http.MethodPost, "/students/s-1/responses", `{"response_id":"r-1","item_id":"k-1","is_correct":true}`)

		Convey("When a replay recompute is posted", func() {
			rec := do(h, http.MethodPost, "/admin/recompute", `{"replay":true}`)

			Convey("Then the run report is returned", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				body := decodeBody(rec)
				So(body["run_id"], ShouldNotBeEmpty)
				So(body["processed"], ShouldEqual, 1.0)
				So(body["failed"], ShouldEqual, 0.0)
			})
		})
	})
}

var errDisk = errors.New("disk on fire")

type failingDeps struct{}

func (failingDeps) SubmitResponse(context.Context, model.Response) (service.SubmitResult, error) {
	return service.SubmitResult{}, errDisk
}

func (failingDeps) Abilities(context.Context, string) (model.EstimateSet, error) {
	return model.EstimateSet{}, errDisk
}

func (failingDeps) ResolveTopic(context.Context, string, string) (model.AbilityEstimate, aggregate.Resolution, error) {
	return model.AbilityEstimate{}, nil, errDisk
}

func (failingDeps) NextItem(context.Context, string, string) (service.NextItemResult, error) {
	return service.NextItemResult{}, errDisk
}

func (failingDeps) ScoreTest(context.Context, []string, []scoring.Answer) (scoring.Result, error) {
	return scoring.Result{}, errDisk
}

func (failingDeps) UpsertItems(context.Context, []model.Item) ([]model.Item, error) {
	return nil, errDisk
}

func (failingDeps) Recompute(context.Context, []string, bool) (service.Report, error) {
	return service.Report{}, errDisk
}

func (failingDeps) GetStats(context.Context) (service.Stats, error) {
	return service.Stats{}, errDisk
}
