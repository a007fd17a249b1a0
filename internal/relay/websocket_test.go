package relay_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v81/github"
	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kehao95/gh-app-relay/internal/relay"
)

type wireFrame struct {
	Header http.Header
	Body   []byte
}

type wireAck struct {
	Status int
	Header http.Header
	Body   []byte
}

// fakeHookAPI stands in for the GitHub hooks API and the hook's websocket.
type fakeHookAPI struct {
	server *httptest.Server
	frames []wireFrame
	// closeAfterFrames makes the socket end the session on its own.
	closeAfterFrames bool

	mu        sync.Mutex
	requests  []string
	created   map[string]any
	activated map[string]any
	auth      string
	acks      []wireAck
}

func newFakeHookAPI(hooksPath string, frames []wireFrame) *fakeHookAPI {
	api := &fakeHookAPI{frames: frames}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+hooksPath, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		api.record(r, func() { api.created = body })
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     7,
			"ws_url": "ws" + strings.TrimPrefix(api.server.URL, "http") + "/socket",
		})
	})
	mux.HandleFunc("PATCH "+hooksPath+"/7", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		api.record(r, func() { api.activated = body })
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 7})
	})
	mux.HandleFunc("DELETE "+hooksPath+"/7", func(w http.ResponseWriter, r *http.Request) {
		api.record(r, nil)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /socket", func(w http.ResponseWriter, r *http.Request) {
		api.record(r, func() { api.auth = r.Header.Get("Authorization") })
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, f := range api.frames {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
			var received wireAck
			if err := conn.ReadJSON(&received); err != nil {
				return
			}
			api.mu.Lock()
			api.acks = append(api.acks, received)
			api.mu.Unlock()
		}
		if api.closeAfterFrames {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	api.server = httptest.NewServer(mux)
	return api
}

func (api *fakeHookAPI) record(r *http.Request, fn func()) {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.requests = append(api.requests, r.Method+" "+r.URL.Path)
	if fn != nil {
		fn()
	}
}

func (api *fakeHookAPI) Requests() []string {
	api.mu.Lock()
	defer api.mu.Unlock()
	return append([]string(nil), api.requests...)
}

func (api *fakeHookAPI) Acks() []wireAck {
	api.mu.Lock()
	defer api.mu.Unlock()
	return append([]wireAck(nil), api.acks...)
}

func (api *fakeHookAPI) client() *github.Client {
	client := github.NewClient(nil)
	baseURL, err := url.Parse(api.server.URL + "/")
	Expect(err).NotTo(HaveOccurred())
	client.BaseURL = baseURL
	return client
}

func issuesFrame(delivery string) wireFrame {
	return wireFrame{
		Header: http.Header{
			"X-Github-Event":      {"issues"},
			"X-Github-Delivery":   {delivery},
			"X-Hub-Signature-256": {"sha256=abc"},
		},
		Body: []byte(`{"action":"opened"}`),
	}
}

var _ = Describe("Websocket session", func() {
	var (
		api     *fakeHookAPI
		events  chan relay.Event
		errs    chan error
		stops   chan struct{}
		handler relay.Handlers
	)

	BeforeEach(func() {
		events = make(chan relay.Event, 4)
		errs = make(chan error, 4)
		stops = make(chan struct{}, 4)
		handler = relay.Handlers{
			OnWebhook: func(e relay.Event) { events <- e },
			OnError:   func(err error) { errs <- err },
			OnStop:    func() { stops <- struct{}{} },
		}
	})

	AfterEach(func() {
		api.server.Close()
	})

	It("creates an inactive cli hook, activates it and relays deliveries", func() {
		api = newFakeHookAPI("/repos/acme/widgets/hooks", []wireFrame{issuesFrame("d1")})

		session, err := relay.NewWebsocket(relay.Config{
			Owner:    "acme",
			Repo:     "widgets",
			Events:   []string{"issues"},
			Client:   api.client(),
			Token:    "hook-token",
			Handlers: handler,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(session.Start(context.Background())).To(Succeed())

		var event relay.Event
		Eventually(events).Should(Receive(&event))
		Expect(event.ID).To(Equal("d1"))
		Expect(event.Name).To(Equal("issues"))
		Expect(event.Body).To(Equal(`{"action":"opened"}`))
		Expect(event.Signature).To(Equal("sha256=abc"))
		Expect(event.Headers).To(HaveKeyWithValue("X-Github-Event", "issues"))

		Eventually(api.Acks).Should(HaveLen(1))
		Expect(api.Acks()[0].Status).To(Equal(http.StatusOK))

		api.mu.Lock()
		Expect(api.created).To(HaveKeyWithValue("name", "cli"))
		Expect(api.created).To(HaveKeyWithValue("active", false))
		Expect(api.created).To(HaveKeyWithValue("events", ConsistOf("issues")))
		Expect(api.activated).To(HaveKeyWithValue("active", true))
		Expect(api.auth).To(Equal("hook-token"))
		api.mu.Unlock()

		Expect(session.Stop(context.Background())).To(Succeed())
		Eventually(stops).Should(Receive())
		Expect(api.Requests()).To(ContainElement("DELETE /repos/acme/widgets/hooks/7"))
		Consistently(stops).ShouldNot(Receive())
		Expect(errs).To(BeEmpty())
	})

	It("uses the organization hooks endpoint without a repository", func() {
		api = newFakeHookAPI("/orgs/acme/hooks", nil)

		session, err := relay.NewWebsocket(relay.Config{Owner: "acme", Client: api.client(), Handlers: handler})
		Expect(err).NotTo(HaveOccurred())
		Expect(session.Start(context.Background())).To(Succeed())

		api.mu.Lock()
		Expect(api.created).To(HaveKeyWithValue("events", ConsistOf("*")))
		api.mu.Unlock()

		Expect(session.Stop(context.Background())).To(Succeed())
		Expect(api.Requests()).To(Equal([]string{
			"POST /orgs/acme/hooks",
			"GET /socket",
			"PATCH /orgs/acme/hooks/7",
			"DELETE /orgs/acme/hooks/7",
		}))
	})

	It("reports stop and removes the hook when the relay closes the socket", func() {
		api = newFakeHookAPI("/repos/acme/widgets/hooks", []wireFrame{issuesFrame("d1")})
		api.closeAfterFrames = true

		session, err := relay.NewWebsocket(relay.Config{Owner: "acme", Repo: "widgets", Client: api.client(), Handlers: handler})
		Expect(err).NotTo(HaveOccurred())
		Expect(session.Start(context.Background())).To(Succeed())

		Eventually(events).Should(Receive())
		Eventually(stops).Should(Receive())
		Eventually(api.Requests).Should(ContainElement("DELETE /repos/acme/widgets/hooks/7"))
		Expect(errs).To(BeEmpty())
	})

	It("stops from inside a delivery handler", func() {
		api = newFakeHookAPI("/repos/acme/widgets/hooks", []wireFrame{issuesFrame("d1")})

		var session relay.Session
		stopped := make(chan error, 1)
		handler.OnWebhook = func(relay.Event) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			stopped <- session.Stop(ctx)
		}

		var err error
		session, err = relay.NewWebsocket(relay.Config{Owner: "acme", Repo: "widgets", Client: api.client(), Handlers: handler})
		Expect(err).NotTo(HaveOccurred())
		Expect(session.Start(context.Background())).To(Succeed())

		Eventually(stopped).Should(Receive(BeNil()))
		Eventually(stops).Should(Receive())
		Expect(api.Requests()).To(ContainElement("DELETE /repos/acme/widgets/hooks/7"))
		Consistently(stops).ShouldNot(Receive())
		Expect(errs).To(BeEmpty())
	})

	It("removes the hook when stopped with an expired context", func() {
		api = newFakeHookAPI("/repos/acme/widgets/hooks", nil)

		session, err := relay.NewWebsocket(relay.Config{Owner: "acme", Repo: "widgets", Client: api.client(), Handlers: handler})
		Expect(err).NotTo(HaveOccurred())
		Expect(session.Start(context.Background())).To(Succeed())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = session.Stop(ctx)

		Expect(stops).To(Receive())
		Expect(api.Requests()).To(ContainElement("DELETE /repos/acme/widgets/hooks/7"))
	})

	It("fails to start when the hook cannot be created", func() {
		api = newFakeHookAPI("/repos/acme/other/hooks", nil)

		session, err := relay.NewWebsocket(relay.Config{Owner: "acme", Repo: "widgets", Client: api.client(), Handlers: handler})
		Expect(err).NotTo(HaveOccurred())

		err = session.Start(context.Background())
		Expect(err).To(MatchError(ContainSubstring("creating relay hook on acme/widgets")))
	})

	It("requires an owner and a client", func() {
		api = newFakeHookAPI("/orgs/acme/hooks", nil)

		_, err := relay.NewWebsocket(relay.Config{Client: api.client()})
		Expect(err).To(HaveOccurred())
		_, err = relay.NewWebsocket(relay.Config{Owner: "acme"})
		Expect(err).To(HaveOccurred())
	})
})
