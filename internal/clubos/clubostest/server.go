// Package clubostest is an in-process fake of the parts of ClubOS the client talks to.
//
// It is strict the same way the real server is: api calls without the full set of cookies
// and the matching bearer token get a generic 500, pages hit without a logged in session
// redirect to the login page.
package clubostest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
)

//go:embed testdata/login_page.html
var loginPage []byte

//go:embed testdata/login_page_no_fp.html
var loginPageNoFingerprint []byte

const (
	SourcePageToken  = "x4mZ2oU3fVqZkWd9bX1cbQ=="
	FingerprintToken = "Yk3pR8sLq0eN7tVwB2cXhA=="
	LoggedInUserID   = "187032782"
)

type Agreement struct {
	ID   string
	Name string
	// MemberID overrides the owning member in responses, used to simulate the list leaking
	// another member's agreement.
	MemberID string
	Invoices []map[string]any
	// EmbedInList makes the list return the invoices inline when include=invoices is asked.
	EmbedInList bool
	// DetailFailures is how many detail requests fail with DetailFailStatus (default 500)
	// before succeeding, a negative value fails forever.
	DetailFailures   int
	DetailFailStatus int
}

type Counts struct {
	LoginPages int
	LoginPosts int
	Delegates  int
	Refreshes  int
	Lists      int
	Details    map[string]int
}

type session struct {
	loggedIn  bool
	delegated string
	token     string
}

type Server struct {
	*httptest.Server

	Username string
	Password string

	OmitFingerprint   bool
	OmitBearerCookie  bool
	RefreshSetsBearer bool
	LoginPageFailures int
	DelegateFailures  int
	ListFailures      int
	// ListHook runs at the start of every authorized list request, outside of the lock.
	ListHook func()

	mutex     sync.Mutex
	members   map[string][]Agreement
	remaining map[string]int
	sessions  map[string]*session
	counts    Counts
	nextID    int
}

func NewServer(t testing.TB) *Server {
	s := &Server{
		Username:  "frontdesk",
		Password:  "hunter2",
		members:   map[string][]Agreement{},
		remaining: map[string]int{},
		sessions:  map[string]*session{},
		counts:    Counts{Details: map[string]int{}},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /action/Login/view", s.handleLoginPage)
	mux.HandleFunc("POST /action/Login", s.handleLoginSubmit)
	mux.HandleFunc("GET /action/Dashboard", s.handlePage)
	mux.HandleFunc("GET /action/ClubServicesNew", s.handlePage)
	mux.HandleFunc("GET /action/Logout", s.handleLogout)
	mux.HandleFunc("GET /action/Delegate/{id}/url=false", s.handleDelegate)
	mux.HandleFunc("GET /action/Login/refresh-api-v3-access-token", s.handleRefresh)
	mux.HandleFunc("GET /action/PackageAgreementUpdated/spa/", s.handleSPA)
	mux.HandleFunc("GET /api/agreements/package_agreements/list", s.handleList)
	mux.HandleFunc("GET /api/agreements/package_agreements/V2/{id}", s.handleDetail)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *Server) AddMember(memberID string, agreements ...Agreement) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.members[memberID] = append(s.members[memberID], agreements...)
	for _, a := range agreements {
		s.remaining[a.ID] = a.DetailFailures
	}
}

// ExpireSessions logs every session out server side, like an idle timeout would.
func (s *Server) ExpireSessions() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, sess := range s.sessions {
		sess.loggedIn = false
	}
}

func (s *Server) Counts() Counts {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := s.counts
	out.Details = map[string]int{}
	for id, n := range s.counts.Details {
		out.Details[id] = n
	}
	return out
}

// BearerToken returns the api token issued to the session currently delegated as memberID.
func (s *Server) BearerToken(memberID string) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, sess := range s.sessions {
		if sess.delegated == memberID {
			return sess.token
		}
	}
	return ""
}

// session must be called with the lock held.
func (s *Server) session(w http.ResponseWriter, r *http.Request, create bool) *session {
	cookie, err := r.Cookie("JSESSIONID")
	if err == nil {
		sess, ok := s.sessions[cookie.Value]
		if ok {
			return sess
		}
	}
	if !create {
		return nil
	}
	s.nextID++
	id := fmt.Sprintf("node0%08d", s.nextID)
	sess := &session{}
	s.sessions[id] = sess
	http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: id, Path: "/", HttpOnly: true})
	return sess
}

// loggedIn must be called with the lock held.
func (s *Server) loggedIn(w http.ResponseWriter, r *http.Request) *session {
	sess := s.session(w, r, false)
	if sess == nil || !sess.loggedIn {
		http.Redirect(w, r, "/action/Login/view", http.StatusFound)
		return nil
	}
	return sess
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func genericError(w http.ResponseWriter, status int) {
	writeJSON(w, status, map[string]any{"status": status, "error": http.StatusText(status)})
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.counts.LoginPages++
	if s.LoginPageFailures > 0 {
		s.LoginPageFailures--
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.session(w, r, true)
	w.Header().Set("Content-Type", "text/html;charset=UTF-8")
	if s.OmitFingerprint {
		_, _ = w.Write(loginPageNoFingerprint)
		return
	}
	_, _ = w.Write(loginPage)
}

func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.counts.LoginPosts++
	err := r.ParseForm()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess := s.session(w, r, false)
	valid := sess != nil &&
		r.PostForm.Get("login") == "Submit" &&
		r.PostForm.Get("_sourcePage") == SourcePageToken &&
		r.PostForm.Get("__fp") == FingerprintToken &&
		r.PostForm.Get("username") == s.Username &&
		r.PostForm.Get("password") == s.Password
	if !valid {
		// the real server re-renders the form in place
		w.Header().Set("Content-Type", "text/html;charset=UTF-8")
		_, _ = w.Write(loginPage)
		return
	}

	sess.loggedIn = true
	http.SetCookie(w, &http.Cookie{Name: "loggedInUserId", Value: LoggedInUserID, Path: "/"})
	http.Redirect(w, r, "/action/Dashboard", http.StatusFound)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.loggedIn(w, r) == nil {
		return
	}
	w.Header().Set("Content-Type", "text/html;charset=UTF-8")
	_, _ = w.Write([]byte("<html><body>ok</body></html>"))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sess := s.session(w, r, false)
	if sess != nil {
		sess.loggedIn = false
		sess.delegated = ""
		sess.token = ""
	}
	http.SetCookie(w, &http.Cookie{Name: "loggedInUserId", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/action/Login/view", http.StatusFound)
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sess := s.loggedIn(w, r)
	if sess == nil {
		return
	}
	s.counts.Delegates++
	if s.DelegateFailures > 0 {
		s.DelegateFailures--
		genericError(w, http.StatusInternalServerError)
		return
	}

	memberID := r.PathValue("id")
	if _, ok := s.members[memberID]; !ok {
		genericError(w, http.StatusNotFound)
		return
	}

	s.nextID++
	sess.delegated = memberID
	sess.token = fmt.Sprintf("eyJhbGciOiJIUzI1NiJ9.%s.%d", memberID, s.nextID)
	http.SetCookie(w, &http.Cookie{Name: "delegatedUserId", Value: memberID, Path: "/"})
	if !s.OmitBearerCookie {
		http.SetCookie(w, &http.Cookie{Name: "apiV3AccessToken", Value: sess.token, Path: "/"})
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sess := s.loggedIn(w, r)
	if sess == nil {
		return
	}
	s.counts.Refreshes++
	if s.RefreshSetsBearer && sess.token != "" {
		http.SetCookie(w, &http.Cookie{Name: "apiV3AccessToken", Value: sess.token, Path: "/"})
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleSPA(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sess := s.loggedIn(w, r)
	if sess == nil {
		return
	}
	w.Header().Set("Content-Type", "text/html;charset=UTF-8")
	if sess.token == "" {
		_, _ = w.Write([]byte("<html><script>var ACCESS_TOKEN = null;</script></html>"))
		return
	}
	_, _ = fmt.Fprintf(w, "<html><script>var ACCESS_TOKEN = \"%s\";</script></html>", sess.token)
}

// authorizeApi must be called with the lock held. It answers with a generic 500 for any
// incomplete credential set, just like the real api.
func (s *Server) authorizeApi(w http.ResponseWriter, r *http.Request) *session {
	sess := s.loggedIn(w, r)
	if sess == nil {
		return nil
	}
	cookie := func(name string) string {
		c, err := r.Cookie(name)
		if err != nil {
			return ""
		}
		return c.Value
	}
	complete := sess.delegated != "" &&
		sess.token != "" &&
		cookie("loggedInUserId") == LoggedInUserID &&
		cookie("delegatedUserId") == sess.delegated &&
		cookie("apiV3AccessToken") == sess.token &&
		r.Header.Get("Authorization") == "Bearer "+sess.token &&
		r.Header.Get("X-Requested-With") == "XMLHttpRequest"
	if !complete {
		genericError(w, http.StatusInternalServerError)
		return nil
	}
	return sess
}

func agreementJSON(memberID string, a Agreement) map[string]any {
	owner := memberID
	if a.MemberID != "" {
		owner = a.MemberID
	}
	return map[string]any{
		"id":              a.ID,
		"name":            a.Name,
		"memberId":        owner,
		"agreementStatus": 2,
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	sess := s.authorizeApi(w, r)
	hook := s.ListHook
	s.mutex.Unlock()
	if sess == nil {
		return
	}
	if hook != nil {
		hook()
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.counts.Lists++
	if s.ListFailures > 0 {
		s.ListFailures--
		genericError(w, http.StatusInternalServerError)
		return
	}
	memberID := r.URL.Query().Get("memberId")
	if memberID != sess.delegated {
		genericError(w, http.StatusInternalServerError)
		return
	}
	embed := slices.Contains(r.URL.Query()["include"], "invoices")

	entries := []map[string]any{}
	for _, a := range s.members[memberID] {
		entry := map[string]any{"packageAgreement": agreementJSON(memberID, a)}
		if embed && a.EmbedInList {
			invoices := a.Invoices
			if invoices == nil {
				invoices = []map[string]any{}
			}
			entry["include"] = map[string]any{"invoices": invoices}
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sess := s.authorizeApi(w, r)
	if sess == nil {
		return
	}
	id := r.PathValue("id")
	s.counts.Details[id]++

	var found *Agreement
	for _, a := range s.members[sess.delegated] {
		if a.ID == id {
			found = &a
			break
		}
	}
	if found == nil {
		genericError(w, http.StatusNotFound)
		return
	}

	if remaining := s.remaining[id]; remaining != 0 {
		if remaining > 0 {
			s.remaining[id]--
		}
		status := found.DetailFailStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		genericError(w, status)
		return
	}

	invoices := found.Invoices
	if invoices == nil {
		invoices = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"packageAgreement": agreementJSON(sess.delegated, *found),
		"include": map[string]any{
			"invoices":          invoices,
			"scheduledPayments": []any{},
		},
	})
}
