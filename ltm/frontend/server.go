// Package frontend is the LTM's HTTP adapter: a password-authenticated,
// single-user API for submitting gce-xfstests runs.
package frontend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/securecookie"

	"github.com/tytso/xfstests-bld/go/gcs"
	"github.com/tytso/xfstests-bld/go/skerr"
	"github.com/tytso/xfstests-bld/go/sklog"
	"github.com/tytso/xfstests-bld/ltm/runmanager"
)

const (
	sessionCookieName = "ltm_session"
	hashKeySize       = 32
	blockKeySize      = 32

	serverReadTimeout  = 5 * time.Minute
	serverWriteTimeout = 5 * time.Minute
)

// session is the value signed and stored client-side in the session
// cookie; there is only ever one valid user, so this just records
// whether the holder logged in successfully.
type session struct {
	Authenticated bool
	Username      string
}

// Server is the LTM's HTTP frontend: one mux.Router plus the auth and
// run-manager state every handler needs.
type Server struct {
	router *mux.Router
	creds  *Credentials
	cookie *securecookie.SecureCookie
	deps   runmanager.Deps
}

// New builds a Server, loading or creating (in stateDir) the single
// user's credentials and the cookie-signing secret, per app.py's
// secret_key_path / bldsrv_login.py's user_data_file_path.
func New(ctx context.Context, stateDir string, storage gcs.Client, deps runmanager.Deps) (*Server, error) {
	creds, err := LoadOrCreateCredentials(ctx, filepath.Join(stateDir, ".user.json"), storage)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	hashKey, err := loadOrCreateSecret(filepath.Join(stateDir, ".ltm_hash_key"), hashKeySize)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	blockKey, err := loadOrCreateSecret(filepath.Join(stateDir, ".ltm_block_key"), blockKeySize)
	if err != nil {
		return nil, skerr.Wrap(err)
	}

	s := &Server{
		router: mux.NewRouter(),
		creds:  creds,
		cookie: securecookie.New(hashKey, blockKey),
		deps:   deps,
	}
	s.router.HandleFunc("/login", s.handleLogin).Methods("POST")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/gce-xfstests", s.requireAuth(s.handleGceXfstests)).Methods("POST")
	return s, nil
}

// Router exposes the underlying mux.Router, mainly for tests that want
// to drive requests through httptest without a live listener.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start serves the frontend on addr. Never returns on success.
func (s *Server) Start(addr string) error {
	sklog.Infof("frontend: listening on %s", addr)
	server := &http.Server{
		Addr:           addr,
		Handler:        s.router,
		ReadTimeout:    serverReadTimeout,
		WriteTimeout:   serverWriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	return server.ListenAndServe()
}

type loginRequest struct {
	Password string `json:"password"`
}

// handleLogin implements app.py's /login: validates the posted password
// against the single user's hash and, on success, sets a signed session
// cookie. 400 on a malformed/empty body, 401 on a wrong password.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		sklog.Infof("frontend: /login rejected, malformed request")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if !s.creds.Validate(req.Password) {
		sklog.Infof("frontend: /login failed for user %q", s.creds.Username)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := s.setSessionCookie(w, session{Authenticated: true, Username: s.creds.Username}); err != nil {
		sklog.Errorf("frontend: failed to encode session cookie: %s", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	sklog.Infof("frontend: /login succeeded for user %q", s.creds.Username)
	writeJSON(w, map[string]bool{"result": true})
}

// handleStatus implements app.py's /status: reports whether the caller's
// session cookie is currently authenticated. Never itself requires auth.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromRequest(r)
	writeJSON(w, map[string]bool{"status": ok && sess.Authenticated})
}

type gceXfstestsRequest struct {
	OrigCmdline string          `json:"orig_cmdline"`
	Options     *requestOptions `json:"options"`
}

// requestOptions mirrors the subset of invocation options the frontend
// accepts from the caller.
type requestOptions struct {
	NoRegionShard bool   `json:"no_region_shard"`
	BucketSubdir  string `json:"bucket_subdir"`
	GSKernel      string `json:"gs_kernel"`
	ReportEmail   string `json:"report_email"`
}

// handleGceXfstests decodes a base64'd original command line, constructs a
// TestRun, returns its synchronous info, and launches it in the
// background. A malformed body or an orig_cmdline that is not valid base64
// gets HTTP 400; a failure to construct the run collapses to
// {"status": false} rather than propagating an HTTP error.
func (s *Server) handleGceXfstests(w http.ResponseWriter, r *http.Request) {
	var req gceXfstestsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrigCmdline == "" {
		sklog.Infof("frontend: /gce-xfstests rejected, malformed request")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	cmdBytes, err := base64.StdEncoding.DecodeString(req.OrigCmdline)
	if err != nil {
		sklog.Infof("frontend: /gce-xfstests rejected, invalid base64 orig_cmdline")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	opts := runmanager.Options{}
	if req.Options != nil {
		opts = runmanager.Options{
			NoRegionShard: req.Options.NoRegionShard,
			BucketSubdir:  req.Options.BucketSubdir,
			GSKernel:      req.Options.GSKernel,
			ReportEmail:   req.Options.ReportEmail,
		}
	}

	run, err := runmanager.New(r.Context(), s.deps, string(cmdBytes), opts)
	if err != nil {
		sklog.Errorf("frontend: /gce-xfstests failed to construct run: %s", err)
		writeJSON(w, map[string]interface{}{"status": false})
		return
	}

	info := run.GetInfo()
	run.Run(r.Context())

	writeJSON(w, map[string]interface{}{"status": true, "info": info})
}

// requireAuth wraps h so that it only runs for requests carrying a valid,
// authenticated session cookie, mirroring @flask_login.login_required.
func (s *Server) requireAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.sessionFromRequest(r)
		if !ok || !sess.Authenticated {
			http.Error(w, "login required", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (s *Server) setSessionCookie(w http.ResponseWriter, sess session) error {
	encoded, err := s.cookie.Encode(sessionCookieName, sess)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
	})
	return nil
}

func (s *Server) sessionFromRequest(r *http.Request) (session, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return session{}, false
	}
	var sess session
	if err := s.cookie.Decode(sessionCookieName, c.Value, &sess); err != nil {
		return session{}, false
	}
	return sess, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		sklog.Errorf("frontend: failed to encode JSON response: %s", err)
	}
}
