package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ecolearn/challengegate/pkg/models"
)

// failureMsg is the only verification-failure detail clients ever see.
// The exact reason is logged server-side to avoid fingerprinting the
// validation logic.
const failureMsg = "Security verification failed. Please complete the challenge correctly."

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type verifyReq struct {
	Token  string `json:"token"`
	Answer string `json:"answer"`
}

type verifyResp struct {
	Valid bool `json:"valid"`
}

type webviewTpl struct {
	Title       string
	Description string

	Challenge models.ChallengeResp
	Message   string
	Verified  bool

	App constants
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	if err := app.store.Ping(); err != nil {
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, "OK")
}

// handleGetChallenge generates a new challenge and returns it to the
// client. The response carries the display text to render and the token,
// never the stored answer field.
func handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	out, err := app.challenge.Generate()
	if err != nil {
		app.lo.Error("error generating challenge", "error", err)
		sendErrorResponse(w, "Error generating challenge.", http.StatusInternalServerError, nil)
		return
	}

	sendResponse(w, out)
}

// handleVerifyChallenge checks a client-submitted token/answer pair and
// consumes the token on success.
func handleVerifyChallenge(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)

		req verifyReq
	)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid JSON body.", http.StatusBadRequest, verifyResp{})
		return
	}
	if strings.TrimSpace(req.Answer) == "" {
		sendErrorResponse(w, failureMsg, http.StatusBadRequest, verifyResp{})
		return
	}

	if !verify(app, w, req.Token, req.Answer) {
		return
	}

	sendResponse(w, verifyResp{Valid: true})
}

// handleConsumeChallenge is the server-to-server variant used by consuming
// flows (registration, login, password reset) before they perform their
// own side effects.
func handleConsumeChallenge(w http.ResponseWriter, r *http.Request) {
	var (
		app       = r.Context().Value("app").(*App)
		namespace = r.Context().Value("namespace").(string)
		token     = chi.URLParam(r, "token")
		answer    = r.FormValue("answer")
	)

	if strings.TrimSpace(answer) == "" {
		sendErrorResponse(w, failureMsg, http.StatusBadRequest, verifyResp{})
		return
	}

	app.lo.Debug("consuming challenge", "namespace", namespace, "token", token)
	if !verify(app, w, token, answer) {
		return
	}

	sendResponse(w, verifyResp{Valid: true})
}

// handleChallengeView renders the hosted HTML challenge page. GET serves a
// fresh challenge; POST validates the submission and re-renders.
func handleChallengeView(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value("app").(*App)
	)

	if r.Method == http.MethodPost {
		var (
			token  = r.FormValue("token")
			answer = r.FormValue("answer")
		)
		// An empty answer never verifies: Verify would treat it as
		// "no answer supplied" and skip the comparison.
		if strings.TrimSpace(answer) != "" && app.challenge.Verify(token, answer) == nil {
			app.tpl.ExecuteTemplate(w, "message", webviewTpl{App: app.constants,
				Verified:    true,
				Title:       "Verified",
				Description: "You're verified. This page can be closed now.",
			})
			return
		}

		// Failed. Offer a fresh challenge with the error. The old token
		// stays retryable until expiry, but a new one is simpler for
		// the hosted page.
		out, err := app.challenge.Generate()
		if err != nil {
			app.lo.Error("error generating challenge", "error", err)
			http.Error(w, "error generating challenge", http.StatusInternalServerError)
			return
		}
		app.tpl.ExecuteTemplate(w, "challenge", webviewTpl{App: app.constants,
			Title:     "Verify you're human",
			Message:   failureMsg,
			Challenge: out,
		})
		return
	}

	out, err := app.challenge.Generate()
	if err != nil {
		app.lo.Error("error generating challenge", "error", err)
		http.Error(w, "error generating challenge", http.StatusInternalServerError)
		return
	}

	app.tpl.ExecuteTemplate(w, "challenge", webviewTpl{App: app.constants,
		Title:     "Verify you're human",
		Challenge: out,
	})
}

// verify runs a verification and writes the failure response if it didn't
// pass. Internal faults are reported the same as rejections; the store
// error has already been logged by the service.
func verify(app *App, w http.ResponseWriter, token, answer string) bool {
	err := app.challenge.Verify(token, answer)
	if err == nil {
		return true
	}

	if !errors.Is(err, models.ErrInternal) {
		app.lo.Info("challenge verification failed", "reason", err, "token", token)
	}
	sendErrorResponse(w, failureMsg, http.StatusBadRequest, verifyResp{Valid: false})
	return false
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "app", app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}

// auth is a simple authentication middleware for the server-to-server API.
func auth(authMap map[string]string, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const authBasic = "Basic"
		var (
			pair  [][]byte
			delim = []byte(":")

			h = r.Header.Get("Authorization")
		)

		// Basic auth scheme.
		if strings.HasPrefix(h, authBasic) {
			payload, err := base64.StdEncoding.DecodeString(string(strings.Trim(h[len(authBasic):], " ")))
			if err != nil {
				sendErrorResponse(w, "Invalid Base64 value in Basic Authorization header.",
					http.StatusUnauthorized, nil)
				return
			}

			pair = bytes.SplitN(payload, delim, 2)
		} else {
			sendErrorResponse(w, "Missing Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return

		}

		if len(pair) != 2 {
			sendErrorResponse(w, "Invalid value in Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		var (
			namespace = string(pair[0])
			secret    = pair[1]
		)
		s, ok := authMap[namespace]
		if !ok || subtle.ConstantTimeCompare([]byte(s), secret) != 1 {
			sendErrorResponse(w, "Invalid API credentials.",
				http.StatusUnauthorized, nil)
			return
		}

		ctx := context.WithValue(r.Context(), "namespace", namespace)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
