package auth

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/absfi/presale/internal/store"
	"github.com/absfi/presale/internal/token"
)

type Auth interface {
	Register(w http.ResponseWriter, r *http.Request)
	Login(w http.ResponseWriter, r *http.Request)
	Middleware(h http.HandlerFunc) http.HandlerFunc
}

const (
	// HeaderUserCodeKey carries the authenticated account code from the
	// middleware to the handlers
	HeaderUserCodeKey = "userCode"
	cookieUserToken   = "presaleUserToken"
)

type auth struct {
	store store.Store
}

func NewAuth(store store.Store) Auth {
	return &auth{store: store}
}

type credentialsJSONRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (a *auth) Register(w http.ResponseWriter, r *http.Request) {
	creds, err := readCredentials(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	userCode, err := a.store.AuthRegister(r.Context(), creds.Login, creds.Password)
	if err != nil {
		switch err {
		case store.ErrAlreadyExists:
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	a.setToken(w, userCode)
}

func (a *auth) Login(w http.ResponseWriter, r *http.Request) {
	creds, err := readCredentials(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	userCode, err := a.store.AuthLogin(r.Context(), creds.Login, creds.Password)
	if err != nil {
		switch err {
		case store.ErrNoRows, store.ErrAuthFailed:
			http.Error(w, err.Error(), http.StatusUnauthorized)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	a.setToken(w, userCode)
}

func readCredentials(r *http.Request) (credentialsJSONRequest, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return credentialsJSONRequest{}, err
	}
	var creds credentialsJSONRequest
	if err := json.Unmarshal(buf.Bytes(), &creds); err != nil {
		return credentialsJSONRequest{}, err
	}
	return creds, nil
}

func (a *auth) setToken(w http.ResponseWriter, userCode string) {
	tokenString, err := token.BuildJWT(userCode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:  cookieUserToken,
		Value: tokenString,
		Path:  "/",
	})
	w.WriteHeader(http.StatusOK)
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userCode, err := a.getUserCode(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		r.Header.Set(HeaderUserCodeKey, userCode)

		h.ServeHTTP(w, r)
	}
}

func (a *auth) getUserCode(_ http.ResponseWriter, r *http.Request) (string, error) {
	tokenCookie, err := r.Cookie(cookieUserToken)
	if err != nil {
		return "", err
	}
	return token.GetUserCode(tokenCookie.Value)
}
