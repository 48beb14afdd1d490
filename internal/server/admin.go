package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/examlock/examlockd/pkg/clearance"
	"github.com/examlock/examlockd/pkg/session"
)

// AdminConfig configures the clearance admin API.
type AdminConfig struct {
	// Enabled turns the admin routes on.
	Enabled bool

	// SigningKey is the HMAC key for admin JWTs, base64-encoded or raw.
	SigningKey string

	// APIKeyHashes are bcrypt hashes of accepted admin API keys, presented
	// via the X-API-Key header.
	APIKeyHashes []string
}

// adminAPI grants and revokes clearances in the record provider.
type adminAPI struct {
	records    *clearance.RecordProvider
	signingKey []byte
	keyHashes  []string
}

func newAdminAPI(records *clearance.RecordProvider, cfg AdminConfig) *adminAPI {
	return &adminAPI{
		records:    records,
		signingKey: decodeSigningKey(cfg.SigningKey),
		keyHashes:  cfg.APIKeyHashes,
	}
}

// decodeSigningKey accepts a base64-encoded key, falling back to raw bytes.
func decodeSigningKey(key string) []byte {
	if key == "" {
		return nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(key); err == nil {
		return decoded
	}
	return []byte(key)
}

// authenticate accepts either a bearer JWT signed with the admin HMAC key or
// an API key matching one of the configured bcrypt hashes.
func (a *adminAPI) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subject, err := a.verifyBearer(r); err == nil {
			slog.Debug("admin: authenticated via token", "subject", subject)
			next.ServeHTTP(w, r)
			return
		}

		if key := r.Header.Get("X-API-Key"); key != "" && a.verifyAPIKey(key) {
			next.ServeHTTP(w, r)
			return
		}

		writeError(w, http.StatusUnauthorized, "admin credentials required")
	})
}

// verifyBearer validates an HMAC-signed admin JWT and returns its subject.
func (a *adminAPI) verifyBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tokenString == "" {
		return "", fmt.Errorf("no bearer token")
	}
	if len(a.signingKey) == 0 {
		return "", fmt.Errorf("no signing key configured")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		// Validate the algorithm is HMAC
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid claims type")
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return "", fmt.Errorf("missing sub claim")
	}
	return subject, nil
}

// verifyAPIKey compares the presented key against the configured hashes.
func (a *adminAPI) verifyAPIKey(key string) bool {
	for _, hash := range a.keyHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
			return true
		}
	}
	return false
}

// clearanceRequest identifies the student and form for a grant or revoke.
type clearanceRequest struct {
	FormURL      string `json:"formUrl"`
	StudentEmail string `json:"studentEmail"`
	GrantedBy    string `json:"grantedBy,omitempty"`
}

// clearanceResponse acknowledges a grant or revoke.
type clearanceResponse struct {
	Success      bool   `json:"success"`
	FormKey      string `json:"formKey"`
	StudentEmail string `json:"studentEmail"`
}

func (a *adminAPI) handleGrant(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeClearanceRequest(w, r)
	if !ok {
		return
	}

	formKey := session.NormalizeFormKey(req.FormURL)
	if err := a.records.Grant(r.Context(), formKey, req.StudentEmail, req.GrantedBy); err != nil {
		slog.Error("admin: failed to grant clearance",
			"form_key", formKey, "student_email", req.StudentEmail, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to grant clearance")
		return
	}

	slog.Info("admin: clearance granted",
		"form_key", formKey, "student_email", req.StudentEmail, "granted_by", req.GrantedBy)
	writeJSON(w, http.StatusOK, clearanceResponse{
		Success:      true,
		FormKey:      formKey,
		StudentEmail: req.StudentEmail,
	})
}

func (a *adminAPI) handleRevoke(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeClearanceRequest(w, r)
	if !ok {
		return
	}

	formKey := session.NormalizeFormKey(req.FormURL)
	if err := a.records.Revoke(r.Context(), formKey, req.StudentEmail); err != nil {
		slog.Error("admin: failed to revoke clearance",
			"form_key", formKey, "student_email", req.StudentEmail, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to revoke clearance")
		return
	}

	slog.Info("admin: clearance revoked", "form_key", formKey, "student_email", req.StudentEmail)
	writeJSON(w, http.StatusOK, clearanceResponse{
		Success:      true,
		FormKey:      formKey,
		StudentEmail: req.StudentEmail,
	})
}

func (a *adminAPI) decodeClearanceRequest(w http.ResponseWriter, r *http.Request) (clearanceRequest, bool) {
	var req clearanceRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed clearance request")
		return req, false
	}
	if req.FormURL == "" || req.StudentEmail == "" {
		writeError(w, http.StatusBadRequest, "formUrl and studentEmail are required")
		return req, false
	}
	return req, true
}
