// Package api exposes the vault over HTTP: file upload and restore, key
// lifecycle, audit access, and operational probes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/etcr-vault/internal/audit"
	"github.com/kenneth/etcr-vault/internal/config"
	"github.com/kenneth/etcr-vault/internal/container"
	"github.com/kenneth/etcr-vault/internal/errs"
	"github.com/kenneth/etcr-vault/internal/keystore"
	"github.com/kenneth/etcr-vault/internal/metrics"
	"github.com/kenneth/etcr-vault/internal/middleware"
	"github.com/kenneth/etcr-vault/internal/vault"
)

// defaultMaxUploadBytes caps upload bodies when the server section does
// not configure a limit.
const defaultMaxUploadBytes = 256 << 20

// Handler serves the vault HTTP API.
type Handler struct {
	vault    *vault.Service
	keys     *keystore.Store
	config   *config.Config
	policies *config.PolicyManager
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	audit    audit.Logger
}

// NewHandler creates the API handler. policies and auditLogger may be
// nil; the corresponding features are skipped.
func NewHandler(v *vault.Service, keys *keystore.Store, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics, policies *config.PolicyManager, auditLogger audit.Logger) *Handler {
	return &Handler{
		vault:    v,
		keys:     keys,
		config:   cfg,
		policies: policies,
		logger:   logger,
		metrics:  m,
		audit:    auditLogger,
	}
}

// RegisterRoutes attaches all API routes to the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Handle("/health", metrics.HealthHandler()).Methods("GET")
	r.Handle("/live", metrics.LivenessHandler()).Methods("GET")
	r.Handle("/ready", metrics.ReadinessHandler(h.vaultReady)).Methods("GET")
	r.Handle("/metrics", h.metrics.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/files", h.handleListFiles).Methods("GET")
	v1.HandleFunc("/files/{name}", h.handlePutFile).Methods("PUT")
	v1.HandleFunc("/files/{ref}/info", h.handleInspectFile).Methods("GET")
	v1.HandleFunc("/files/{ref}", h.handleGetFile).Methods("GET")
	v1.HandleFunc("/files/{ref}", h.handleDeleteFile).Methods("DELETE")

	v1.HandleFunc("/keys", h.handleListKeys).Methods("GET")
	v1.HandleFunc("/keys", h.handleGenerateKey).Methods("POST")
	v1.HandleFunc("/keys/import", h.handleImportKey).Methods("POST")
	v1.HandleFunc("/keys/derive", h.handleDeriveKey).Methods("POST")
	v1.HandleFunc("/keys/backup", h.handleBackupKeys).Methods("POST")
	v1.HandleFunc("/keys/restore", h.handleRestoreKeys).Methods("POST")
	v1.HandleFunc("/keys/{id}/activate", h.handleActivateKey).Methods("POST")
	v1.HandleFunc("/keys/{id}", h.handleDeleteKey).Methods("DELETE")

	v1.HandleFunc("/audit/events", h.handleAuditEvents).Methods("GET")
}

// vaultReady reports whether the vault directory is reachable.
func (h *Handler) vaultReady() error {
	_, err := os.Stat(h.vault.Dir())
	return err
}

// fileJSON is the wire form of a vault entry.
type fileJSON struct {
	ID                string    `json:"id"`
	OriginalName      string    `json:"originalName"`
	EncryptedFilename string    `json:"encryptedFilename"`
	OriginalSize      int64     `json:"originalSize"`
	EncryptedSize     int64     `json:"encryptedSize"`
	Algorithm         string    `json:"algorithm"`
	DEKHash           string    `json:"dekHash"`
	KeyID             string    `json:"keyId,omitempty"`
	UploadedAt        time.Time `json:"uploadedAt"`
	BackupPath        string    `json:"backupPath,omitempty"`
}

func newFileJSON(e vault.Entry) fileJSON {
	return fileJSON{
		ID:                e.ID,
		OriginalName:      e.OriginalName,
		EncryptedFilename: e.EncryptedFilename,
		OriginalSize:      e.OriginalSize,
		EncryptedSize:     e.EncryptedSize,
		Algorithm:         e.Algorithm,
		DEKHash:           e.DEKHash,
		KeyID:             e.KeyID,
		UploadedAt:        e.Timestamp,
		BackupPath:        e.BackupPath,
	}
}

type fileListJSON struct {
	Files []fileJSON `json:"files"`
	Count int        `json:"count"`
}

func (h *Handler) handleListFiles(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("Listing vault entries")

	entries, err := h.vault.List(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list vault entries")
		translateError(err, r.URL.Path).WriteJSON(w)
		return
	}

	files := make([]fileJSON, 0, len(entries))
	for _, e := range entries {
		files = append(files, newFileJSON(e))
	}
	writeJSON(w, http.StatusOK, fileListJSON{Files: files, Count: len(files)})
}

func (h *Handler) handlePutFile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	name := mux.Vars(r)["name"]

	h.logger.WithField("file", name).Debug("Starting file upload")

	opts, apiErr := h.putOptions(name, r)
	if apiErr != nil {
		apiErr.WriteJSON(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUploadBytes()))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			(&apiError{
				Status:  http.StatusRequestEntityTooLarge,
				Kind:    "payload_too_large",
				Message: fmt.Sprintf("upload exceeds the %d byte limit", maxErr.Limit),
				Path:    r.URL.Path,
			}).WriteJSON(w)
			return
		}
		invalidRequest("failed to read request body", r.URL.Path).WriteJSON(w)
		return
	}

	entry, err := h.vault.PutData(r.Context(), name, body, opts)
	duration := time.Since(start)
	if err != nil {
		h.logger.WithError(err).WithField("file", name).Error("Failed to encrypt file into vault")
		h.metrics.RecordVaultOperation("put", "error", duration)
		h.metrics.RecordEncryptionError("encrypt", errs.KindOf(err).String())
		if h.audit != nil {
			alg := ""
			if opts.Algorithm != 0 {
				alg = opts.Algorithm.String()
			}
			h.audit.LogEncrypt(name, "", alg, "", false, err, duration)
		}
		translateError(err, r.URL.Path).WriteJSON(w)
		return
	}

	h.metrics.RecordVaultOperation("put", "ok", duration)
	h.metrics.RecordEncryptionOperation("encrypt", entry.Algorithm, duration, entry.OriginalSize)
	if h.audit != nil {
		h.audit.LogEncrypt(entry.OriginalName, entry.EncryptedFilename, entry.Algorithm, entry.KeyID, true, nil, duration)
	}

	writeJSON(w, http.StatusCreated, newFileJSON(entry))
}

// putOptions resolves the algorithm for an upload. An explicit
// ?algorithm= query wins over a matching file policy. Backup copies
// follow the server configuration; clients cannot steer them.
func (h *Handler) putOptions(name string, r *http.Request) (vault.PutOptions, *apiError) {
	opts := vault.PutOptions{BackupDir: h.config.Vault.BackupDir}

	if q := r.URL.Query().Get("algorithm"); q != "" {
		alg, err := container.ParseAlgorithm(q)
		if err != nil {
			return opts, invalidRequest(fmt.Sprintf("unknown algorithm %q", q), r.URL.Path)
		}
		if !alg.Encryptable() {
			return opts, invalidRequest(fmt.Sprintf("algorithm %q is decrypt-only", q), r.URL.Path)
		}
		opts.Algorithm = alg
		return opts, nil
	}

	if h.policies == nil {
		return opts, nil
	}
	policy := h.policies.PolicyForFile(name)
	if policy == nil || policy.Algorithm == "" {
		return opts, nil
	}
	alg, err := container.ParseAlgorithm(policy.Algorithm)
	if err != nil || !alg.Encryptable() {
		h.logger.WithFields(logrus.Fields{
			"policy":    policy.ID,
			"algorithm": policy.Algorithm,
		}).Warn("Ignoring policy with unusable algorithm")
		return opts, nil
	}
	h.logger.WithFields(logrus.Fields{
		"file":      name,
		"policy":    policy.ID,
		"algorithm": policy.Algorithm,
	}).Debug("Applying file policy")
	opts.Algorithm = alg
	return opts, nil
}

func (h *Handler) maxUploadBytes() int64 {
	if h.config != nil && h.config.Server.MaxUploadBytes > 0 {
		return h.config.Server.MaxUploadBytes
	}
	return defaultMaxUploadBytes
}

func (h *Handler) handleGetFile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ref := mux.Vars(r)["ref"]

	h.logger.WithField("ref", ref).Debug("Starting file download")

	name, res, err := h.vault.Open(r.Context(), ref)
	duration := time.Since(start)
	if err != nil {
		h.logger.WithError(err).WithField("ref", ref).Error("Failed to decrypt container")
		h.metrics.RecordVaultOperation("get", "error", duration)
		if kind := errs.KindOf(err); kind != errs.Other {
			h.metrics.RecordEncryptionError("decrypt", kind.String())
		}
		if h.audit != nil {
			h.audit.LogDecrypt(ref, "", "", "", false, err, duration)
		}
		translateError(err, r.URL.Path).WriteJSON(w)
		return
	}

	h.metrics.RecordVaultOperation("get", "ok", duration)
	h.metrics.RecordEncryptionOperation("decrypt", res.Algorithm.String(), duration, int64(len(res.Plaintext)))
	if h.audit != nil {
		h.audit.LogDecrypt(name, ref, res.Algorithm.String(), res.KeyID, true, nil, duration)
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Plaintext)))
	w.Header().Set("X-Etcr-Algorithm", res.Algorithm.String())
	if res.Unauthenticated {
		w.Header().Set("X-Etcr-Unauthenticated", "true")
	}
	if _, err := w.Write(res.Plaintext); err != nil {
		h.logger.WithError(err).WithField("ref", ref).Warn("Failed to write response body")
	}
}

func (h *Handler) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ref := mux.Vars(r)["ref"]

	err := h.vault.Delete(r.Context(), ref)
	duration := time.Since(start)
	if h.audit != nil {
		h.audit.LogAccess("delete", r.URL.Path, middleware.ClientIP(r), r.UserAgent(), middleware.RequestID(r), err == nil, err, duration)
	}
	if err != nil {
		h.logger.WithError(err).WithField("ref", ref).Error("Failed to delete container")
		h.metrics.RecordVaultOperation("delete", "error", duration)
		translateError(err, r.URL.Path).WriteJSON(w)
		return
	}

	h.metrics.RecordVaultOperation("delete", "ok", duration)
	w.WriteHeader(http.StatusNoContent)
}

type inspectJSON struct {
	Path           string    `json:"path"`
	Version        int       `json:"version"`
	Algorithm      string    `json:"algorithm"`
	IVSize         int       `json:"ivSize"`
	TagSize        int       `json:"tagSize"`
	DEKHash        string    `json:"dekHash"`
	CiphertextSize int       `json:"ciphertextSize"`
	Legacy         bool      `json:"legacy,omitempty"`
	Entry          *fileJSON `json:"entry,omitempty"`
}

func (h *Handler) handleInspectFile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ref := mux.Vars(r)["ref"]

	info, err := h.vault.Inspect(r.Context(), ref)
	duration := time.Since(start)
	if err != nil {
		h.logger.WithError(err).WithField("ref", ref).Error("Failed to inspect container")
		h.metrics.RecordVaultOperation("inspect", "error", duration)
		translateError(err, r.URL.Path).WriteJSON(w)
		return
	}
	h.metrics.RecordVaultOperation("inspect", "ok", duration)

	resp := inspectJSON{
		Path:           info.Path,
		Version:        int(info.Container.Version),
		Algorithm:      info.Container.Algorithm.String(),
		IVSize:         info.Container.IVSize,
		TagSize:        info.Container.TagSize,
		DEKHash:        info.Container.KeyHashHex(),
		CiphertextSize: info.Container.CiphertextSize,
		Legacy:         info.Container.Legacy,
	}
	if info.Entry != nil {
		entry := newFileJSON(*info.Entry)
		resp.Entry = &entry
	}
	writeJSON(w, http.StatusOK, resp)
}

type auditEventsJSON struct {
	Events []*audit.Event `json:"events"`
	Count  int            `json:"count"`
}

func (h *Handler) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeJSON(w, http.StatusOK, auditEventsJSON{Events: []*audit.Event{}})
		return
	}

	events := h.audit.Events()
	if q := r.URL.Query().Get("limit"); q != "" {
		limit, err := strconv.Atoi(q)
		if err != nil || limit < 0 {
			invalidRequest("limit must be a non-negative integer", r.URL.Path).WriteJSON(w)
			return
		}
		if limit < len(events) {
			events = events[len(events)-limit:]
		}
	}
	writeJSON(w, http.StatusOK, auditEventsJSON{Events: events, Count: len(events)})
}

// writeJSON writes v as the JSON response body.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to encode JSON response")
	}
}

// decodeJSON decodes a JSON request body into v. Bodies over 1 MiB are
// rejected; no request in this API legitimately approaches that.
func decodeJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}
