package api

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kenneth/etcr-vault/internal/keystore"
)

// keyJSON is the wire form of a key record. Raw key material never
// appears in API responses.
type keyJSON struct {
	KeyID       string     `json:"keyId"`
	Type        string     `json:"type"`
	Description string     `json:"description,omitempty"`
	Created     time.Time  `json:"created"`
	Imported    *time.Time `json:"imported,omitempty"`
	Active      bool       `json:"active"`
}

func newKeyJSON(rec keystore.Record) keyJSON {
	kj := keyJSON{
		KeyID:       rec.ID,
		Type:        string(rec.Kind),
		Description: rec.Description,
		Created:     rec.Created,
		Active:      rec.Active,
	}
	if !rec.Imported.IsZero() {
		imported := rec.Imported
		kj.Imported = &imported
	}
	return kj
}

type keyListJSON struct {
	Keys        []keyJSON `json:"keys"`
	Count       int       `json:"count"`
	ActiveKeyID string    `json:"activeKeyId,omitempty"`
}

// auditKeyOp forwards a key lifecycle event to the audit log.
func (h *Handler) auditKeyOp(operation, keyID string, err error) {
	if h.audit == nil {
		return
	}
	h.audit.LogKeyOp(operation, keyID, err == nil, err)
}

func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	records := h.keys.List()

	resp := keyListJSON{Keys: make([]keyJSON, 0, len(records)), Count: len(records)}
	for _, rec := range records {
		if rec.Active {
			resp.ActiveKeyID = rec.ID
		}
		resp.Keys = append(resp.Keys, newKeyJSON(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description string `json:"description"`
	}
	// An empty body is fine; generation needs no parameters.
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		invalidRequest("request body is not valid JSON", r.URL.Path).WriteJSON(w)
		return
	}

	rec, err := h.keys.Generate(r.Context(), req.Description)
	if err != nil {
		h.logger.WithError(err).Error("Failed to generate key")
		h.metrics.RecordKeystoreOperation("generate", "error")
		h.auditKeyOp("generate", "", err)
		translateError(err, r.URL.Path).WriteJSON(w)
		return
	}

	h.metrics.RecordKeystoreOperation("generate", "ok")
	h.auditKeyOp("generate", rec.ID, nil)
	writeJSON(w, http.StatusCreated, newKeyJSON(rec))
}

func (h *Handler) handleImportKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key         string `json:"key"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		invalidRequest("request body is not valid JSON", r.URL.Path).WriteJSON(w)
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		invalidRequest("key is required", r.URL.Path).WriteJSON(w)
		return
	}

	rec, err := h.keys.Import(r.Context(), req.Key, req.Description)
	if err != nil {
		h.logger.WithError(err).Error("Failed to import key")
		h.metrics.RecordKeystoreOperation("import", "error")
		h.auditKeyOp("import", "", err)
		translateError(err, r.URL.Path).WriteJSON(w)
		return
	}

	h.metrics.RecordKeystoreOperation("import", "ok")
	h.auditKeyOp("import", rec.ID, nil)
	writeJSON(w, http.StatusCreated, newKeyJSON(rec))
}

func (h *Handler) handleDeriveKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Passphrase  string `json:"passphrase"`
		Entropy     string `json:"entropy"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		invalidRequest("request body is not valid JSON", r.URL.Path).WriteJSON(w)
		return
	}
	if req.Passphrase == "" {
		invalidRequest("passphrase is required", r.URL.Path).WriteJSON(w)
		return
	}

	rec, err := h.keys.Derive(r.Context(), req.Passphrase, req.Entropy, req.Description)
	if err != nil {
		h.logger.WithError(err).Error("Failed to derive key")
		h.metrics.RecordKeystoreOperation("derive", "error")
		h.auditKeyOp("derive", "", err)
		translateError(err, r.URL.Path).WriteJSON(w)
		return
	}

	h.metrics.RecordKeystoreOperation("derive", "ok")
	h.auditKeyOp("derive", rec.ID, nil)
	writeJSON(w, http.StatusCreated, newKeyJSON(rec))
}

func (h *Handler) handleActivateKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.keys.Activate(r.Context(), id); err != nil {
		h.logger.WithError(err).WithField("key_id", id).Error("Failed to activate key")
		h.metrics.RecordKeystoreOperation("activate", "error")
		h.auditKeyOp("activate", id, err)
		translateError(err, r.URL.Path).WriteJSON(w)
		return
	}

	h.metrics.RecordKeystoreOperation("activate", "ok")
	h.auditKeyOp("activate", id, nil)

	rec, err := h.keys.Get(id)
	if err != nil {
		translateError(err, r.URL.Path).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, newKeyJSON(rec))
}

func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.keys.Delete(r.Context(), id); err != nil {
		h.logger.WithError(err).WithField("key_id", id).Error("Failed to delete key")
		h.metrics.RecordKeystoreOperation("delete", "error")
		h.auditKeyOp("delete", id, err)
		translateError(err, r.URL.Path).WriteJSON(w)
		return
	}

	h.metrics.RecordKeystoreOperation("delete", "ok")
	h.auditKeyOp("delete", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

type backupJSON struct {
	Envelope string `json:"envelope"`
	KeyID    string `json:"keyId,omitempty"`
}

func (h *Handler) handleBackupKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Passphrase string `json:"passphrase"`
	}
	if err := decodeJSON(r, &req); err != nil {
		invalidRequest("request body is not valid JSON", r.URL.Path).WriteJSON(w)
		return
	}

	env, err := h.keys.BackupEnvelope(req.Passphrase)
	if err != nil {
		h.logger.WithError(err).Error("Failed to back up active key")
		h.metrics.RecordKeystoreOperation("backup", "error")
		h.auditKeyOp("backup", "", err)
		translateError(err, r.URL.Path).WriteJSON(w)
		return
	}

	resp := backupJSON{Envelope: base64.StdEncoding.EncodeToString(env)}
	if active, aerr := h.keys.Active(); aerr == nil {
		resp.KeyID = active.ID
	}

	h.metrics.RecordKeystoreOperation("backup", "ok")
	h.auditKeyOp("backup", resp.KeyID, nil)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRestoreKeys(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Passphrase string `json:"passphrase"`
		Envelope   string `json:"envelope"`
	}
	if err := decodeJSON(r, &req); err != nil {
		invalidRequest("request body is not valid JSON", r.URL.Path).WriteJSON(w)
		return
	}
	if req.Envelope == "" {
		invalidRequest("envelope is required", r.URL.Path).WriteJSON(w)
		return
	}
	env, err := base64.StdEncoding.DecodeString(req.Envelope)
	if err != nil {
		invalidRequest("envelope is not valid base64", r.URL.Path).WriteJSON(w)
		return
	}

	rec, err := h.keys.RestoreEnvelope(r.Context(), env, req.Passphrase)
	if err != nil {
		h.logger.WithError(err).Error("Failed to restore key from backup")
		h.metrics.RecordKeystoreOperation("restore", "error")
		h.auditKeyOp("restore", "", err)
		translateError(err, r.URL.Path).WriteJSON(w)
		return
	}

	h.metrics.RecordKeystoreOperation("restore", "ok")
	h.auditKeyOp("restore", rec.ID, nil)
	writeJSON(w, http.StatusOK, newKeyJSON(rec))
}
