package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// BlobStore is the narrow slice of storage.Repository the backup
// handler needs: content-addressed dedupe storage for configuration
// snapshots.
type BlobStore interface {
	HasBlob(ctx context.Context, hash string) (bool, error)
	PutBlob(ctx context.Context, hash string, data []byte) (bool, error)
}

// BackupHandler runs a device's "show running configuration" command
// and stores the normalized output content-addressed, deduplicating
// against any prior backup with identical content.
type BackupHandler struct {
	blobs   BlobStore
	command string
}

// NewBackupHandler returns a handler that issues command over the
// session and stores the result in blobs.
func NewBackupHandler(blobs BlobStore, command string) *BackupHandler {
	return &BackupHandler{blobs: blobs, command: command}
}

func (h *BackupHandler) Metadata() Metadata {
	return Metadata{Label: "Configuration Backup", RequiresSession: true}
}

func (h *BackupHandler) Execute(ctx context.Context, req ExecRequest) (map[string]any, error) {
	if req.Session == nil {
		return nil, fmt.Errorf("handlers: backup requires an open session")
	}

	output, err := req.Session.Run(ctx, h.command)
	if err != nil {
		return nil, fmt.Errorf("handlers: backup: run %q: %w", h.command, err)
	}

	normalized := normalizeLineEndings(output)
	sum := sha256.Sum256([]byte(normalized))
	hash := hex.EncodeToString(sum[:])

	if _, err := h.blobs.PutBlob(ctx, hash, []byte(normalized)); err != nil {
		return nil, fmt.Errorf("handlers: backup: store blob %s: %w", hash, err)
	}

	return map[string]any{
		"artifact_hash": hash,
		"bytes":         int64(len(normalized)),
	}, nil
}

// normalizeLineEndings collapses CRLF and bare CR into LF so that the
// same running configuration hashes identically regardless of which
// terminal emulation the device's CLI used for this session.
func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

var _ Handler = (*BackupHandler)(nil)
