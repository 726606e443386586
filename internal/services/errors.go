// Package services holds the business logic for chats, messages and order
// files. This file centralizes the service-level errors so handlers can map
// them to HTTP statuses consistently.
package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrChatNotFound indicates that the requested chat does not exist or is
	// not accessible to the caller.
	ErrChatNotFound = errors.New("chat not found")

	// ErrMessageNotFound indicates that the requested message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrEmptyMessage is returned when a send carries neither text nor files.
	ErrEmptyMessage = errors.New("message must contain text or files")

	// ErrTooLong is returned when a text-only message exceeds the configured
	// maximum rune count.
	ErrTooLong = errors.New("message too long")

	// ErrInvalidMessageID is returned for a client-supplied id that is not a UUID.
	ErrInvalidMessageID = errors.New("message id must be a UUID")

	// ErrDuplicateMessage is returned when a client-supplied id was already used.
	ErrDuplicateMessage = errors.New("message already exists")

	// ErrForbidden is returned when the caller may not act on the resource.
	ErrForbidden = errors.New("forbidden")

	// ErrOrderNotFound indicates an unknown order id or order number.
	ErrOrderNotFound = errors.New("order not found")

	// ErrItemNotFound indicates an item number the order does not have.
	ErrItemNotFound = errors.New("order item not found")

	// ErrFileExists is returned when an order file with the same name is
	// already stored at the target path.
	ErrFileExists = errors.New("file already exists")

	// ErrFileNotFound indicates an unknown order file.
	ErrFileNotFound = errors.New("file not found")

	// ErrStorageUnavailable is returned for a send with files when no
	// object store is configured.
	ErrStorageUnavailable = errors.New("file storage is not configured")

	// ErrSendAbandoned is returned when a reconciler claimed a send's
	// intent while its uploads were still running.
	ErrSendAbandoned = errors.New("send abandoned by reconciler")
)

// OversizeFile names one file rejected for size.
type OversizeFile struct {
	Name string
	Size int64
}

// FilesTooLargeError lists every file over the per-file limit. It is
// returned before anything is written.
type FilesTooLargeError struct {
	Limit int64
	Files []OversizeFile
}

func (e *FilesTooLargeError) Error() string {
	parts := make([]string, len(e.Files))
	for i, f := range e.Files {
		parts[i] = fmt.Sprintf("%s (%s)", f.Name, humanSize(f.Size))
	}
	return fmt.Sprintf("files exceed the %s limit: %s", humanSize(e.Limit), strings.Join(parts, ", "))
}

// humanSize renders n bytes as B, KB or MB with one decimal.
func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
