package handlers

// Error codes carried in the {request_id, code, message} envelope. Clients
// branch on code, never on message. The web client's session guard treats
// token_expired (and any 401) as the cue to refresh and retry once.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeTokenExpired     = "token_expired"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeInternal         = "internal_error"

	// Chat sends and order files.
	ErrCodeFilesTooLarge = "files_too_large"
	ErrCodeSendFailed    = "send_failed"
	ErrCodeUploadFailed  = "upload_failed"
	ErrCodeListFailed    = "list_failed"

	ErrCodeStorageUnavailable = "storage_unavailable"
)
